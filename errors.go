package conveyor

import "errors"

var (
	// Store errors.
	ErrNoStore         = errors.New("conveyor: no store configured")
	ErrStoreClosed     = errors.New("conveyor: store closed")
	ErrMigrationFailed = errors.New("conveyor: migration failed")

	// Not found errors.
	ErrJobNotFound      = errors.New("conveyor: job not found")
	ErrSnapshotNotFound = errors.New("conveyor: stock snapshot not found")

	// Conflict errors.
	ErrJobAlreadyExists  = errors.New("conveyor: job already exists")
	ErrDuplicateMovement = errors.New("conveyor: stock movement already recorded for reference")
	ErrStockConflict     = errors.New("conveyor: concurrent stock snapshot update conflict")

	// State errors.
	ErrInvalidTransition = errors.New("conveyor: invalid state transition")
	ErrNoHandler         = errors.New("conveyor: no handler registered for job type")
)
