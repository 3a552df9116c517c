package job_test

import (
	"context"
	"slices"
	"testing"

	"github.com/conveyorhq/conveyor/job"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	t.Parallel()
	r := job.NewRegistry()

	r.Register("email.send", func(context.Context, string, []byte) error { return nil })

	if _, ok := r.Get("email.send"); !ok {
		t.Error("Get() ok = false for registered type")
	}
	if _, ok := r.Get("unknown"); ok {
		t.Error("Get() ok = true for unregistered type")
	}
}

func TestRegistryReplacesHandler(t *testing.T) {
	t.Parallel()
	r := job.NewRegistry()

	var called string
	r.Register("email.send", func(context.Context, string, []byte) error {
		called = "first"
		return nil
	})
	r.Register("email.send", func(context.Context, string, []byte) error {
		called = "second"
		return nil
	})

	h, _ := r.Get("email.send")
	if err := h(context.Background(), "tenant-1", nil); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if called != "second" {
		t.Errorf("called = %q, want the later registration to win", called)
	}
}

func TestRegisterDefinitionDecodesPayload(t *testing.T) {
	t.Parallel()
	r := job.NewRegistry()

	type emailPayload struct {
		To      string `json:"to"`
		Subject string `json:"subject"`
	}

	var got emailPayload
	job.RegisterDefinition(r, job.NewDefinition("email.send",
		func(_ context.Context, _ string, p emailPayload) error {
			got = p
			return nil
		},
	))

	h, ok := r.Get("email.send")
	if !ok {
		t.Fatal("definition type not registered")
	}
	if err := h(context.Background(), "tenant-1", []byte(`{"to":"a@example.com","subject":"hi"}`)); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if got.To != "a@example.com" || got.Subject != "hi" {
		t.Errorf("decoded payload = %+v, want fields populated", got)
	}
}

func TestRegisterDefinitionRejectsBadPayload(t *testing.T) {
	t.Parallel()
	r := job.NewRegistry()

	type payload struct {
		N int `json:"n"`
	}
	job.RegisterDefinition(r, job.NewDefinition("typed",
		func(context.Context, string, payload) error { return nil },
	))

	h, _ := r.Get("typed")
	if err := h(context.Background(), "tenant-1", []byte(`{not json`)); err == nil {
		t.Error("handler error = nil for malformed payload, want unmarshal error")
	}
}

func TestRegistryTypes(t *testing.T) {
	t.Parallel()
	r := job.NewRegistry()

	r.Register("a", func(context.Context, string, []byte) error { return nil })
	r.Register("b", func(context.Context, string, []byte) error { return nil })

	types := r.Types()
	slices.Sort(types)
	if !slices.Equal(types, []string{"a", "b"}) {
		t.Errorf("Types() = %v, want [a b]", types)
	}
}
