package session

import (
	"context"
	"errors"
	"testing"

	"github.com/claimline/claimline/internal/transcribe"
)

func testSession(id string) *Session {
	adapter := transcribe.NewAdapter(func(ctx context.Context) (transcribe.Source, error) {
		return newFakeSource(), nil
	}, 0)
	return newSession(context.Background(), id, adapter, nil, 1)
}

func TestRegistryAddGetRemove(t *testing.T) {
	r := NewRegistry()
	s := testSession("a")

	if err := r.Add(s); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if got, ok := r.Get("a"); !ok || got != s {
		t.Fatalf("Get = %v, %v", got, ok)
	}
	if err := r.Add(testSession("a")); !errors.Is(err, ErrRegistryConflict) {
		t.Fatalf("duplicate Add err = %v", err)
	}

	r.Remove("a")
	if _, ok := r.Get("a"); ok {
		t.Fatal("session still present after Remove")
	}
	if r.Len() != 0 {
		t.Fatalf("Len = %d", r.Len())
	}
}

func TestRegistryAll(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"a", "b", "c"} {
		if err := r.Add(testSession(id)); err != nil {
			t.Fatalf("Add %s: %v", id, err)
		}
	}
	if got := len(r.All()); got != 3 {
		t.Fatalf("All = %d sessions", got)
	}
}
