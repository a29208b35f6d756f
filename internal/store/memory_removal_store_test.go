package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dunamismax/unwatermark/internal/domain"
)

func TestMemoryRemovalStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryRemovalStore()

	created := time.Now().UTC().Add(-time.Minute)
	if err := s.Create(ctx, domain.Removal{
		ID:         "rm-1",
		Status:     domain.RemovalStatusCreated,
		SourceType: domain.SourceTypeURL,
		SourceURL:  "https://example.com/a.png",
		CreatedAt:  created,
		UpdatedAt:  created,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Create(ctx, domain.Removal{ID: "rm-1"}); err == nil {
		t.Fatal("expected duplicate create to fail")
	}

	updated, err := s.Update(ctx, "rm-1", func(r *domain.Removal) {
		r.Status = domain.RemovalStatusPolling
		r.RemoteJobID = "job-1"
		r.ID = "ignored"
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.ID != "rm-1" || updated.RemoteJobID != "job-1" {
		t.Fatalf("unexpected update result: %+v", updated)
	}
	if !updated.UpdatedAt.After(created) {
		t.Fatal("expected updated_at to advance")
	}

	got, ok, err := s.Get(ctx, "rm-1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%t err=%v", ok, err)
	}
	if got.Status != domain.RemovalStatusPolling || got.SourceURL != "https://example.com/a.png" {
		t.Fatalf("unexpected stored removal: %+v", got)
	}

	if _, err := s.Update(ctx, "missing", func(*domain.Removal) {}); !errors.Is(err, ErrRemovalNotFound) {
		t.Fatalf("expected ErrRemovalNotFound, got %v", err)
	}
	if _, ok, _ := s.Get(ctx, "missing"); ok {
		t.Fatal("expected missing removal")
	}
}
