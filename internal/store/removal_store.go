package store

import (
	"context"
	"errors"

	"github.com/dunamismax/unwatermark/internal/domain"
)

var ErrRemovalNotFound = errors.New("removal not found")

type RemovalStore interface {
	Create(ctx context.Context, removal domain.Removal) error
	Get(ctx context.Context, id string) (domain.Removal, bool, error)
	// Update applies fn to the stored record and persists the result.
	Update(ctx context.Context, id string, fn func(*domain.Removal)) (domain.Removal, error)
}

type UsageStore interface {
	CreateUsageLog(ctx context.Context, usage domain.UsageLog) error
}
