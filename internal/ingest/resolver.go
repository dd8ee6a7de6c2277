package ingest

import (
	"context"
	"errors"
	"fmt"

	"aquasensor/go-ingest-server/internal/model"
	"aquasensor/go-ingest-server/internal/store"
)

// ErrUnknownOrInactiveSensor marks readings from sensors that are unregistered or
// decommissioned. It is an expected outcome, not a failure.
var ErrUnknownOrInactiveSensor = errors.New("unknown or inactive sensor")

// SensorLookup is the read-only registry view the resolver needs.
type SensorLookup interface {
	LookupActiveSensor(ctx context.Context, name string) (model.SensorRecord, error)
}

// Resolver maps sensor names to their active registry records.
type Resolver struct {
	registry SensorLookup
}

// NewResolver constructs a resolver over the registry.
func NewResolver(registry SensorLookup) *Resolver {
	return &Resolver{registry: registry}
}

// Resolve looks up the active sensor named name. found is false when no active sensor
// matches; err is reserved for registry failures.
func (r *Resolver) Resolve(ctx context.Context, name string) (rec model.SensorRecord, found bool, err error) {
	rec, err = r.registry.LookupActiveSensor(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return model.SensorRecord{}, false, nil
	}
	if err != nil {
		return model.SensorRecord{}, false, fmt.Errorf("resolve sensor %q: %w", name, err)
	}
	return rec, true, nil
}
