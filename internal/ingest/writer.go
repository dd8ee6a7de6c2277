package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"aquasensor/go-ingest-server/internal/model"
)

// ErrStorage marks failed reading writes. Failed writes are logged and dropped.
var ErrStorage = errors.New("storage error")

// ReadingInserter appends readings to durable storage.
type ReadingInserter interface {
	InsertReading(ctx context.Context, r model.Reading) (int64, error)
}

// Writer persists enriched readings, stamping each with the server arrival time.
type Writer struct {
	store   ReadingInserter
	timeout time.Duration
	now     func() time.Time
}

// NewWriter constructs a writer. A positive timeout bounds every insert.
func NewWriter(store ReadingInserter, timeout time.Duration) *Writer {
	return &Writer{store: store, timeout: timeout, now: time.Now}
}

// Write sets the arrival timestamp and inserts the reading in a single statement.
// Duplicate message counters are stored as distinct rows.
func (w *Writer) Write(ctx context.Context, r model.Reading) (int64, error) {
	r.ID = 0
	r.ArrivedAt = w.now().UTC()

	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	id, err := w.store.InsertReading(ctx, r)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return id, nil
}
