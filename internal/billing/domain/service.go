package domain

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Intake verifies and decodes raw webhook deliveries. It never writes.
type Intake interface {
	Ingest(ctx context.Context, payload []byte, headers http.Header) error
}

// Reconciler applies one typed event to local state, atomically with its
// dedup record.
type Reconciler interface {
	ProcessEvent(ctx context.Context, event *Event, payload []byte) error
}

// Repository isolates the raw SQL; handles are passed in so callers control
// the transactional boundary.
type Repository interface {
	// InsertEvent appends a dedup record. It reports false without error
	// when the external event id was already recorded.
	InsertEvent(ctx context.Context, db *gorm.DB, record *EventRecord) (bool, error)

	LoadEvent(ctx context.Context, db *gorm.DB, externalEventID string) (*EventRecord, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error
	MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string, now time.Time) error
}
