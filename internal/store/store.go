package store

import (
	"context"

	"github.com/rendis/opchain/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Job records
	CreateRecord(ctx context.Context, rec *Record) (string, error)
	UpdateRecord(ctx context.Context, id string, patch RecordPatch) error
	GetRecord(ctx context.Context, id string) (*Record, error)
	ListRecords(ctx context.Context, filter RecordFilter) ([]*Record, error)
	DeleteRecord(ctx context.Context, id string) error

	// Chain definitions
	SaveChain(ctx context.Context, def *schema.ChainDefinition) error
	GetChain(ctx context.Context, id string) (*schema.ChainDefinition, error)
	ListChains(ctx context.Context, filter ChainFilter) ([]*schema.ChainDefinition, error)
	DeleteChain(ctx context.Context, id string) error

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, streamID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

func storeNotFound(resource, id string) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}
