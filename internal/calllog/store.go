// Package calllog keeps a ledger of finished calls.
//
// Only call metadata is kept: identifiers, timestamps, counters and the
// teardown reason. Audio and transcripts are never stored.
//
// Two implementations exist. [MemStore] keeps the most recent calls in
// memory and is the default. [PostgresStore] persists every call to
// PostgreSQL when a DSN is configured.
package calllog

import (
	"context"

	"github.com/MrWong99/voxrelay/internal/relay"
)

// Store records finished calls and lists recent ones. Implementations must
// be safe for concurrent use.
type Store interface {
	relay.Recorder

	// Recent returns up to limit calls, most recently ended first. A limit
	// of zero or less returns every call the store holds.
	Recent(ctx context.Context, limit int) ([]relay.Summary, error)
}
