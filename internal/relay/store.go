package relay

import (
	"errors"
	"time"

	"github.com/SWAI-Ltd/aerorelay/internal/packet"
	"github.com/SWAI-Ltd/aerorelay/internal/zk"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrBundleExists is returned when a live bundle is already stored for
	// the identity. Replace it with SupersedeBundle first.
	ErrBundleExists = errors.New("bundle already exists")
)

// ArchivedBundle is a bundle that was superseded.
type ArchivedBundle struct {
	Bundle       zk.Bundle `json:"bundle"`
	Reason       string    `json:"reason"`
	SupersededAt time.Time `json:"superseded_at"`
}

// Store persists relay records, proof bundles and poll cursors.
type Store interface {
	Get(id packet.Identity) (*Record, error)
	// Create inserts r unless a record with its identity exists. It reports
	// whether r was inserted.
	Create(r *Record) (bool, error)
	Put(r *Record) error
	List(f Filter) ([]*Record, error)
	Delete(id packet.Identity) error

	PutBundle(b *zk.Bundle) error
	GetBundle(id packet.Identity) (*zk.Bundle, error)
	// SupersedeBundle archives the live bundle for id.
	SupersedeBundle(id packet.Identity, reason string, at time.Time) error
	Archived(id packet.Identity) ([]ArchivedBundle, error)

	SaveCursor(route string, next uint64) error
	LoadCursor(route string) (uint64, bool, error)

	Close() error
}
