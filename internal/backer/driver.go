package backer

import (
	"context"
	"io"
	"time"
)

// LocalDriver is the local copy-on-write filesystem collaborator (§6.1).
// A concrete implementation (internal/localfs) drives the native `zfs`
// toolchain; tests use an in-memory fake.
type LocalDriver interface {
	// GetFilesystem fails with ErrNotFound if name does not exist.
	GetFilesystem(ctx context.Context, name string) (Filesystem, error)

	// Recv consumes a stream into (or onto) targetName, creating it if it
	// does not yet exist.
	Recv(ctx context.Context, targetName string, source io.Reader) error
}

// Filesystem is a native dataset.
type Filesystem interface {
	Name() string

	// Get returns a primitive property value. ok is false if the property
	// is unset (native "-").
	Get(ctx context.Context, prop string) (value string, ok bool, err error)

	// Guid returns the filesystem's stable native identity.
	Guid(ctx context.Context) (string, error)

	// Creation returns the filesystem's native creation time, UTC.
	Creation(ctx context.Context) (time.Time, error)

	// ListSnapshots returns short-name -> (requested property -> value),
	// omitting properties that are unset on a given snapshot.
	ListSnapshots(ctx context.Context, keys []string) (map[string]map[string]string, error)

	// GetSnapshot fails with ErrNotFound if name does not exist.
	GetSnapshot(ctx context.Context, name string) (Snapshot, error)

	// Snapshot creates name atomically with the given initial properties.
	Snapshot(ctx context.Context, name string, props map[string]string) (Snapshot, error)
}

// Snapshot is a single point-in-time native snapshot.
type Snapshot interface {
	Name() string

	Get(ctx context.Context, prop string) (value string, ok bool, err error)
	Set(ctx context.Context, prop, value string) error

	// Creation returns this snapshot's native creation time, UTC.
	Creation(ctx context.Context) (time.Time, error)

	// CheckIsCurrent reports true when the source dataset has not changed
	// since this snapshot was taken, false when it has.
	CheckIsCurrent(ctx context.Context) (bool, error)

	// Send writes the native serialization of this snapshot to sink. If
	// other is non-nil, the stream is an incremental from other to this
	// snapshot. Send must stream — it must not require the full payload to
	// be buffered by the caller.
	Send(ctx context.Context, sink io.Writer, other Snapshot) error

	Destroy(ctx context.Context) error
}

// Remote is the storage collaborator (§6.2). Implementations MUST be safe
// for concurrent calls from distinct backups and MUST treat PutData as an
// idempotent replace, never an append.
type Remote interface {
	// Type and Cfg together identify a remote backend's identity; used by
	// Backsnap.ValidateRemote to refuse extending a chain under an
	// incompatible backend.
	Type() string
	Cfg() map[string]string

	PutData(ctx context.Context, key Key, stream io.Reader) error
	GetData(ctx context.Context, key Key, sink io.Writer) error

	PutMeta(ctx context.Context, meta Meta) error
	GetMeta(ctx context.Context, key Key) (Meta, error)

	// Index updates the named head pointers for backsnap's series/backup/
	// filesystem scopes, using backsnap's remote state to skip writes
	// already performed, then persists the updated state back onto
	// backsnap.
	Index(ctx context.Context, backsnap *Backsnap) error

	// GetCurrentMeta reads the head pointer at the requested granularity.
	// bid == "" means filesystem scope; sid == "" (with bid set) means
	// backup scope; both set means series scope.
	GetCurrentMeta(ctx context.Context, fsid, bid, sid string) (Meta, error)

	// List enumerates heads at one of three granularities, mirroring
	// GetCurrentMeta's bid/sid conventions.
	List(ctx context.Context, fsid, bid string) ([]Meta, error)
}
