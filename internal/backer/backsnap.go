package backer

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const (
	propVersion = "backer:version"
	propState   = "backer:state"
)

// state is the engine's entire persisted opinion about a generation,
// serialized into propState. A generation's Key is read from this blob, not
// parsed from the snapshot's name; its position in a chain comes from the
// snapshot's native creation time (see GetAllBacksnaps). RemoteState is
// opaque backend bookkeeping (§6.2):
// the core round-trips it but never inspects it.
type state struct {
	Meta        Meta              `json:"meta"`
	Stored      bool              `json:"stored"`
	RemoteType  string            `json:"remote_type,omitempty"`
	RemoteCfg   map[string]string `json:"remote_cfg,omitempty"`
	RemoteState json.RawMessage   `json:"remote_state,omitempty"`
}

// Backsnap pairs a native snapshot with the engine state recorded on it.
type Backsnap struct {
	snap  Snapshot
	state state
}

// SnapName renders the on-disk snapshot name for a generation, e.g.
// "backer:1-offsite-3f9c...-4".
func SnapName(key Key) string {
	return fmt.Sprintf("backer:%s-%s-%s-%d", Version, key.BID, key.SID, key.N)
}

// ParseSnapName recovers a Key from a snapshot short name produced by
// SnapName. ok is false for any name this engine did not create, including
// names stamped by a prior Version.
func ParseSnapName(name string) (key Key, ok bool) {
	if !strings.HasPrefix(name, "backer:") {
		return Key{}, false
	}
	rest := strings.TrimPrefix(name, "backer:")
	parts := strings.SplitN(rest, "-", 4)
	if len(parts) != 4 || parts[0] != Version {
		return Key{}, false
	}
	n, err := strconv.Atoi(parts[3])
	if err != nil {
		return Key{}, false
	}
	return Key{BID: parts[1], SID: parts[2], N: n}, true
}

// newBacksnap takes fs's snapshot for meta.key with the initial state
// attached atomically, so no reader ever observes a backer-named snapshot
// with no parseable state. Snapshot and properties come from the single
// fs.Snapshot call; if that call fails nothing is cleaned up here, so the
// driver's call must be all-or-nothing (see §4.1).
func newBacksnap(ctx context.Context, fs Filesystem, meta Meta, remote Remote) (*Backsnap, error) {
	st := state{
		Meta:       meta,
		RemoteType: remote.Type(),
		RemoteCfg:  remote.Cfg(),
	}
	b, err := json.Marshal(st)
	if err != nil {
		return nil, err
	}
	snap, err := fs.Snapshot(ctx, SnapName(meta.Key), map[string]string{
		propVersion: Version,
		propState:   string(b),
	})
	if err != nil {
		return nil, err
	}
	return &Backsnap{snap: snap, state: st}, nil
}

// loadBacksnap wraps an existing snapshot, parsing its recorded state. It
// returns ErrNotFound if the snapshot carries no (or a foreign-version)
// backer state.
func loadBacksnap(ctx context.Context, snap Snapshot) (*Backsnap, error) {
	v, ok, err := snap.Get(ctx, propVersion)
	if err != nil {
		return nil, err
	}
	if !ok || v != Version {
		return nil, ErrNotFound
	}
	raw, ok, err := snap.Get(ctx, propState)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	var st state
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("parse %s: %w", propState, err)
	}
	return &Backsnap{snap: snap, state: st}, nil
}

func (b *Backsnap) Key() Key            { return b.state.Meta.Key }
func (b *Backsnap) Meta() Meta          { return b.state.Meta }
func (b *Backsnap) Snapshot() Snapshot  { return b.snap }
func (b *Backsnap) IsStored() bool      { return b.state.Stored }

// persist writes the in-memory state back onto the snapshot's property.
func (b *Backsnap) persist(ctx context.Context) error {
	raw, err := json.Marshal(b.state)
	if err != nil {
		return err
	}
	return b.snap.Set(ctx, propState, string(raw))
}

// SetStored marks the generation's stream as durably written to the remote.
// Per §4.3 this MUST be the last property write of a successful generation
// upload — callers must not call it before put_data and put_meta (and, for
// the terminal generation, index) have all succeeded.
func (b *Backsnap) SetStored(ctx context.Context) error {
	b.state.Stored = true
	return b.persist(ctx)
}

// GetRemoteState returns the backend-private bookkeeping last stored by
// Index, or nil if Index has never run for this generation. The core never
// interprets this value.
func (b *Backsnap) GetRemoteState() json.RawMessage { return b.state.RemoteState }

// SetRemoteState persists opaque backend bookkeeping, letting Index
// minimise redundant named-pointer writes across repeated ticks.
func (b *Backsnap) SetRemoteState(ctx context.Context, opaque json.RawMessage) error {
	b.state.RemoteState = opaque
	return b.persist(ctx)
}

// ValidateRemote refuses to extend this generation's chain against a remote
// whose identity differs from the one recorded when the generation was
// created; see §4.1.
func (b *Backsnap) ValidateRemote(remote Remote) error {
	if b.state.RemoteType == "" {
		return nil
	}
	if b.state.RemoteType != remote.Type() || !cfgEqual(b.state.RemoteCfg, remote.Cfg()) {
		return fmt.Errorf("%w: series %s was stored to %s, not %s",
			ErrIncompatibleRemote, b.state.Meta.Key.SID, b.state.RemoteType, remote.Type())
	}
	return nil
}

func cfgEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
