package backer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"backer/internal/fsatomic"
)

const defaultLockDir = "/var/run/backer"

// Engine binds a configured lock directory to the state-machine operations
// of §4.3/§4.4/§4.5. The zero value is usable; LockDir defaults to
// defaultLockDir.
type Engine struct {
	LockDir string
	Log     zerolog.Logger
}

// New returns an Engine ready for use, logging through log.
func New(log zerolog.Logger) *Engine {
	return &Engine{LockDir: defaultLockDir, Log: log}
}

func (e *Engine) lockDir() string {
	if e.LockDir == "" {
		return defaultLockDir
	}
	return e.LockDir
}

func (e *Engine) lockPath(fsguid, bid string) string {
	return filepath.Join(e.lockDir(), fmt.Sprintf("backer-%s-%s-%s.lock", Version, fsguid, bid))
}

// Backup runs one backup cycle for (fs, bid): it extends or starts the
// active series if warranted, then walks the chain uploading every
// generation that is not yet stored (§4.3). It returns ErrAlreadyRunning,
// without doing any work, if another invocation already holds the
// per-(fsguid,bid) lock — callers in the daemon treat that as a skip, not a
// failure.
func (e *Engine) Backup(ctx context.Context, fs Filesystem, remote Remote, bid string, force bool) error {
	fsguid, err := fs.Guid(ctx)
	if err != nil {
		return err
	}

	unlock, ok, err := fsatomic.TryLock(e.lockPath(fsguid, bid))
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadyRunning
	}
	defer unlock()

	log := e.Log.With().Str("fs", fs.Name()).Str("bid", bid).Logger()

	chain, err := GetLatestBacksnaps(ctx, fs, bid)
	if err != nil {
		return err
	}

	before := len(chain)
	chain, err = e.extendChain(ctx, fs, remote, fsguid, bid, force, chain)
	if err != nil {
		return err
	}
	if len(chain) > before {
		log.Info().Int("n", chain[len(chain)-1].Key().N).Str("sid", chain[len(chain)-1].Key().SID).Msg("new generation")
	}

	return e.storeChain(ctx, fs, remote, chain)
}

// extendChain implements §4.3 step 1: start a fresh series if none exists,
// or append one more generation to the existing head when force is set or
// the dataset has changed since the head was taken.
func (e *Engine) extendChain(ctx context.Context, fs Filesystem, remote Remote, fsguid, bid string, force bool, chain []*Backsnap) ([]*Backsnap, error) {
	if len(chain) == 0 {
		sid, err := NewSID()
		if err != nil {
			return nil, err
		}
		meta, err := e.buildMeta(ctx, fs, Key{FSID: fsguid, BID: bid, SID: sid, N: 0}, time.Time{})
		if err != nil {
			return nil, err
		}
		b, err := newBacksnap(ctx, fs, meta, remote)
		if err != nil {
			return nil, err
		}
		return append(chain, b), nil
	}

	head := chain[len(chain)-1]
	current, err := head.Snapshot().CheckIsCurrent(ctx)
	if err != nil {
		return nil, err
	}
	if !force && current {
		return chain, nil
	}

	if err := head.ValidateRemote(remote); err != nil {
		return nil, err
	}

	nextKey := Key{FSID: fsguid, BID: bid, SID: head.Key().SID, N: head.Key().N + 1}
	meta, err := e.buildMeta(ctx, fs, nextKey, chain[0].Meta().SCreation)
	if err != nil {
		return nil, err
	}
	b, err := newBacksnap(ctx, fs, meta, remote)
	if err != nil {
		return nil, err
	}
	return append(chain, b), nil
}

// buildMeta stamps the wall-clock moment this generation was produced.
// screation is carried from the series baseline; pass the zero Time for a
// new baseline, so it becomes its own screation.
func (e *Engine) buildMeta(ctx context.Context, fs Filesystem, key Key, screation time.Time) (Meta, error) {
	fsCreation, err := fs.Creation(ctx)
	if err != nil {
		return Meta{}, err
	}
	hostname, err := os.Hostname()
	if err != nil {
		return Meta{}, err
	}
	now := timeNow()
	if screation.IsZero() {
		screation = now
	}
	return Meta{
		Key:        key,
		FSName:     fs.Name(),
		FSCreation: fsCreation.Unix(),
		Hostname:   hostname,
		Creation:   now,
		SCreation:  screation,
	}, nil
}

// storeChain implements §4.3 step 2: walk the chain in order, uploading
// every generation not yet stored, indexing only the terminal generation,
// and destroying each predecessor once its successor is durably stored.
func (e *Engine) storeChain(ctx context.Context, fs Filesystem, remote Remote, chain []*Backsnap) error {
	var previous *Backsnap
	for i, snap := range chain {
		if !snap.IsStored() {
			if err := e.storeOne(ctx, remote, snap, previous); err != nil {
				return err
			}
			if i == len(chain)-1 {
				if err := remote.Index(ctx, snap); err != nil {
					return streamErr("index", err)
				}
			}
			if err := snap.SetStored(ctx); err != nil {
				return err
			}
		}
		if previous != nil {
			if err := previous.Snapshot().Destroy(ctx); err != nil {
				return err
			}
		}
		previous = snap
	}
	return nil
}

// storeOne streams snap (a baseline if previous is nil, else an increment
// from previous) directly into remote.PutData without buffering the full
// payload, then writes its metadata sidecar.
func (e *Engine) storeOne(ctx context.Context, remote Remote, snap, previous *Backsnap) error {
	pr, pw := io.Pipe()

	var other Snapshot
	if previous != nil {
		other = previous.Snapshot()
	}

	sendErrCh := make(chan error, 1)
	go func() {
		sendErrCh <- snap.Snapshot().Send(ctx, pw, other)
		_ = pw.Close()
	}()

	putErr := remote.PutData(ctx, snap.Key(), pr)
	_ = pr.Close()
	sendErr := <-sendErrCh

	if sendErr != nil {
		return streamErr("send", sendErr)
	}
	if putErr != nil {
		return streamErr("put_data", putErr)
	}

	if err := remote.PutMeta(ctx, snap.Meta()); err != nil {
		return streamErr("put_meta", err)
	}
	return nil
}

// Index refreshes the named head pointers for the latest stored generation
// of bid without running a backup — cheap enough to run every daemon tick
// even when no new data has arrived (§4.5).
func (e *Engine) Index(ctx context.Context, fs Filesystem, remote Remote, bid string) error {
	chain, err := GetLatestBacksnaps(ctx, fs, bid)
	if err != nil {
		return err
	}
	latest := GetLatestStored(chain)
	if latest == nil {
		return nil
	}
	return remote.Index(ctx, latest)
}

var timeNow = time.Now
