package backer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// fakeClockSeconds hands out a strictly increasing fake creation timestamp
// for each snapshot taken in a test, so chain ordering never depends on how
// fast the test happens to run (real zfs creation timestamps only have
// one-second resolution, which would otherwise make same-second snapshots
// race in the sort).
var fakeClockSeconds int64

func nextFakeCreation() time.Time {
	return time.Unix(atomic.AddInt64(&fakeClockSeconds, 1), 0)
}

// fakeFS is an in-memory backer.Filesystem used by the engine tests below.
// It tracks whether the dataset has "changed" since the last snapshot, so
// tests can drive CheckIsCurrent deterministically instead of shelling out
// to a real zfs binary.
type fakeFS struct {
	mu   sync.Mutex
	name string
	guid string

	creation time.Time
	dirty    bool // true once Mutate() has been called since the last snapshot

	snaps map[string]*fakeSnapshot
}

func newFakeFS(name, guid string) *fakeFS {
	return &fakeFS{name: name, guid: guid, creation: time.Unix(1000, 0), snaps: map[string]*fakeSnapshot{}}
}

// Mutate simulates a write to the dataset: the next CheckIsCurrent call
// against any existing snapshot will report false.
func (f *fakeFS) Mutate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dirty = true
}

func (f *fakeFS) Name() string { return f.name }

func (f *fakeFS) Get(ctx context.Context, prop string) (string, bool, error) {
	if prop == "guid" {
		return f.guid, true, nil
	}
	return "", false, nil
}

func (f *fakeFS) Guid(ctx context.Context) (string, error) { return f.guid, nil }

func (f *fakeFS) Creation(ctx context.Context) (time.Time, error) { return f.creation, nil }

func (f *fakeFS) ListSnapshots(ctx context.Context, keys []string) (map[string]map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]map[string]string{}
	for name, s := range f.snaps {
		props := map[string]string{}
		for _, k := range keys {
			if v, ok := s.props[k]; ok {
				props[k] = v
			}
		}
		out[name] = props
	}
	return out, nil
}

func (f *fakeFS) GetSnapshot(ctx context.Context, name string) (Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.snaps[name]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

func (f *fakeFS) Snapshot(ctx context.Context, name string, props map[string]string) (Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeSnapshot{
		fs:       f,
		name:     name,
		props:    map[string]string{},
		creation: nextFakeCreation(),
		content:  f.name + ":gen",
	}
	for k, v := range props {
		s.props[k] = v
	}
	f.snaps[name] = s
	f.dirty = false
	return s, nil
}

type fakeSnapshot struct {
	fs       *fakeFS
	name     string
	props    map[string]string
	creation time.Time
	content  string
	sendErr  error
	destroyed bool
}

func (s *fakeSnapshot) Name() string { return s.fs.name + "@" + s.name }

func (s *fakeSnapshot) Get(ctx context.Context, prop string) (string, bool, error) {
	s.fs.mu.Lock()
	defer s.fs.mu.Unlock()
	v, ok := s.props[prop]
	return v, ok, nil
}

func (s *fakeSnapshot) Set(ctx context.Context, prop, value string) error {
	s.fs.mu.Lock()
	defer s.fs.mu.Unlock()
	s.props[prop] = value
	return nil
}

func (s *fakeSnapshot) Creation(ctx context.Context) (time.Time, error) { return s.creation, nil }

func (s *fakeSnapshot) CheckIsCurrent(ctx context.Context) (bool, error) {
	s.fs.mu.Lock()
	defer s.fs.mu.Unlock()
	return !s.fs.dirty, nil
}

func (s *fakeSnapshot) Send(ctx context.Context, sink io.Writer, other Snapshot) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	_, err := io.Copy(sink, bytes.NewBufferString(s.content))
	return err
}

func (s *fakeSnapshot) Destroy(ctx context.Context) error {
	s.destroyed = true
	s.fs.mu.Lock()
	defer s.fs.mu.Unlock()
	delete(s.fs.snaps, s.name)
	return nil
}

// fakeRemote is an in-memory backer.Remote.
type fakeRemote struct {
	mu       sync.Mutex
	typ      string
	cfg      map[string]string
	data     map[Key][]byte
	metas    map[Key]Meta
	current  map[string]Meta
	failNext bool
}

func newFakeRemote(typ string) *fakeRemote {
	return &fakeRemote{
		typ:     typ,
		cfg:     map[string]string{"id": typ},
		data:    map[Key][]byte{},
		metas:   map[Key]Meta{},
		current: map[string]Meta{},
	}
}

func (r *fakeRemote) Type() string            { return r.typ }
func (r *fakeRemote) Cfg() map[string]string  { return r.cfg }

func (r *fakeRemote) PutData(ctx context.Context, key Key, stream io.Reader) error {
	b, err := io.ReadAll(stream)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failNext {
		r.failNext = false
		return errors.New("simulated put_data failure")
	}
	r.data[key] = b
	return nil
}

func (r *fakeRemote) GetData(ctx context.Context, key Key, sink io.Writer) error {
	r.mu.Lock()
	b, ok := r.data[key]
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	_, err := sink.Write(b)
	return err
}

func (r *fakeRemote) PutMeta(ctx context.Context, meta Meta) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metas[meta.Key] = meta
	return nil
}

func (r *fakeRemote) GetMeta(ctx context.Context, key Key) (Meta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.metas[key]
	if !ok {
		return Meta{}, ErrNotFound
	}
	return m, nil
}

func (r *fakeRemote) Index(ctx context.Context, backsnap *Backsnap) error {
	meta := backsnap.Meta()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current[scopeKey(meta.Key.FSID, "", "")] = meta
	r.current[scopeKey(meta.Key.FSID, meta.Key.BID, "")] = meta
	r.current[scopeKey(meta.Key.FSID, meta.Key.BID, meta.Key.SID)] = meta
	return nil
}

func (r *fakeRemote) GetCurrentMeta(ctx context.Context, fsid, bid, sid string) (Meta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.current[scopeKey(fsid, bid, sid)]
	if !ok {
		return Meta{}, ErrNotFound
	}
	return m, nil
}

func (r *fakeRemote) List(ctx context.Context, fsid, bid string) ([]Meta, error) { return nil, nil }

func scopeKey(fsid, bid, sid string) string { return fsid + "|" + bid + "|" + sid }
