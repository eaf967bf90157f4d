package backer

import (
	"context"
	"errors"
	"io"
	"testing"
)

// fakeDriver is an in-memory backer.LocalDriver. Recv just appends a marker
// snapshot to the target filesystem recording what was received, mirroring
// how a native `zfs recv` leaves one new snapshot behind per stream.
type fakeDriver struct {
	fss map[string]*fakeFS
	n   int
}

func newFakeDriver() *fakeDriver { return &fakeDriver{fss: map[string]*fakeFS{}} }

func (d *fakeDriver) GetFilesystem(ctx context.Context, name string) (Filesystem, error) {
	fs, ok := d.fss[name]
	if !ok {
		return nil, ErrNotFound
	}
	return fs, nil
}

func (d *fakeDriver) Recv(ctx context.Context, targetName string, source io.Reader) error {
	fs, ok := d.fss[targetName]
	if !ok {
		fs = newFakeFS(targetName, "target-guid")
		d.fss[targetName] = fs
	}
	payload, err := io.ReadAll(source)
	if err != nil {
		return err
	}
	d.n++
	s := &fakeSnapshot{fs: fs, name: "recv-" + string(rune('a'+d.n)), props: map[string]string{}, creation: nextFakeCreation(), content: string(payload)}
	fs.mu.Lock()
	fs.snaps[s.name] = s
	fs.mu.Unlock()
	return nil
}

func TestRestoreReplaysWholeChain(t *testing.T) {
	ctx := context.Background()
	fs := newFakeFS("tank/data", "guid-1")
	rem := newFakeRemote("fs")
	e := testEngine(t)

	if err := e.Backup(ctx, fs, rem, "default", false); err != nil {
		t.Fatalf("Backup #1: %v", err)
	}
	fs.Mutate()
	if err := e.Backup(ctx, fs, rem, "default", false); err != nil {
		t.Fatalf("Backup #2: %v", err)
	}

	driver := newFakeDriver()
	if err := Restore(ctx, driver, rem, "guid-1", "default", "tank/restored"); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	target, err := driver.GetFilesystem(ctx, "tank/restored")
	if err != nil {
		t.Fatalf("GetFilesystem(restored): %v", err)
	}
	listed, err := target.ListSnapshots(ctx, nil)
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(listed) != 0 {
		t.Fatalf("expected Restore to destroy leftover recv snapshots, found %d", len(listed))
	}
}

func TestRestoreNoHeadReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	rem := newFakeRemote("fs")
	driver := newFakeDriver()

	err := Restore(ctx, driver, rem, "guid-1", "default", "tank/restored")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRestorePropagatesStreamErrorAsStreamError(t *testing.T) {
	ctx := context.Background()
	fs := newFakeFS("tank/data", "guid-1")
	rem := newFakeRemote("fs")
	e := testEngine(t)
	if err := e.Backup(ctx, fs, rem, "default", false); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	driver := newFakeDriver()
	delete(rem.data, Key{FSID: "guid-1", BID: "default", SID: mustSeries(t, rem), N: 0})

	err := Restore(ctx, driver, rem, "guid-1", "default", "tank/restored")
	var streamErr *StreamError
	if !errors.As(err, &streamErr) {
		t.Fatalf("expected *StreamError, got %v (%T)", err, err)
	}
}

func mustSeries(t *testing.T, rem *fakeRemote) string {
	t.Helper()
	for k := range rem.data {
		return k.SID
	}
	t.Fatal("no stored data to recover series id from")
	return ""
}
