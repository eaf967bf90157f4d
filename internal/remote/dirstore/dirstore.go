// Package dirstore implements backer.Remote against a plain local
// directory tree, grounded in the reference implementation's filesystem
// backend: every object is a regular file under <root>/<VERSION>/... per
// §6.2.1, payloads are LZMA-compressed, and writes are atomic
// (tmp-file-then-rename, reusing internal/fsatomic's durability guarantees)
// rather than the reference implementation's plain os.open.
package dirstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ulikunitz/xz"

	"backer/internal/backer"
	"backer/internal/fsatomic"
	"backer/internal/remote"
)

// Backend stores every object as a file under Root.
type Backend struct {
	Root  string
	paths remote.ObjectPaths
}

// New returns a Backend rooted at an absolute directory path.
func New(root string) (*Backend, error) {
	if !filepath.IsAbs(root) {
		return nil, fmt.Errorf("dirstore root must be absolute: %s", root)
	}
	return &Backend{Root: root, paths: remote.ObjectPaths{Root: root}}, nil
}

func (b *Backend) Type() string { return "fs" }

func (b *Backend) Cfg() map[string]string { return map[string]string{"root": b.Root} }

func (b *Backend) PutData(ctx context.Context, key backer.Key, stream io.Reader) error {
	path := filepath.FromSlash(b.paths.DataObjectPath(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}

	xzw, err := xz.NewWriter(f)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if _, copyErr := io.Copy(xzw, stream); copyErr != nil {
		_ = xzw.Close()
		_ = f.Close()
		_ = os.Remove(tmp)
		return copyErr
	}
	if err := xzw.Close(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := fsatomic.FsyncDir(filepath.Dir(path)); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return fsatomic.FsyncDir(filepath.Dir(path))
}

func (b *Backend) GetData(ctx context.Context, key backer.Key, sink io.Writer) error {
	path := filepath.FromSlash(b.paths.DataObjectPath(key))
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return backer.ErrNotFound
		}
		return err
	}
	defer f.Close()

	xzr, err := xz.NewReader(f)
	if err != nil {
		return err
	}
	_, err = io.Copy(sink, xzr)
	return err
}

func (b *Backend) PutMeta(ctx context.Context, meta backer.Meta) error {
	return b.putMetaAt(ctx, b.paths.DataMetaPath(meta.Key), meta)
}

func (b *Backend) GetMeta(ctx context.Context, key backer.Key) (backer.Meta, error) {
	return b.loadMeta(b.paths.DataMetaPath(key))
}

func (b *Backend) Index(ctx context.Context, backsnap *backer.Backsnap) error {
	return remote.Index(ctx, backsnap, b.paths, time.Now().UTC(), b.putMetaAt)
}

func (b *Backend) GetCurrentMeta(ctx context.Context, fsid, bid, sid string) (backer.Meta, error) {
	return b.loadMeta(b.paths.CurrentPath(fsid, bid, sid))
}

func (b *Backend) List(ctx context.Context, fsid, bid string) ([]backer.Meta, error) {
	switch {
	case fsid == "":
		return b.listScope(ctx, filepath.Join(b.Root, backer.Version, "fs"), ".fs",
			func(id string) (backer.Meta, error) { return b.GetCurrentMeta(ctx, id, "", "") })
	case bid == "":
		return b.listScope(ctx, filepath.FromSlash(b.paths.FSPath(fsid))+"/backup", ".backup",
			func(id string) (backer.Meta, error) { return b.GetCurrentMeta(ctx, fsid, id, "") })
	default:
		return b.listScope(ctx, filepath.FromSlash(b.paths.BackupPath(fsid, bid))+"/series", ".series",
			func(id string) (backer.Meta, error) { return b.GetCurrentMeta(ctx, fsid, bid, id) })
	}
}

func (b *Backend) listScope(ctx context.Context, dir, suffix string, get func(id string) (backer.Meta, error)) ([]backer.Meta, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []backer.Meta
	for _, e := range entries {
		if !e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		id := strings.TrimSuffix(e.Name(), suffix)
		meta, err := get(id)
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	return out, nil
}

func (b *Backend) putMetaAt(ctx context.Context, objPath string, meta backer.Meta) error {
	return fsatomic.SaveJSON(ctx, filepath.FromSlash(objPath), meta, 0o600)
}

func (b *Backend) loadMeta(objPath string) (backer.Meta, error) {
	var meta backer.Meta
	ok, err := fsatomic.LoadJSON(filepath.FromSlash(objPath), &meta)
	if err != nil {
		return backer.Meta{}, err
	}
	if !ok {
		return backer.Meta{}, backer.ErrNotFound
	}
	return meta, nil
}
