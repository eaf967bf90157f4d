// Package remote holds the object-layout logic shared by every concrete
// backer.Remote backend (§6.2.1): both the local-directory and S3-compatible
// implementations address the same paths under <root-or-prefix>/<VERSION>/,
// so the layout itself lives here once instead of being duplicated per
// backend.
package remote

import (
	"fmt"
	"path"

	"backer/internal/backer"
)

// ObjectPaths renders the object-store key layout rooted at Root (a local
// directory path or an S3 key prefix — both use forward slashes). Root
// should not have a trailing slash.
type ObjectPaths struct {
	Root string
}

func (p ObjectPaths) versionRoot() string {
	return path.Join(p.Root, backer.Version)
}

func (p ObjectPaths) FSPath(fsid string) string {
	return path.Join(p.versionRoot(), "fs", fsid+".fs")
}

func (p ObjectPaths) BackupPath(fsid, bid string) string {
	return path.Join(p.FSPath(fsid), "backup", bid+".backup")
}

func (p ObjectPaths) SeriesPath(fsid, bid, sid string) string {
	return path.Join(p.BackupPath(fsid, bid), "series", sid+".series")
}

func (p ObjectPaths) DataDir(fsid, bid, sid string) string {
	return path.Join(p.SeriesPath(fsid, bid, sid), "data")
}

// DataObjectPath is the compressed stream payload for key.
func (p ObjectPaths) DataObjectPath(key backer.Key) string {
	return path.Join(p.DataDir(key.FSID, key.BID, key.SID), fmt.Sprintf("%d.data.xz", key.N))
}

// DataMetaPath is the Meta sidecar stored alongside a generation's payload.
func (p ObjectPaths) DataMetaPath(key backer.Key) string {
	return path.Join(p.DataDir(key.FSID, key.BID, key.SID), fmt.Sprintf("%d.meta", key.N))
}

// IndexMetaPath is a named head pointer file at the backup scope, e.g. the
// per-day stamp written by Index.
func (p ObjectPaths) IndexMetaPath(fsid, bid, nodeName string) string {
	return path.Join(p.BackupPath(fsid, bid), "index", nodeName+".meta")
}

// CurrentPath is the "current.meta" head pointer at one of three
// granularities: fs scope (bid == ""), backup scope (bid set, sid == ""),
// or series scope (both set).
func (p ObjectPaths) CurrentPath(fsid, bid, sid string) string {
	switch {
	case bid == "":
		return path.Join(p.FSPath(fsid), "current.meta")
	case sid == "":
		return path.Join(p.BackupPath(fsid, bid), "current.meta")
	default:
		return path.Join(p.SeriesPath(fsid, bid, sid), "current.meta")
	}
}
