package remote

import (
	"context"
	"encoding/json"
	"time"

	"backer/internal/backer"
)

// remoteState is the opaque bookkeeping every concrete backend round-trips
// through Backsnap.RemoteState: the set of named pointer paths this backend
// last wrote for a generation, used to skip redundant writes on repeat
// Index calls (§6.2, "TODO should be a noop" in the reference
// implementation — kept as a real write per the distilled contract).
type remoteState struct {
	Indexes map[string]string `json:"indexes"`
}

// PutMetaFunc writes meta's canonical JSON to the object at path, replacing
// whatever was there.
type PutMetaFunc func(ctx context.Context, path string, meta backer.Meta) error

// Index updates the named head pointers for backsnap at all three scopes
// plus the per-day stamp, skipping any pointer whose target path hasn't
// changed since the last Index call. It is shared by every concrete
// backend so the layout and skip logic are defined exactly once.
func Index(ctx context.Context, backsnap *backer.Backsnap, paths ObjectPaths, now time.Time, put PutMetaFunc) error {
	meta := backsnap.Meta()
	key := meta.Key

	named := map[string]string{
		"current":         paths.CurrentPath(key.FSID, "", ""),
		"bid_current":     paths.CurrentPath(key.FSID, key.BID, ""),
		"bid_sid_current": paths.CurrentPath(key.FSID, key.BID, key.SID),
		"bid_day":         paths.IndexMetaPath(key.FSID, key.BID, now.Format("2006-1-2")),
	}

	var st remoteState
	if raw := backsnap.GetRemoteState(); len(raw) > 0 {
		if err := json.Unmarshal(raw, &st); err != nil {
			return err
		}
	}
	if st.Indexes == nil {
		st.Indexes = map[string]string{}
	}

	for name, p := range named {
		if st.Indexes[name] == p {
			continue
		}
		if err := put(ctx, p, meta); err != nil {
			return err
		}
		st.Indexes[name] = p
	}

	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return backsnap.SetRemoteState(ctx, raw)
}
