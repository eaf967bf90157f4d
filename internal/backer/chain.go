package backer

import (
	"context"
	"encoding/json"
	"sort"
)

// GetAllBacksnaps reads every native snapshot of fs, keeps those stamped by
// this engine's VERSION whose decoded bid matches, and groups them by
// series id, each group sorted by native creation timestamp ascending
// (§4.2). Snapshots stamped by a foreign or absent version are silently
// skipped — they are not this engine's concern.
func GetAllBacksnaps(ctx context.Context, fs Filesystem, bid string) (map[string][]*Backsnap, error) {
	listed, err := fs.ListSnapshots(ctx, []string{propVersion, propState})
	if err != nil {
		return nil, err
	}

	bySID := map[string][]*Backsnap{}
	for name, props := range listed {
		if props[propVersion] != Version {
			continue
		}
		var st state
		if err := json.Unmarshal([]byte(props[propState]), &st); err != nil {
			continue
		}
		if st.Meta.Key.BID != bid {
			continue
		}
		snap, err := fs.GetSnapshot(ctx, name)
		if err != nil {
			return nil, err
		}
		b := &Backsnap{snap: snap, state: st}
		bySID[st.Meta.Key.SID] = append(bySID[st.Meta.Key.SID], b)
	}

	for sid, gens := range bySID {
		sorted, err := sortByCreation(ctx, gens)
		if err != nil {
			return nil, err
		}
		bySID[sid] = sorted
	}
	return bySID, nil
}

func sortByCreation(ctx context.Context, gens []*Backsnap) ([]*Backsnap, error) {
	creations := make([]int64, len(gens))
	for i, g := range gens {
		t, err := g.snap.Creation(ctx)
		if err != nil {
			return nil, err
		}
		creations[i] = t.Unix()
	}
	idx := make([]int, len(gens))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool { return creations[idx[i]] < creations[idx[j]] })
	out := make([]*Backsnap, len(gens))
	for i, j := range idx {
		out[i] = gens[j]
	}
	return out, nil
}

// GetLatestBacksnaps picks the series whose most recent member has the
// newest creation timestamp — the chain the engine will extend this run.
// Ties break on the lexicographically greatest sid (§4.2: any deterministic
// rule is acceptable). It returns nil, nil if bid has no recorded chain yet.
func GetLatestBacksnaps(ctx context.Context, fs Filesystem, bid string) ([]*Backsnap, error) {
	bySID, err := GetAllBacksnaps(ctx, fs, bid)
	if err != nil {
		return nil, err
	}
	if len(bySID) == 0 {
		return nil, nil
	}

	var bestSID string
	var bestChain []*Backsnap
	var bestCreation int64 = -1
	for sid, gens := range bySID {
		head := gens[len(gens)-1]
		t, err := head.snap.Creation(ctx)
		if err != nil {
			return nil, err
		}
		c := t.Unix()
		if c > bestCreation || (c == bestCreation && sid > bestSID) {
			bestCreation, bestSID, bestChain = c, sid, gens
		}
	}
	return bestChain, nil
}

// GetLatestStored returns the last member of chain (in the ascending order
// produced by GetAllBacksnaps/GetLatestBacksnaps) whose stream is already
// durably stored — the base the next backup diffs against. It returns nil
// if no generation in chain is stored.
func GetLatestStored(chain []*Backsnap) *Backsnap {
	for i := len(chain) - 1; i >= 0; i-- {
		if chain[i].IsStored() {
			return chain[i]
		}
	}
	return nil
}
