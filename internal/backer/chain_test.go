package backer

import (
	"context"
	"testing"
)

func TestGetLatestBacksnapsPicksNewestSeries(t *testing.T) {
	ctx := context.Background()
	fs := newFakeFS("tank/data", "guid-1")
	rem := newFakeRemote("fs")
	e := testEngine(t)

	// First series: one baseline generation.
	if err := e.Backup(ctx, fs, rem, "default", false); err != nil {
		t.Fatalf("Backup #1: %v", err)
	}
	firstChain, _ := GetLatestBacksnaps(ctx, fs, "default")
	firstSID := firstChain[0].Key().SID

	// Destroy the first series' snapshot out from under the engine and take
	// a brand new baseline under a fresh series id, simulating a restart
	// after the prior chain became unreachable.
	if err := firstChain[0].Snapshot().Destroy(ctx); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if err := e.Backup(ctx, fs, rem, "default", false); err != nil {
		t.Fatalf("Backup #2: %v", err)
	}

	latest, err := GetLatestBacksnaps(ctx, fs, "default")
	if err != nil {
		t.Fatalf("GetLatestBacksnaps: %v", err)
	}
	if len(latest) != 1 {
		t.Fatalf("expected 1 generation in the new series, got %d", len(latest))
	}
	if latest[0].Key().SID == firstSID {
		t.Fatalf("expected a fresh series id, got the same one back")
	}
}

func TestGetAllBacksnapsIgnoresOtherBackupIDs(t *testing.T) {
	ctx := context.Background()
	fs := newFakeFS("tank/data", "guid-1")
	rem := newFakeRemote("fs")
	e := testEngine(t)

	if err := e.Backup(ctx, fs, rem, "default", false); err != nil {
		t.Fatalf("Backup default: %v", err)
	}
	if err := e.Backup(ctx, fs, rem, "offsite", false); err != nil {
		t.Fatalf("Backup offsite: %v", err)
	}

	bySID, err := GetAllBacksnaps(ctx, fs, "default")
	if err != nil {
		t.Fatalf("GetAllBacksnaps: %v", err)
	}
	if len(bySID) != 1 {
		t.Fatalf("expected only the default backup's series, got %d series", len(bySID))
	}
	for _, gens := range bySID {
		for _, g := range gens {
			if g.Key().BID != "default" {
				t.Fatalf("leaked generation from backup id %q", g.Key().BID)
			}
		}
	}
}

func TestGetLatestStoredSkipsUnstoredHead(t *testing.T) {
	ctx := context.Background()
	fs := newFakeFS("tank/data", "guid-1")
	rem := newFakeRemote("fs")
	e := testEngine(t)

	if err := e.Backup(ctx, fs, rem, "default", false); err != nil {
		t.Fatalf("Backup #1: %v", err)
	}
	chain, _ := GetLatestBacksnaps(ctx, fs, "default")
	stored := chain[0]

	if stored.Key() != chain[len(chain)-1].Key() {
		t.Fatalf("sanity: expected single-element chain")
	}

	if got := GetLatestStored(chain); got == nil || got.Key() != stored.Key() {
		t.Fatalf("expected GetLatestStored to return the only (stored) generation")
	}

	chain[0].state.Stored = false
	if got := GetLatestStored(chain); got != nil {
		t.Fatalf("expected nil when no generation in chain is stored, got %+v", got.Key())
	}
}
