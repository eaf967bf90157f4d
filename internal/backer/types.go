package backer

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Version is the engine's wire/naming version. It is embedded in every
// snapshot name and in the remote object layout root
// (see spec §4.1, §6.2.1). Bumping it isolates new chains from old ones on
// purpose: existing snapshots and remote objects under a prior version
// become invisible rather than being migrated.
const Version = "1"

// Key uniquely identifies one generation of one series of one backup.
type Key struct {
	FSID string `json:"fsid"`
	BID  string `json:"bid"`
	SID  string `json:"sid"`
	N    int    `json:"n"`
}

// NewSID generates a fresh series identifier: a random UUIDv4 with its
// dashes stripped, so it composes cleanly into snapshot names and remote
// object keys (§4.2).
func NewSID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(id.String(), "-", ""), nil
}

// Meta describes the snapshot that produced one stored stream.
type Meta struct {
	Key        Key       `json:"key"`
	FSName     string    `json:"fsname"`
	FSCreation int64     `json:"fscreation"`
	Hostname   string    `json:"hostname"`
	Creation   time.Time `json:"creation"`
	SCreation  time.Time `json:"screation"`
}
