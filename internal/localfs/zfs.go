// Package localfs drives the native zfs(8) toolchain as the concrete
// backer.LocalDriver (§6.1): it creates snapshots, reads and writes
// properties, and streams send/receive payloads without buffering them.
package localfs

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"backer/internal/backer"
	"backer/pkg/shell"
)

// propTimeout bounds the short, buffered property/list/snapshot/destroy
// commands. Send and receive are unbounded by this driver — the caller's
// ctx is the only cancellation path for those.
const propTimeout = 30 * time.Second

// Driver is the zfs(8)-backed backer.LocalDriver.
type Driver struct{}

func New() *Driver { return &Driver{} }

func (d *Driver) GetFilesystem(ctx context.Context, name string) (backer.Filesystem, error) {
	if _, err := shell.Run(ctx, propTimeout, "zfs", "list", "-t", "filesystem", "-H", name); err != nil {
		return nil, backer.ErrNotFound
	}
	return &filesystem{name: name}, nil
}

func (d *Driver) Recv(ctx context.Context, targetName string, source io.Reader) error {
	cmd := exec.CommandContext(ctx, "zfs", "recv", "-u", targetName)
	cmd.Stdin = source
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("zfs recv %s: %w: %s", targetName, err, stderr.String())
	}
	return nil
}

type filesystem struct {
	name string
}

func (f *filesystem) Name() string { return f.name }

func (f *filesystem) Get(ctx context.Context, prop string) (string, bool, error) {
	return getProp(ctx, prop, f.name)
}

func (f *filesystem) Guid(ctx context.Context) (string, error) {
	v, ok, err := f.Get(ctx, "guid")
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("filesystem %s has no guid property", f.name)
	}
	return v, nil
}

func (f *filesystem) Creation(ctx context.Context) (time.Time, error) {
	return getCreation(ctx, f.name)
}

func (f *filesystem) ListSnapshots(ctx context.Context, keys []string) (map[string]map[string]string, error) {
	return listSnapshots(ctx, f.name, keys)
}

func (f *filesystem) GetSnapshot(ctx context.Context, name string) (backer.Snapshot, error) {
	full := f.fullSnapName(name)
	if _, err := shell.Run(ctx, propTimeout, "zfs", "list", "-t", "snapshot", "-H", full); err != nil {
		return nil, backer.ErrNotFound
	}
	return &snapshot{fs: f, fullName: full}, nil
}

func (f *filesystem) Snapshot(ctx context.Context, name string, props map[string]string) (backer.Snapshot, error) {
	full := f.fullSnapName(name)
	args := []string{"snapshot"}
	for k, v := range props {
		args = append(args, "-o", fmt.Sprintf("%s=%s", k, v))
	}
	args = append(args, full)
	if _, err := shell.Run(ctx, propTimeout, "zfs", args...); err != nil {
		return nil, fmt.Errorf("zfs snapshot %s: %w", full, err)
	}
	return &snapshot{fs: f, fullName: full}, nil
}

func (f *filesystem) fullSnapName(name string) string {
	return fmt.Sprintf("%s@%s", f.name, name)
}

type snapshot struct {
	fs       *filesystem
	fullName string
}

func (s *snapshot) Name() string { return s.fullName }

func (s *snapshot) Get(ctx context.Context, prop string) (string, bool, error) {
	return getProp(ctx, prop, s.fullName)
}

func (s *snapshot) Set(ctx context.Context, prop, value string) error {
	_, err := shell.Run(ctx, propTimeout, "zfs", "set", fmt.Sprintf("%s=%s", prop, value), s.fullName)
	if err != nil {
		return fmt.Errorf("zfs set %s on %s: %w", prop, s.fullName, err)
	}
	return nil
}

func (s *snapshot) Creation(ctx context.Context) (time.Time, error) {
	return getCreation(ctx, s.fullName)
}

// CheckIsCurrent reports true when the source dataset has no changes since
// this snapshot — i.e. `zfs diff` reports nothing.
func (s *snapshot) CheckIsCurrent(ctx context.Context) (bool, error) {
	res, err := shell.Run(ctx, propTimeout, "zfs", "diff", s.fullName)
	if err != nil {
		return false, fmt.Errorf("zfs diff %s: %w", s.fullName, err)
	}
	return len(bytes.TrimSpace(res.Stdout)) == 0, nil
}

// Send streams this snapshot's native serialization directly into sink. If
// other is non-nil the stream is an incremental from other to s. The
// subprocess's stdout is wired straight to sink, so the payload is never
// buffered by this driver.
func (s *snapshot) Send(ctx context.Context, sink io.Writer, other backer.Snapshot) error {
	args := []string{"send", "-p"}
	if other != nil {
		args = append(args, "-i", other.Name())
	}
	args = append(args, s.fullName)

	cmd := exec.CommandContext(ctx, "zfs", args...)
	cmd.Stdout = sink
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("zfs send %s: %w: %s", s.fullName, err, stderr.String())
	}
	return nil
}

func (s *snapshot) Destroy(ctx context.Context) error {
	if _, err := shell.Run(ctx, propTimeout, "zfs", "destroy", s.fullName); err != nil {
		return fmt.Errorf("zfs destroy %s: %w", s.fullName, err)
	}
	return nil
}

func getProp(ctx context.Context, prop, target string) (string, bool, error) {
	res, err := shell.Run(ctx, propTimeout, "zfs", "get", "-p", "-H", "-o", "value", prop, target)
	if err != nil {
		return "", false, fmt.Errorf("zfs get %s %s: %w", prop, target, err)
	}
	v := strings.TrimSpace(string(res.Stdout))
	if v == "-" || v == "" {
		return "", false, nil
	}
	return v, true, nil
}

// getCreation reads the native "creation" property, which zfs reports as a
// Unix epoch integer under -p, and returns it as a UTC time.
func getCreation(ctx context.Context, target string) (time.Time, error) {
	v, ok, err := getProp(ctx, "creation", target)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return time.Time{}, fmt.Errorf("%s has no creation property", target)
	}
	sec, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse creation of %s: %w", target, err)
	}
	return time.Unix(sec, 0).UTC(), nil
}

// listSnapshots runs `zfs list -t snapshot -o name,<keys...>` against fsName
// and returns short-name -> (property -> value), omitting unset properties.
func listSnapshots(ctx context.Context, fsName string, keys []string) (map[string]map[string]string, error) {
	keysArg := "name"
	if len(keys) > 0 {
		keysArg = "name," + strings.Join(keys, ",")
	}
	res, err := shell.Run(ctx, propTimeout, "zfs", "list", "-t", "snapshot", "-H", "-r", "-o", keysArg, fsName)
	if err != nil {
		return nil, fmt.Errorf("zfs list snapshots of %s: %w", fsName, err)
	}

	out := map[string]map[string]string{}
	scanner := bufio.NewScanner(bytes.NewReader(res.Stdout))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		fullName := fields[0]
		parts := strings.SplitN(fullName, "@", 2)
		if len(parts) != 2 {
			continue
		}
		shortName := parts[1]
		props := map[string]string{}
		for i := 1; i < len(fields) && i-1 < len(keys); i++ {
			if fields[i] != "-" {
				props[keys[i-1]] = fields[i]
			}
		}
		out[shortName] = props
	}
	return out, scanner.Err()
}
