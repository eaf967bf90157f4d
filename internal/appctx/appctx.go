// Package appctx resolves the YAML config's named locals/remotes/backups
// into live backer collaborators, caching each by name so repeated lookups
// (e.g. two backups sharing one remote) share a single handle — the Go
// equivalent of the reference implementation's per-name dict caches built
// at daemon/CLI startup (§9, "process-wide state").
package appctx

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"backer/internal/backer"
	"backer/internal/config"
	"backer/internal/localfs"
	"backer/internal/remote/dirstore"
	"backer/internal/remote/s3store"
)

// App resolves cfg's named collaborators on demand.
type App struct {
	Cfg     config.Config
	locals  map[string]backer.LocalDriver
	remotes map[string]backer.Remote
}

func New(cfg config.Config) *App {
	return &App{Cfg: cfg, locals: map[string]backer.LocalDriver{}, remotes: map[string]backer.Remote{}}
}

// GetLocal resolves name (or cfg.DefaultLocal if name is empty).
func (a *App) GetLocal(name string) (backer.LocalDriver, error) {
	if name == "" {
		name = a.Cfg.DefaultLocal
	}
	if d, ok := a.locals[name]; ok {
		return d, nil
	}
	lc, ok := a.Cfg.Locals[name]
	if !ok {
		return nil, fmt.Errorf("%w: local %q not configured", backer.ErrConfig, name)
	}
	var d backer.LocalDriver
	switch lc.Type {
	case "zfs":
		d = localfs.New()
	default:
		return nil, fmt.Errorf("%w: unknown local type %q", backer.ErrConfig, lc.Type)
	}
	a.locals[name] = d
	return d, nil
}

// GetRemote resolves name (or cfg.DefaultRemote if name is empty).
func (a *App) GetRemote(ctx context.Context, name string) (backer.Remote, error) {
	if name == "" {
		name = a.Cfg.DefaultRemote
	}
	if r, ok := a.remotes[name]; ok {
		return r, nil
	}
	rc, ok := a.Cfg.Remotes[name]
	if !ok {
		return nil, fmt.Errorf("%w: remote %q not configured", backer.ErrConfig, name)
	}

	var r backer.Remote
	switch rc.Type {
	case "fs":
		backend, err := dirstore.New(rc.FSRoot)
		if err != nil {
			return nil, err
		}
		r = backend
	case "s3":
		client, err := newS3Client(ctx, rc)
		if err != nil {
			return nil, err
		}
		r = s3store.New(client, rc.S3Bucket, rc.S3Prefix)
	default:
		return nil, fmt.Errorf("%w: unknown remote type %q", backer.ErrConfig, rc.Type)
	}
	a.remotes[name] = r
	return r, nil
}

func newS3Client(ctx context.Context, rc config.Remote) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if rc.AWSCreds != "" {
		opts = append(opts, awsconfig.WithSharedCredentialsFiles([]string{rc.AWSCreds}))
	}
	if rc.AWSProfile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(rc.AWSProfile))
	}
	if rc.AWSRegion != "" {
		opts = append(opts, awsconfig.WithRegion(rc.AWSRegion))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(cfg), nil
}

// ResolvedBackup is a config.Backup with its local/remote handles resolved.
type ResolvedBackup struct {
	FS     backer.Filesystem
	Remote backer.Remote
	BID    string
}

// GetBackup resolves the named backup entry to live handles.
func (a *App) GetBackup(ctx context.Context, name string) (ResolvedBackup, error) {
	bc, ok := a.Cfg.Backups[name]
	if !ok {
		return ResolvedBackup{}, fmt.Errorf("%w: backup %q not configured", backer.ErrConfig, name)
	}
	local, err := a.GetLocal(bc.LocalName(a.Cfg.DefaultLocal))
	if err != nil {
		return ResolvedBackup{}, err
	}
	rem, err := a.GetRemote(ctx, bc.RemoteName(a.Cfg.DefaultRemote))
	if err != nil {
		return ResolvedBackup{}, err
	}
	fs, err := local.GetFilesystem(ctx, bc.FSName)
	if err != nil {
		return ResolvedBackup{}, err
	}
	return ResolvedBackup{FS: fs, Remote: rem, BID: bc.BackupID()}, nil
}
