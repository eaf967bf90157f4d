package s3store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"backer/internal/backer"
	"backer/internal/remote"
)

// fakeS3Client is an in-memory stand-in for *s3.Client, implementing both
// s3API (what Backend calls directly) and manager.UploadAPIClient (what the
// uploader manager.Uploader needs) so Backend can be exercised without a
// real bucket. Objects small enough for a single PutObject never reach the
// multipart methods, so those just return errors if ever called.
type fakeS3Client struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3Client() *fakeS3Client { return &fakeS3Client{objects: map[string][]byte{}} }

func (c *fakeS3Client) PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.objects[aws.ToString(in.Key)] = b
	return &s3.PutObjectOutput{}, nil
}

func (c *fakeS3Client) GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	c.mu.Lock()
	b, ok := c.objects[aws.ToString(in.Key)]
	c.mu.Unlock()
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(b))}, nil
}

func (c *fakeS3Client) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	prefix := aws.ToString(in.Prefix)
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := map[string]bool{}
	var out s3.ListObjectsV2Output
	for key := range c.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := strings.TrimPrefix(key, prefix)
		if idx := strings.Index(rest, "/"); idx >= 0 {
			commonPrefix := prefix + rest[:idx+1]
			if !seen[commonPrefix] {
				seen[commonPrefix] = true
				out.CommonPrefixes = append(out.CommonPrefixes, types.CommonPrefix{Prefix: aws.String(commonPrefix)})
			}
		}
	}
	sort.Slice(out.CommonPrefixes, func(i, j int) bool {
		return aws.ToString(out.CommonPrefixes[i].Prefix) < aws.ToString(out.CommonPrefixes[j].Prefix)
	})
	return &out, nil
}

func (c *fakeS3Client) UploadPart(ctx context.Context, in *s3.UploadPartInput, opts ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	return nil, errors.New("multipart upload not supported by fakeS3Client")
}
func (c *fakeS3Client) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return nil, errors.New("multipart upload not supported by fakeS3Client")
}
func (c *fakeS3Client) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	return nil, errors.New("multipart upload not supported by fakeS3Client")
}
func (c *fakeS3Client) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, opts ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return nil, errors.New("multipart upload not supported by fakeS3Client")
}

func newTestBackend(client *fakeS3Client) *Backend {
	return &Backend{
		Client:   client,
		Bucket:   "test-bucket",
		Prefix:   "backups",
		paths:    remote.ObjectPaths{Root: "backups"},
		uploader: manager.NewUploader(client),
	}
}

func TestPutGetDataRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(newFakeS3Client())
	key := backer.Key{FSID: "guid-1", BID: "default", SID: "sid1", N: 0}
	payload := []byte("fake zfs send stream payload")

	if err := b.PutData(ctx, key, bytes.NewReader(payload)); err != nil {
		t.Fatalf("PutData: %v", err)
	}
	var out bytes.Buffer
	if err := b.GetData(ctx, key, &out); err != nil {
		t.Fatalf("GetData: %v", err)
	}
	if out.String() != string(payload) {
		t.Fatalf("round trip mismatch: got %q want %q", out.String(), payload)
	}
}

func TestGetDataMissingReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(newFakeS3Client())
	var out bytes.Buffer
	err := b.GetData(ctx, backer.Key{FSID: "x", BID: "y", SID: "z", N: 0}, &out)
	if !errors.Is(err, backer.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPutGetMetaRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(newFakeS3Client())
	meta := backer.Meta{Key: backer.Key{FSID: "guid-1", BID: "default", SID: "sid1", N: 0}, FSName: "tank/data"}

	if err := b.PutMeta(ctx, meta); err != nil {
		t.Fatalf("PutMeta: %v", err)
	}
	got, err := b.GetMeta(ctx, meta.Key)
	if err != nil {
		t.Fatalf("GetMeta: %v", err)
	}
	if got.Key != meta.Key {
		t.Fatalf("round trip mismatch: got %+v want %+v", got.Key, meta.Key)
	}
}

func TestListEnumeratesFilesystemScope(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(newFakeS3Client())
	meta := backer.Meta{Key: backer.Key{FSID: "guid-1", BID: "default", SID: "sid1", N: 0}, FSName: "tank/data"}

	if err := b.putMetaAt(ctx, b.paths.CurrentPath("guid-1", "", ""), meta); err != nil {
		t.Fatalf("putMetaAt: %v", err)
	}

	metas, err := b.List(ctx, "", "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(metas) != 1 || metas[0].Key.FSID != "guid-1" {
		t.Fatalf("expected one fs-scope head for guid-1, got %+v", metas)
	}
}
