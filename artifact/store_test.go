package artifact

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/GoCodeAlone/shipyard/release"
)

func TestLocalStore_PutAndGet(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	ctx := context.Background()

	content := []byte("hello world artifact content")
	ref, err := store.Put(ctx, "releases/r1/bundle.tar.gz", bytes.NewReader(content))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	sum := sha256.Sum256(content)
	if ref.Checksum != hex.EncodeToString(sum[:]) {
		t.Errorf("checksum mismatch: got %s", ref.Checksum)
	}
	if ref.Size != int64(len(content)) {
		t.Errorf("expected size %d, got %d", len(content), ref.Size)
	}

	rc, err := store.Get(ctx, "releases/r1/bundle.tar.gz")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if !bytes.Equal(got, content) {
		t.Errorf("content mismatch: got %q, want %q", got, content)
	}

	stat, err := store.Stat(ctx, "releases/r1/bundle.tar.gz")
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if stat != ref {
		t.Errorf("Stat %+v differs from Put %+v", stat, ref)
	}
}

func TestLocalStore_NotFound(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	if _, err := store.Stat(context.Background(), "releases/missing/manifest.json"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound from Stat, got %v", err)
	}
	if _, err := store.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound from Get, got %v", err)
	}
}

// fakeS3 is an in-memory S3Client.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	meta    map[string]map[string]string
	puts    int32
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, meta: map[string]map[string]string{}}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	atomic.AddInt32(&f.puts, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	f.meta[aws.ToString(in.Key)] = in.Metadata
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data))), Metadata: f.meta[aws.ToString(in.Key)]}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestS3Store_PutStatGet(t *testing.T) {
	fake := newFakeS3()
	store := NewS3Store(fake, "bucket", "shipyard")
	ctx := context.Background()

	ref, err := store.Put(ctx, "releases/r1/app.txt", strings.NewReader("payload"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ref.URI != "s3://bucket/shipyard/releases/r1/app.txt" {
		t.Errorf("unexpected URI %s", ref.URI)
	}
	if _, ok := fake.objects["shipyard/releases/r1/app.txt"]; !ok {
		t.Fatal("expected object under prefixed key")
	}

	stat, err := store.Stat(ctx, "releases/r1/app.txt")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if stat != ref {
		t.Errorf("Stat %+v differs from Put %+v", stat, ref)
	}

	if _, err := store.Stat(ctx, "releases/r2/app.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.Get(ctx, "releases/r2/app.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound from Get, got %v", err)
	}
}

func writeFiles(t *testing.T, contents map[string]string) []File {
	t.Helper()
	dir := t.TempDir()
	var files []File
	for name, body := range contents {
		p := filepath.Join(dir, strings.ReplaceAll(name, "/", "_"))
		if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
		files = append(files, File{Name: name, Path: p})
	}
	return files
}

func testRelease(t *testing.T, files []File) release.Release {
	t.Helper()
	parts, err := Describe(files)
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	return release.New("abc123", "refs/heads/main", "", "registry/api:abc123", parts)
}

func TestClient_PublishIsIdempotent(t *testing.T) {
	fake := newFakeS3()
	client := NewClient(NewS3Store(fake, "bucket", ""), nil)
	files := writeFiles(t, map[string]string{"image.txt": "registry/api:abc123", "web/bundle.js": "console.log(1)"})
	rel := testRelease(t, files)
	ctx := context.Background()

	first, err := client.Publish(ctx, rel, files)
	if err != nil {
		t.Fatalf("first Publish: %v", err)
	}
	puts := atomic.LoadInt32(&fake.puts)
	if puts != 3 {
		t.Fatalf("expected 2 files + manifest, got %d puts", puts)
	}

	second, err := client.Publish(ctx, rel, files)
	if err != nil {
		t.Fatalf("second Publish: %v", err)
	}
	if first != second {
		t.Errorf("expected identical references, got %+v and %+v", first, second)
	}
	if got := atomic.LoadInt32(&fake.puts); got != puts {
		t.Errorf("expected no rewrites, puts went from %d to %d", puts, got)
	}

	m, err := client.Load(ctx, rel.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Release.ID != rel.ID || len(m.Objects) != 2 {
		t.Errorf("unexpected manifest: %+v", m)
	}
	if m.Objects[0].Key != ObjectKey(rel.ID, "image.txt") {
		t.Errorf("expected content-addressed key, got %s", m.Objects[0].Key)
	}
}

func TestClient_ConcurrentPublishWritesOnce(t *testing.T) {
	fake := newFakeS3()
	client := NewClient(NewS3Store(fake, "bucket", ""), nil)
	files := writeFiles(t, map[string]string{"image.txt": "img"})
	rel := testRelease(t, files)

	var wg sync.WaitGroup
	refs := make([]Reference, 8)
	for i := range refs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ref, err := client.Publish(context.Background(), rel, files)
			if err != nil {
				t.Errorf("Publish: %v", err)
			}
			refs[i] = ref
		}(i)
	}
	wg.Wait()

	for _, r := range refs[1:] {
		if r != refs[0] {
			t.Errorf("references differ: %+v vs %+v", r, refs[0])
		}
	}
	if got := atomic.LoadInt32(&fake.puts); got != 2 {
		t.Errorf("expected exactly one file + manifest write, got %d", got)
	}
}

func TestClient_PublishLocal(t *testing.T) {
	client := NewClient(NewLocalStore(t.TempDir()), nil)
	files := writeFiles(t, map[string]string{"image.txt": "img"})
	rel := testRelease(t, files)

	first, err := client.Publish(context.Background(), rel, files)
	if err != nil {
		t.Fatal(err)
	}
	second, err := client.Publish(context.Background(), rel, files)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("expected identical references, got %+v and %+v", first, second)
	}
}

func TestClient_PublishRejectsChecksumMismatch(t *testing.T) {
	client := NewClient(NewLocalStore(t.TempDir()), nil)
	files := writeFiles(t, map[string]string{"image.txt": "img"})
	rel := testRelease(t, files)
	if err := os.WriteFile(files[0].Path, []byte("tampered"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := client.Publish(context.Background(), rel, files)
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected ErrChecksumMismatch, got %v", err)
	}
	if _, err := client.Load(context.Background(), rel.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected no manifest after failed publish, got %v", err)
	}
}

func TestClient_PublishValidation(t *testing.T) {
	client := NewClient(NewLocalStore(t.TempDir()), nil)

	if _, err := client.Publish(context.Background(), release.Release{}, nil); !errors.Is(err, release.ErrInvalid) {
		t.Errorf("expected release.ErrInvalid, got %v", err)
	}

	files := writeFiles(t, map[string]string{"x": "1"})
	files[0].Name = "../escape"
	rel := release.New("rev", "refs/heads/main", "", "", nil)
	if _, err := client.Publish(context.Background(), rel, files); err == nil {
		t.Error("expected error for path-escaping file name")
	}
}
