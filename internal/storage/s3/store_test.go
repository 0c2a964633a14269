package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/askledger/askledger/internal/storage"
)

func TestPutUsesPrefixAndNormalizedKey(t *testing.T) {
	fake := &fakeClient{}
	store, err := NewWithClient("bucket-a", "askledger/prod", fake)
	if err != nil {
		t.Fatalf("NewWithClient() error = %v", err)
	}

	_, err = store.Put(context.Background(), "/audit/tenant-1/date=2026-03-17/b1.parquet", bytes.NewBufferString("abc"), 3, storage.PutOptions{
		ContentType: "application/vnd.apache.parquet",
		Metadata:    map[string]string{"record-count": "3"},
		Tags:        map[string]string{"kind": "audit-batch"},
	})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if fake.lastPutOptions.ContentType != "application/vnd.apache.parquet" || fake.lastPutOptions.Metadata["record-count"] != "3" ||
		fake.lastPutOptions.Tags["kind"] != "audit-batch" {
		t.Fatalf("options = %+v", fake.lastPutOptions)
	}
	if fake.lastPutBucket != "bucket-a" {
		t.Fatalf("bucket = %q", fake.lastPutBucket)
	}
	if fake.lastPutKey != "askledger/prod/audit/tenant-1/date=2026-03-17/b1.parquet" {
		t.Fatalf("key = %q", fake.lastPutKey)
	}
	if string(fake.lastPutBody) != "abc" {
		t.Fatalf("body = %q", fake.lastPutBody)
	}
}

func TestPutRejectsPathTraversal(t *testing.T) {
	fake := &fakeClient{}
	store, err := NewWithClient("bucket-a", "", fake)
	if err != nil {
		t.Fatalf("NewWithClient() error = %v", err)
	}
	for _, key := range []string{"../secrets.txt", "audit/../../x", ""} {
		if _, err := store.Put(context.Background(), key, bytes.NewBufferString("x"), 1, storage.PutOptions{}); err == nil {
			t.Fatalf("expected key validation error for %q", key)
		}
	}
}

func TestPutNeverReplacesArchivedObject(t *testing.T) {
	fake := &fakeClient{existing: map[string]bool{"audit/tenant-1/date=2026-03-17/b1.parquet": true}}
	store, err := NewWithClient("bucket-a", "", fake)
	if err != nil {
		t.Fatalf("NewWithClient() error = %v", err)
	}
	_, err = store.Put(context.Background(), "audit/tenant-1/date=2026-03-17/b1.parquet", bytes.NewBufferString("x"), 1, storage.PutOptions{})
	if !errors.Is(err, storage.ErrObjectExists) {
		t.Fatalf("Put() error = %v, want ErrObjectExists", err)
	}
	if fake.lastPutKey != "" {
		t.Fatalf("existing object was overwritten: %q", fake.lastPutKey)
	}
}

func TestPutRejectsInvalidMetadata(t *testing.T) {
	fake := &fakeClient{}
	store, err := NewWithClient("bucket-a", "", fake)
	if err != nil {
		t.Fatalf("NewWithClient() error = %v", err)
	}
	for _, metadata := range []map[string]string{
		{"Tenant ID": "t1"},
		{"tenant-id": "line\nbreak"},
		{"note": "ग्राहक"},
	} {
		if _, err := store.Put(context.Background(), "audit/b.parquet", bytes.NewBufferString("x"), 1, storage.PutOptions{Metadata: metadata}); err == nil {
			t.Fatalf("expected metadata error for %v", metadata)
		}
	}
	if fake.lastPutKey != "" {
		t.Fatalf("invalid metadata reached the client: %q", fake.lastPutKey)
	}
}

func TestEnsureBucketCreatesWhenMissing(t *testing.T) {
	fake := &fakeClient{bucketExists: false}
	store, err := NewWithClient("bucket-a", "", fake)
	if err != nil {
		t.Fatalf("NewWithClient() error = %v", err)
	}

	if err := store.ensureBucket(context.Background(), "us-east-1"); err != nil {
		t.Fatalf("ensureBucket() error = %v", err)
	}
	if !fake.createBucketCalled {
		t.Fatal("expected CreateBucket to be called")
	}
}

func TestPingReportsMissingBucket(t *testing.T) {
	store, err := NewWithClient("bucket-a", "", &fakeClient{bucketExists: false})
	if err != nil {
		t.Fatalf("NewWithClient() error = %v", err)
	}
	if err := store.Ping(context.Background()); !errors.Is(err, storage.ErrBucketNotFound) {
		t.Fatalf("Ping() error = %v", err)
	}

	store, err = NewWithClient("bucket-a", "", &fakeClient{bucketExists: true})
	if err != nil {
		t.Fatalf("NewWithClient() error = %v", err)
	}
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
}

func TestParseEndpoint(t *testing.T) {
	endpoint, secure, err := parseEndpoint("https://minio.example.com", false)
	if err != nil {
		t.Fatalf("parseEndpoint() error = %v", err)
	}
	if endpoint != "minio.example.com" || !secure {
		t.Fatalf("endpoint/secure = %q/%v", endpoint, secure)
	}
	endpoint, secure, err = parseEndpoint("minio:9000", false)
	if err != nil || endpoint != "minio:9000" || secure {
		t.Fatalf("parseEndpoint(bare) = %q/%v/%v", endpoint, secure, err)
	}
}

type fakeClient struct {
	existing           map[string]bool
	lastPutBucket      string
	lastPutKey         string
	lastPutBody        []byte
	lastPutOptions     storage.PutOptions
	bucketExists       bool
	createBucketCalled bool
}

func (f *fakeClient) Put(_ context.Context, bucket, key string, reader io.Reader, size int64, opts storage.PutOptions) (storage.ObjectInfo, error) {
	f.lastPutBucket = bucket
	f.lastPutOptions = opts
	f.lastPutKey = key
	body, err := io.ReadAll(reader)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	f.lastPutBody = body
	return storage.ObjectInfo{Key: key, Size: size}, nil
}

func (f *fakeClient) Exists(_ context.Context, _, key string) (bool, error) {
	return f.existing[key], nil
}

func (f *fakeClient) BucketExists(_ context.Context, _ string) (bool, error) {
	return f.bucketExists, nil
}

func (f *fakeClient) CreateBucket(_ context.Context, _, _ string) error {
	f.createBucketCalled = true
	return nil
}
