package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"

	"custodyledger/internal/blob/core"
)

func TestStore_MockedFlow(t *testing.T) {
	ctx := context.Background()
	store := NewMockForTests()
	if store.Driver() != core.DriverS3 || store.Bucket() != "mock-bucket" {
		t.Fatalf("unexpected store identity")
	}
	info, err := store.Put(ctx, "exports/Mat1/seq-2.csv", bytes.NewReader([]byte("a,b\n")), core.PutOptions{ContentType: "text/csv"})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Key != "exports/Mat1/seq-2.csv" || info.Size != 4 {
		t.Fatalf("unexpected info %+v", info)
	}
	if _, err := store.Put(ctx, "exports/Mat1/seq-2.csv", bytes.NewReader([]byte("x")), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	got, rc, err := store.Get(ctx, "exports/Mat1/seq-2.csv")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(body) != "a,b\n" || got.ContentType != "text/csv" {
		t.Fatalf("unexpected object %q %+v", body, got)
	}
	url, err := store.PresignURL(ctx, "exports/Mat1/seq-2.csv", core.SignedURLOptions{})
	if err != nil {
		t.Fatalf("presign: %v", err)
	}
	if !strings.Contains(url, "X-Amz-Signature") || !strings.Contains(url, "mock-bucket/exports/Mat1/seq-2.csv") {
		t.Fatalf("unexpected presigned url %s", url)
	}
}

func TestStore_MissingKeysMapToNotFound(t *testing.T) {
	ctx := context.Background()
	store := NewMockForTests()
	if _, err := store.Head(ctx, "exports/none"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("head: expected ErrNotFound, got %v", err)
	}
	if _, _, err := store.Get(ctx, "exports/none"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("get: expected ErrNotFound, got %v", err)
	}
}

func TestStore_ListPaginates(t *testing.T) {
	ctx := context.Background()
	store := NewMockForTests()
	for _, k := range []string{"exports/Mat1/seq-1.csv", "exports/Mat1/seq-2.csv", "exports/Mat1/seq-3.csv", "exports/Mat2/seq-1.csv", "other/x"} {
		if _, err := store.Put(ctx, k, bytes.NewReader([]byte(k)), core.PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}
	list, err := store.List(ctx, "exports/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 4 || list[0].Key != "exports/Mat1/seq-1.csv" || list[3].Key != "exports/Mat2/seq-1.csv" {
		t.Fatalf("unexpected listing %+v", list)
	}
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatalf("expected bucket error")
	}
}

func TestDecodeChunked(t *testing.T) {
	body, ok := decodeChunked([]byte("5\r\nhello\r\n0\r\nx-amz-checksum-crc32:abc\r\n\r\n"))
	if !ok || string(body) != "hello" {
		t.Fatalf("decode: %q %v", body, ok)
	}
	if _, ok := decodeChunked([]byte("plain body")); ok {
		t.Fatalf("plain body must not decode")
	}
}

// TestStore_LiveBucket runs against a real bucket when CUSTODY_TEST_S3_BUCKET is set.
func TestStore_LiveBucket(t *testing.T) {
	bucket := os.Getenv("CUSTODY_TEST_S3_BUCKET")
	if bucket == "" {
		t.Skip("CUSTODY_TEST_S3_BUCKET not set")
	}
	ctx := context.Background()
	store, err := New(ctx, Config{
		Bucket:    bucket,
		Region:    os.Getenv("CUSTODY_TEST_S3_REGION"),
		Endpoint:  os.Getenv("CUSTODY_TEST_S3_ENDPOINT"),
		PathStyle: os.Getenv("CUSTODY_TEST_S3_ENDPOINT") != "",
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	key := "custody-test/" + t.Name()
	if _, err := store.Put(ctx, key, bytes.NewReader([]byte("live")), core.PutOptions{ContentType: "text/plain"}); err != nil && !errors.Is(err, core.ErrExists) {
		t.Fatalf("put: %v", err)
	}
	if _, err := store.Head(ctx, key); err != nil {
		t.Fatalf("head: %v", err)
	}
}
