package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"installcore/internal/blob/core"
)

func TestStoreObjectLifecycle(t *testing.T) {
	store, fake := newFakeStore(t)
	ctx := context.Background()
	key := "bulk-matches/job-1.xlsx"

	info, err := store.Put(ctx, key, bytes.NewReader([]byte("workbook")), core.PutOptions{
		ContentType: "application/octet-stream",
		Metadata:    map[string]string{"job": "job-1"},
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Key != key || info.Size != int64(len("workbook")) || info.ContentType != "application/octet-stream" {
		t.Fatalf("unexpected info %+v", info)
	}
	if info.Metadata["job"] != "job-1" {
		t.Fatalf("expected metadata round trip, got %+v", info.Metadata)
	}

	if _, err := store.Put(ctx, key, strings.NewReader("again"), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	if fake.puts != 1 {
		t.Fatalf("expected a single stored put, got %d", fake.puts)
	}

	_, rc, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(body) != "workbook" {
		t.Fatalf("unexpected body %q", body)
	}

	if _, err := store.Put(ctx, "bulk-matches/job-2.xlsx", strings.NewReader("second"), core.PutOptions{}); err != nil {
		t.Fatalf("put second: %v", err)
	}
	list, err := store.List(ctx, "bulk-matches/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Key != key || list[1].Key != "bulk-matches/job-2.xlsx" {
		t.Fatalf("unexpected list %+v", list)
	}

	url, err := store.PresignURL(ctx, key, core.SignedURLOptions{})
	if err != nil || !strings.Contains(url, "artifacts/bulk-matches/job-1.xlsx") || !strings.Contains(url, "X-Amz-Signature") {
		t.Fatalf("presign: %v %s", err, url)
	}

	if ok, err := store.Delete(ctx, key); err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	if ok, err := store.Delete(ctx, key); err != nil || ok {
		t.Fatalf("second delete should report missing: %v %v", ok, err)
	}
}

func TestStoreMissingKeys(t *testing.T) {
	store, _ := newFakeStore(t)
	ctx := context.Background()
	if _, err := store.Head(ctx, "nope"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("head: expected ErrNotFound, got %v", err)
	}
	if _, _, err := store.Get(ctx, "nope"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("get: expected ErrNotFound, got %v", err)
	}
	if _, err := store.PresignURL(ctx, "nope", core.SignedURLOptions{Method: "PUT"}); !errors.Is(err, core.ErrUnsupported) {
		t.Fatalf("expected unsupported presign method, got %v", err)
	}
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatalf("expected missing bucket error")
	}
	store, _ := newFakeStore(t)
	if store.Driver() != core.DriverS3 || store.Bucket() != "artifacts" {
		t.Fatalf("unexpected store %s/%s", store.Driver(), store.Bucket())
	}
}

func TestDecodeAWSChunked(t *testing.T) {
	got, err := decodeAWSChunked([]byte("5;chunk-signature=abc\r\nhello\r\n1\r\n!\r\n0\r\nx-amz-checksum-crc32:AAAA\r\n\r\n"))
	if err != nil || string(got) != "hello!" {
		t.Fatalf("decode: %v %q", err, got)
	}
	if _, err := decodeAWSChunked([]byte("zz\r\n")); err == nil {
		t.Fatalf("expected error for bad size")
	}
}
