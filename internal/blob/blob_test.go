package blob

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestOpenSelectsDriver(t *testing.T) {
	ctx := context.Background()

	mem, err := Open(ctx, Config{Driver: DriverMemory})
	if err != nil || mem.Driver() != DriverMemory {
		t.Fatalf("memory: %v %v", mem, err)
	}

	fs, err := Open(ctx, Config{FSRoot: t.TempDir(), BaseURL: "https://ops.example/artifacts"})
	if err != nil || fs.Driver() != DriverFilesystem {
		t.Fatalf("fs: %v %v", fs, err)
	}
	info, err := fs.Put(ctx, "a/b.txt", strings.NewReader("x"), PutOptions{})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.URL != "https://ops.example/artifacts/a/b.txt" {
		t.Fatalf("unexpected url %s", info.URL)
	}
	if _, err := fs.Put(ctx, "a/b.txt", strings.NewReader("x"), PutOptions{}); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	if _, err := Open(ctx, Config{Driver: DriverS3}); err == nil {
		t.Fatalf("expected s3 without bucket to fail")
	}
	if _, err := Open(ctx, Config{Driver: "tape"}); err == nil {
		t.Fatalf("expected unknown driver error")
	}
	if _, err := Open(ctx, Config{FSRoot: t.TempDir(), BaseURL: "://bad"}); err == nil {
		t.Fatalf("expected bad base url error")
	}
}
