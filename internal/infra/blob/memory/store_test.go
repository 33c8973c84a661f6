package memory

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"cascore/internal/blob/core"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	store := New()
	ctx := context.Background()

	info, err := store.Put(ctx, "reports/run.json", strings.NewReader(`{"findings":[]}`), core.PutOptions{ContentType: "application/json"})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != int64(len(`{"findings":[]}`)) {
		t.Fatalf("size %d", info.Size)
	}
	if _, err := store.Put(ctx, "reports/run.json", strings.NewReader("x"), core.PutOptions{}); err == nil {
		t.Fatal("duplicate put must fail")
	}

	_, rc, err := store.Get(ctx, "reports/run.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(rc)
	rc.Close()
	if string(body) != `{"findings":[]}` {
		t.Fatalf("body %q", body)
	}

	if _, err := store.PresignURL(ctx, "reports/run.json", core.SignedURLOptions{}); !errors.Is(err, core.ErrUnsupported) {
		t.Fatalf("presign should be unsupported, got %v", err)
	}

	existed, err := store.Delete(ctx, "reports/run.json")
	if err != nil || !existed {
		t.Fatalf("delete: existed=%v err=%v", existed, err)
	}
	if _, err := store.Head(ctx, "reports/run.json"); err == nil {
		t.Fatal("head after delete must fail")
	}
}

func TestMemoryStoreListOrdering(t *testing.T) {
	store := New()
	ctx := context.Background()
	for _, key := range []string{"b", "a", "c"} {
		if _, err := store.Put(ctx, key, strings.NewReader("x"), core.PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	infos, err := store.List(ctx, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 3 || infos[0].Key != "a" || infos[2].Key != "c" {
		t.Fatalf("unexpected order: %+v", infos)
	}
}
