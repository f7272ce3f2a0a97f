package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/petly/petcoins/internal/model"
)

func newTestCache(t *testing.T) (*Cache, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "petcoins-cache.db")
	c, err := New(path)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	return c, path
}

func TestGet_AbsentEntry(t *testing.T) {
	c, _ := newTestCache(t)

	e, err := c.Get(context.Background(), "tx-missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e != nil {
		t.Fatalf("expected nil entry, got %+v", e)
	}
}

func TestSetGet_Roundtrip(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	err := c.Set(ctx, Entry{
		TransactionID: "tx1",
		ProductID:     "petly_coins_500",
		ProcessedAt:   time.Now(),
	})
	if err != nil {
		t.Fatalf("set: %v", err)
	}

	e, err := c.Get(ctx, "tx1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e == nil {
		t.Fatalf("entry not found after set")
	}
	if e.ProductID != "petly_coins_500" {
		t.Fatalf("product id = %q, want petly_coins_500", e.ProductID)
	}
	if e.ProcessedAt.IsZero() {
		t.Fatalf("processed at is zero")
	}
}

func TestSet_Idempotent(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := c.Set(ctx, Entry{TransactionID: "tx1", ProductID: "petly_coins_100"}); err != nil {
			t.Fatalf("set #%d: %v", i+1, err)
		}
	}

	e, err := c.Get(ctx, "tx1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e == nil {
		t.Fatalf("entry not found")
	}
}

func TestEntries_SurviveReopen(t *testing.T) {
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "petcoins-cache.db")
	c, err := New(path)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}

	if err := c.Set(ctx, Entry{TransactionID: "tx1", ProductID: "petly_coins_100"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := New(path)
	if err != nil {
		t.Fatalf("reopen cache: %v", err)
	}
	defer reopened.Close()

	e, err := reopened.Get(ctx, "tx1")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if e == nil {
		t.Fatalf("entry lost after reopen")
	}
}

func TestPendingQueue(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	receipt := model.PurchaseReceipt{TransactionID: "tx1", ProductID: "petly_coins_100"}

	if err := c.Enqueue(ctx, 7, receipt); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// Повтор не должен приводить к ошибке и дубликату.
	if err := c.Enqueue(ctx, 7, receipt); err != nil {
		t.Fatalf("enqueue again: %v", err)
	}

	pending, err := c.Pending(ctx, 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending len = %d, want 1", len(pending))
	}
	if pending[0].UserID != 7 || pending[0].TransactionID != "tx1" {
		t.Fatalf("unexpected pending receipt: %+v", pending[0])
	}

	if err := c.Dequeue(ctx, "tx1"); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	pending, err = c.Pending(ctx, 10)
	if err != nil {
		t.Fatalf("pending after dequeue: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending len = %d, want 0", len(pending))
	}
}
