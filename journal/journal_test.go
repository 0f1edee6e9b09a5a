package journal

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"pixelwar/ledger"
)

func setupJournal(t *testing.T) *Store {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := New(db)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRecordClaimAndList(t *testing.T) {
	store := setupJournal(t)
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)
	tick := 0
	store.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	actor := common.HexToAddress("0x00000000000000000000000000000000000000a1")

	if err := store.RecordClaim(ctx, 4, 1, 2, actor, "committed", "", base); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := store.RecordClaim(ctx, 4, 3, 3, actor, "rolled_back", "Cell already painted", base); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := store.RecordClaim(ctx, 5, 0, 0, actor, "committed", "", base); err != nil {
		t.Fatalf("record: %v", err)
	}

	rows, err := store.RecentClaims(ctx, 4, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].Outcome != "rolled_back" || rows[0].Reason != "Cell already painted" {
		t.Fatalf("expected newest first, got %+v", rows[0])
	}
	if rows[0].Actor != actor.Hex() {
		t.Fatalf("unexpected actor %s", rows[0].Actor)
	}

	counts, err := store.OutcomeCounts(ctx, 4)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts["committed"] != 1 || counts["rolled_back"] != 1 {
		t.Fatalf("unexpected counts %v", counts)
	}
}

func TestRecordNotificationDeduplicates(t *testing.T) {
	store := setupJournal(t)
	ctx := context.Background()
	ev := ledger.CellPainted{
		GameID: 4,
		Player: common.HexToAddress("0x00000000000000000000000000000000000000b2"),
		X:      1,
		Y:      1,
		Block:  90,
		TxHash: common.HexToHash("0xabc"),
		Index:  2,
	}
	if err := store.RecordNotification(ctx, ev, "stream"); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := store.RecordNotification(ctx, ev, "fallback"); err != nil {
		t.Fatalf("record duplicate: %v", err)
	}
	later := ev
	later.Block, later.Index, later.TxHash = 91, 0, common.HexToHash("0xdef")
	if err := store.RecordNotification(ctx, later, "fallback"); err != nil {
		t.Fatalf("record: %v", err)
	}

	rows, err := store.RecentEvents(ctx, 4, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 events, got %d", len(rows))
	}
	if rows[0].Block != 91 || rows[1].Source != "stream" {
		t.Fatalf("unexpected ordering %+v", rows)
	}
}

func TestOpenRequiresDSN(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
}

func TestOpenSQLite(t *testing.T) {
	store, err := Open("file:" + uuid.NewString() + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	if err := store.RecordClaim(context.Background(), 1, 0, 0, common.Address{}, "rejected", "Game is not active", time.Now()); err != nil {
		t.Fatalf("record: %v", err)
	}
}
