package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/novarelay/internal/events"
	"github.com/MrWong99/novarelay/internal/events/postgres"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if NOVARELAY_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("NOVARELAY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("NOVARELAY_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh store on a dropped and recreated table.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS session_events CASCADE"); err != nil {
		t.Fatalf("drop table: %v", err)
	}

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNewStore_BadDSN(t *testing.T) {
	t.Parallel()
	if _, err := postgres.NewStore(context.Background(), "://not a dsn"); err == nil {
		t.Fatal("expected error for malformed DSN")
	}
}

func TestStore_WriteAndList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := events.New(events.KindConnecting, "call-1")
	first.Detail = map[string]any{"gateway": "127.0.0.1:8085"}
	closed := events.New(events.KindClosed, "call-1")
	closed.Reason = "call_ended"

	for _, ev := range []events.Event{first, events.New(events.KindStreaming, "call-1"), closed} {
		if err := store.Write(ctx, ev); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	// Duplicate identifiers are ignored.
	if err := store.Write(ctx, first); err != nil {
		t.Fatalf("Write duplicate: %v", err)
	}

	got, err := store.List(ctx, "call-1", 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("List returned %d events, want 3", len(got))
	}
	if got[0].Kind != events.KindConnecting || got[0].Detail["gateway"] != "127.0.0.1:8085" {
		t.Errorf("first event = %+v", got[0])
	}
	if got[2].Reason != "call_ended" {
		t.Errorf("last reason = %q, want call_ended", got[2].Reason)
	}
	if err := store.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
