package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/tavern/internal/cache"
	"github.com/MrWong99/tavern/internal/cache/postgres"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if TAVERN_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("TAVERN_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TAVERN_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [postgres.Store] on an empty table.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS pcm_cache"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	pool.Close()

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_PutGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	want := &cache.Entry{
		Key: "file:/srv/music/reel.ogg@48000Hz2ch",
		PCM: []byte{9, 8, 7, 6},
		Meta: cache.Metadata{
			Locator:  "/srv/music/reel.ogg",
			Title:    "reel",
			Duration: 42 * time.Second,
		},
	}
	if err := store.Put(ctx, want); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := store.Get(ctx, want.Key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got.PCM) != string(want.PCM) || got.Meta != want.Meta {
		t.Errorf("got %+v, want %+v", got, want)
	}

	meta, err := store.GetMeta(ctx, want.Key)
	if err != nil {
		t.Fatalf("GetMeta: %v", err)
	}
	if meta != want.Meta {
		t.Errorf("GetMeta = %+v, want %+v", meta, want.Meta)
	}
}

func TestStore_MissAndImmutable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Get(ctx, "nope"); !errors.Is(err, cache.ErrMiss) {
		t.Fatalf("Get: got %v, want ErrMiss", err)
	}
	if _, err := store.GetMeta(ctx, "nope"); !errors.Is(err, cache.ErrMiss) {
		t.Fatalf("GetMeta: got %v, want ErrMiss", err)
	}

	_ = store.Put(ctx, &cache.Entry{Key: "k", PCM: []byte{1}, Meta: cache.Metadata{Title: "first"}})
	if err := store.Put(ctx, &cache.Entry{Key: "k", PCM: []byte{2}, Meta: cache.Metadata{Title: "second"}}); err != nil {
		t.Fatalf("second Put: %v", err)
	}
	got, err := store.Get(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if got.Meta.Title != "first" {
		t.Errorf("entry overwritten: %q", got.Meta.Title)
	}
}

func TestStore_Ping(t *testing.T) {
	store := newTestStore(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
