package pgx_test

import (
	"os"
	"strconv"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ryomak/aggstore/keystore"
	"github.com/ryomak/aggstore/keystore/keystoretest"
	"github.com/ryomak/aggstore/keystore/pgx"
)

// TestStoreCompliance runs the shared keystore.Store compliance suite
// against a real PostgreSQL instance. It requires DATABASE_URL (the
// test applies pgx.Schema itself) and is skipped otherwise, matching the
// teacher's own pgx compliance test.
func TestStoreCompliance(t *testing.T) {
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set, skipping PostgreSQL-backed compliance test")
	}

	ctx := t.Context()
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	if _, err := pool.Exec(ctx, pgx.Schema); err != nil {
		t.Fatalf("apply schema: %v", err)
	}

	var n int
	keystoretest.Run(t, func(t *testing.T) keystore.Store {
		n++
		ns := t.Name() + "-" + strconv.Itoa(n)
		return pgx.NewStore(pool, ns)
	})
}
