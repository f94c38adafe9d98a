//go:build integration

package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/atmx/settlement-ledger/internal/model"
)

var (
	pgDSN     string
	redisAddr string
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	pg, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "ledger"},
			ExposedPorts: []string{"5432/tcp"},
			WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}
	rd, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		_ = pg.Terminate(ctx)
		fmt.Fprintf(os.Stderr, "failed to start redis container: %v\n", err)
		os.Exit(1)
	}

	host, _ := pg.Host(ctx)
	port, _ := pg.MappedPort(ctx, "5432/tcp")
	pgDSN = fmt.Sprintf("postgres://postgres:secret@%s:%s/ledger?sslmode=disable", host, port.Port())
	rhost, _ := rd.Host(ctx)
	rport, _ := rd.MappedPort(ctx, "6379/tcp")
	redisAddr = fmt.Sprintf("%s:%s", rhost, rport.Port())

	code := m.Run()
	_ = rd.Terminate(ctx)
	_ = pg.Terminate(ctx)
	os.Exit(code)
}

// openTestPostgres migrates once, then truncates so every subtest starts empty.
func openTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	ctx := context.Background()
	s, err := OpenPostgres(ctx, pgDSN, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	_, err = s.pool.Exec(ctx, `TRUNCATE processed_batches, day_status, prices, daily_snapshots,
		realized_matches, open_lots, trades`)
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPostgresStore(t *testing.T) {
	runContract(t, func(t *testing.T) Store { return openTestPostgres(t) })
}

func TestPostgresStoreFromPool(t *testing.T) {
	ctx := context.Background()
	openTestPostgres(t)
	pool, err := pgxpool.New(ctx, pgDSN)
	if err != nil {
		t.Fatal(err)
	}
	s := NewPostgresStore(pool)
	defer s.Close()
	if _, err := s.ListSnapshots(ctx, SnapshotFilter{}); err != nil {
		t.Errorf("list on migrated schema: %v", err)
	}
}

func TestCachedStore(t *testing.T) {
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer rdb.Close()

	runContract(t, func(t *testing.T) Store {
		rdb.FlushAll(ctx)
		return NewCachedStore(openTestPostgres(t), rdb, time.Minute)
	})
}

func TestCachedStoreInvalidatesOnCommit(t *testing.T) {
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer rdb.Close()
	if err := rdb.FlushAll(ctx).Err(); err != nil {
		t.Fatal(err)
	}
	s := NewCachedStore(NewMemoryStore(), rdb, time.Minute)

	key := model.SnapshotKey{TradingDay: testDay, Method: model.FIFO, Symbol: "ESU5"}
	put := func(open float64) {
		err := s.WithTx(ctx, func(tx Tx) error {
			return tx.PutSnapshot(ctx, model.DailyPositionSnapshot{SnapshotKey: key, OpenPosition: d(open)})
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	put(1)
	first, _ := s.ListSnapshots(ctx, SnapshotFilter{Symbol: "ESU5"})
	cached, _ := s.ListSnapshots(ctx, SnapshotFilter{Symbol: "ESU5"})
	if len(first) != 1 || len(cached) != 1 || !cached[0].OpenPosition.Equal(d(1)) {
		t.Fatalf("read-through = %+v / %+v", first, cached)
	}

	put(4)
	after, _ := s.ListSnapshots(ctx, SnapshotFilter{Symbol: "ESU5"})
	if len(after) != 1 || !after[0].OpenPosition.Equal(d(4)) {
		t.Errorf("commit did not invalidate the cache: %+v", after)
	}
}
