package storage_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/rl1809/arbitrage-pipeline/internal/adapter/marketplace"
	"github.com/rl1809/arbitrage-pipeline/internal/adapter/storage"
	"github.com/rl1809/arbitrage-pipeline/internal/core/domain"
	"github.com/rl1809/arbitrage-pipeline/internal/core/service"
	"github.com/rl1809/arbitrage-pipeline/internal/logging"
)

type testEnv struct {
	redis   *redis.Client
	mysql   *sql.DB
	cache   *storage.RedisAdapter
	db      *storage.MySQLAdapter
	cleanup func()
}

func setupTestEnv(t *testing.T, quota int) *testEnv {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	mysqlDSN := os.Getenv("MYSQL_DSN")
	if mysqlDSN == "" {
		mysqlDSN = "root:root@tcp(localhost:3306)/arbitrage?parseTime=true"
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	db, err := sql.Open("mysql", mysqlDSN)
	if err != nil {
		t.Skipf("MySQL not available: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Skipf("MySQL not available: %v", err)
	}

	mysqlAdapter := storage.NewMySQLAdapter(db)
	if err := mysqlAdapter.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}

	return &testEnv{
		redis: rdb,
		mysql: db,
		cache: storage.NewRedisAdapter(rdb, quota, time.Minute),
		db:    mysqlAdapter,
		cleanup: func() {
			rdb.Close()
			db.Close()
		},
	}
}

func (env *testEnv) newOrchestrator(destination *marketplace.MockDestination) *service.Orchestrator {
	log := logging.Discard()
	translations := storage.NewTieredTranslationStore(env.cache, env.db, log)
	cache := service.NewTranslationCache(translations, marketplace.NewMockTranslator("en"), service.TextRules{Locale: "en"}, nil, log)

	return service.NewOrchestrator(service.OrchestratorConfig{
		Workers:   3,
		QueueSize: 100,
		Retry:     service.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond},
		Pricing: domain.PricingPolicy{
			Margin:            decimal.RequireFromString("0.20"),
			CeilingFactor:     decimal.RequireFromString("1.10"),
			ExchangeRate:      decimal.NewFromInt(1),
			DefaultCategoryID: "other",
		},
	}, service.Dependencies{
		Listings:    env.db,
		Collector:   marketplace.NewMockCollector("mock"),
		Translation: cache,
		Destination: destination,
		Quota:       env.cache,
		Locker:      env.cache,
		Log:         log,
	})
}

func waitSettled(t *testing.T, db *storage.MySQLAdapter, ids []string) map[domain.State]int {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		counts := make(map[domain.State]int)
		for _, id := range ids {
			l, err := db.GetListing(context.Background(), id)
			if err != nil {
				t.Fatalf("GetListing failed: %v", err)
			}
			counts[l.State]++
		}
		if counts[domain.StateListed]+counts[domain.StateError] == len(ids) {
			return counts
		}
		if time.Now().After(deadline) {
			t.Fatalf("listings did not settle: %v", counts)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestIntegration_PipelineRespectsDailyQuota(t *testing.T) {
	quota := 5
	env := setupTestEnv(t, quota)
	defer env.cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	quotaKey := "quota:publish:" + time.Now().UTC().Format("2006-01-02")
	env.redis.Del(ctx, quotaKey)
	defer env.redis.Del(context.Background(), quotaKey)

	destination := marketplace.NewMockDestination()
	orch := env.newOrchestrator(destination)
	orch.Start(ctx)

	prefix := "it-" + uuid.NewString()[:8]
	var ids []string
	for i := 0; i < 8; i++ {
		l, err := orch.Submit(ctx, fmt.Sprintf("%s-%d", prefix, i))
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		ids = append(ids, l.ID)
	}
	defer func() {
		for _, id := range ids {
			env.mysql.ExecContext(context.Background(), `DELETE FROM listing_transitions WHERE listing_id = ?`, id)
			env.mysql.ExecContext(context.Background(), `DELETE FROM listings WHERE id = ?`, id)
		}
	}()

	counts := waitSettled(t, env.db, ids)
	cancel()
	orch.Wait()

	if counts[domain.StateListed] != quota {
		t.Errorf("expected %d listed, got %d", quota, counts[domain.StateListed])
	}
	if destination.Count() != quota {
		t.Errorf("expected %d destination listings, got %d", quota, destination.Count())
	}

	failed, err := orch.ListFailed(context.Background(), 100)
	if err != nil {
		t.Fatalf("ListFailed failed: %v", err)
	}
	deferred := 0
	for _, l := range failed {
		if l.LastError != nil && l.LastError.Kind == domain.KindRateLimited && l.NextAttemptAt != nil {
			deferred++
		}
	}
	if deferred < 8-quota {
		t.Errorf("expected at least %d quota deferrals, got %d", 8-quota, deferred)
	}
}

func TestIntegration_ConcurrentSubmitCreatesOneListing(t *testing.T) {
	env := setupTestEnv(t, 10)
	defer env.cleanup()

	orch := env.newOrchestrator(marketplace.NewMockDestination())
	ref := "it-dup-" + uuid.NewString()

	var wg sync.WaitGroup
	var errs atomic.Int32
	ids := make(chan string, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := orch.Submit(context.Background(), ref)
			if err != nil {
				errs.Add(1)
				return
			}
			ids <- l.ID
		}()
	}
	wg.Wait()
	close(ids)

	// concurrent duplicate-key inserts may lose to an InnoDB deadlock, which is
	// surfaced to the caller rather than creating a second row
	if errs.Load() > 0 {
		t.Logf("%d submits returned errors", errs.Load())
	}

	var first string
	for id := range ids {
		if first == "" {
			first = id
		}
		if id != first {
			t.Errorf("expected one listing id, got %s and %s", first, id)
		}
	}
	defer env.mysql.ExecContext(context.Background(), `DELETE FROM listing_transitions WHERE listing_id = ?`, first)
	defer env.mysql.ExecContext(context.Background(), `DELETE FROM listings WHERE id = ?`, first)

	var count int
	env.mysql.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM listings WHERE source_ref = ?`, ref).Scan(&count)
	if count != 1 {
		t.Errorf("expected 1 row, got %d", count)
	}
}
