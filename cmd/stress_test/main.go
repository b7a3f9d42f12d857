package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/arbitrage-pipeline/internal/adapter/storage"
)

func main() {
	redisAddr := flag.String("redis", "localhost:6379", "redis address")
	quota := flag.Int("quota", 20, "daily publish quota")
	totalRequests := flag.Int("requests", 50, "concurrent publish attempts")
	flag.Parse()

	ctx := context.Background()

	// Initialize Redis
	rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to connect redis: %v", err)
	}
	defer rdb.Close()

	// a fixed day far in the past so a live counter is never touched
	day := time.Date(2000, 1, 1, 12, 0, 0, 0, time.UTC)
	quotaKey := "quota:publish:" + day.Format("2006-01-02")
	rdb.Del(ctx, quotaKey)
	defer rdb.Del(ctx, quotaKey)

	adapter := storage.NewRedisAdapter(rdb, *quota, time.Minute)

	// Counters
	var granted atomic.Int32
	var denied atomic.Int32
	var errored atomic.Int32

	// Spawn concurrent acquisitions
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < *totalRequests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			ok, err := adapter.TryAcquire(ctx, day)
			switch {
			case err != nil:
				errored.Add(1)
			case ok:
				granted.Add(1)
			default:
				denied.Add(1)
			}
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)

	want := *quota
	if *totalRequests < want {
		want = *totalRequests
	}

	fmt.Println("========== QUOTA STRESS TEST RESULTS ==========")
	fmt.Printf("Daily Quota:      %d\n", *quota)
	fmt.Printf("Total Attempts:   %d\n", *totalRequests)
	fmt.Printf("Granted:          %d\n", granted.Load())
	fmt.Printf("Denied:           %d\n", denied.Load())
	fmt.Printf("Errors:           %d\n", errored.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("===============================================")

	if int(granted.Load()) == want && errored.Load() == 0 {
		fmt.Printf("PASS: Exactly %d publish slots granted\n", want)
	} else {
		fmt.Printf("FAIL: Expected %d grants, got %d (%d errors)\n", want, granted.Load(), errored.Load())
	}

	remaining, _ := adapter.Remaining(ctx, day)
	fmt.Printf("Remaining Slots:  %d\n", remaining)
	if remaining == *quota-want {
		fmt.Println("PASS: Counter matches grants")
	} else {
		fmt.Printf("FAIL: Expected %d remaining, got %d\n", *quota-want, remaining)
	}
}
