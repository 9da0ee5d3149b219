package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sushant-115/ehashdb/core/indexing/exthash"
	flushmanager "github.com/sushant-115/ehashdb/core/write_engine/flush_manager"
	"github.com/sushant-115/ehashdb/core/write_engine/memtable"
	"github.com/sushant-115/ehashdb/pkg/connection"
	"github.com/sushant-115/ehashdb/pkg/logger"
	"go.uber.org/zap"
)

var (
	numKeys    = flag.Int("keys", 100000, "Number of keys to insert, read and remove")
	numWorkers = flag.Int("workers", 16, "Concurrent workers per phase")
	poolSize   = flag.Int("pool", 256, "Buffer pool frames")
	policy     = flag.String("replacer", memtable.ReplacerPolicyLRUK, "Replacer policy: lru-k or lru")
	bucketSize = flag.Uint("bucket_size", 0, "Bucket capacity, 0 fills the page")
	dataDir    = flag.String("data_dir", "", "Directory for the data file. Pages stay in memory when empty")
	maxIOPS    = flag.Int("max_iops", 0, "Disk scheduler rate limit, 0 disables it")
	serverAddr = flag.String("addr", "", "Drive a running ehashdb server at this address instead of an in-process table")
)

type phaseResult struct {
	name     string
	ops      int64
	failures int64
	elapsed  time.Duration
}

func (r phaseResult) String() string {
	return fmt.Sprintf("%-7s %8d ops  %6d failures  %10s  %10.0f ops/s",
		r.name, r.ops, r.failures, r.elapsed.Round(time.Millisecond), float64(r.ops)/r.elapsed.Seconds())
}

// runPhase spreads keys [0, n) over the worker pool and counts failed operations.
func runPhase(name string, n, workers int, op func(key int64) bool) phaseResult {
	var failures atomic.Int64
	wg := sync.WaitGroup{}
	sem := make(chan struct{}, workers)
	start := time.Now()
	for i := 0; i < n; i++ {
		sem <- struct{}{}
		wg.Add(1)
		go func(key int64) {
			defer wg.Done()
			defer func() { <-sem }()
			if !op(key) {
				failures.Add(1)
			}
		}(int64(i))
	}
	wg.Wait()
	return phaseResult{name: name, ops: int64(n), failures: failures.Load(), elapsed: time.Since(start)}
}

func openDiskManager(zlogger *zap.Logger) (flushmanager.DiskManager, error) {
	if *dataDir == "" {
		return flushmanager.NewMemoryDiskManager(), nil
	}
	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(*dataDir, fmt.Sprintf("exthash-perf-%d.db", time.Now().UnixNano()))
	return flushmanager.NewFileDiskManager(path, true, zlogger)
}

// runRemote drives a server through the line protocol with one pooled
// connection per worker.
func runRemote(addr string) {
	pool := connection.NewPool(addr, *numWorkers, 5*time.Second)
	defer pool.Close()
	ctx := context.Background()

	expect := func(line, status string) bool {
		reply, err := pool.Do(ctx, line)
		if err != nil {
			return false
		}
		got, _ := connection.ParseReply(reply)
		return got == status
	}
	results := []phaseResult{
		runPhase("insert", *numKeys, *numWorkers, func(key int64) bool {
			return expect(fmt.Sprintf("PUT perf-%d value-%d", key, key), "OK")
		}),
		runPhase("lookup", *numKeys, *numWorkers, func(key int64) bool {
			reply, err := pool.Do(ctx, fmt.Sprintf("GET perf-%d", key))
			return err == nil && reply == fmt.Sprintf("OK value-%d", key)
		}),
		runPhase("remove", *numKeys, *numWorkers, func(key int64) bool {
			return expect(fmt.Sprintf("DELETE perf-%d", key), "OK")
		}),
	}
	for _, r := range results {
		fmt.Println(r)
	}
	if reply, err := pool.Do(ctx, "STATS"); err == nil {
		fmt.Println(reply)
	}
}

func main() {
	flag.Parse()
	if *serverAddr != "" {
		runRemote(*serverAddr)
		return
	}
	zlogger, err := logger.New(logger.Config{Level: "error", Format: "console", OutputFile: "stderr"})
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer zlogger.Sync()

	dm, err := openDiskManager(zlogger)
	if err != nil {
		log.Fatalf("failed to open disk manager: %v", err)
	}
	defer dm.Close()
	scheduler := flushmanager.NewDiskScheduler(dm, flushmanager.SchedulerOptions{QueueDepth: 128, MaxIOPS: *maxIOPS}, zlogger)
	defer scheduler.Close()

	replacer, err := memtable.NewReplacer(*policy, *poolSize, memtable.DefaultReplacerK)
	if err != nil {
		log.Fatalf("invalid replacer: %v", err)
	}
	bpm := memtable.NewBufferPoolManager(*poolSize, scheduler, replacer, zlogger)

	keyCodec := exthash.Int64Codec()
	table, err := exthash.NewDiskExtendibleHashTable(
		"perf",
		bpm,
		exthash.KeyValueSerializer[int64, int64]{Key: keyCodec, Value: exthash.Int64Codec()},
		exthash.DefaultKeyOrder[int64],
		exthash.XXHashFunc(keyCodec),
		exthash.Options{BucketMaxSize: uint32(*bucketSize)},
		zlogger.Named("exthash_perf"),
	)
	if err != nil {
		log.Fatalf("failed to create hash table: %v", err)
	}

	results := []phaseResult{
		runPhase("insert", *numKeys, *numWorkers, func(key int64) bool {
			ok, err := table.Insert(key, key*10)
			return err == nil && ok
		}),
		runPhase("lookup", *numKeys, *numWorkers, func(key int64) bool {
			values, err := table.GetValue(key)
			return err == nil && len(values) == 1 && values[0] == key*10
		}),
	}
	if err := table.VerifyIntegrity(); err != nil {
		log.Printf("integrity check after lookups failed: %v", err)
	}
	results = append(results, runPhase("remove", *numKeys, *numWorkers, func(key int64) bool {
		ok, err := table.Remove(key)
		return err == nil && ok
	}))
	if err := table.VerifyIntegrity(); err != nil {
		log.Printf("integrity check after removes failed: %v", err)
	}

	for _, r := range results {
		fmt.Println(r)
	}
	stats := bpm.Stats()
	fmt.Printf("buffer pool: size=%d resident=%d pinned=%d dirty=%d hits=%d misses=%d evictions=%d hit_ratio=%.3f\n",
		stats.PoolSize, stats.ResidentPages, stats.PinnedPages, stats.DirtyPages,
		stats.Hits, stats.Misses, stats.Evictions,
		float64(stats.Hits)/float64(max(stats.Hits+stats.Misses, 1)))
	fmt.Printf("disk pages=%d\n", scheduler.NumPages())
}
