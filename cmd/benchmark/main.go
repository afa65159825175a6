package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"embeddb/pkg/config"
	"embeddb/pkg/db"
)

type BenchmarkResult struct {
	TotalOps      int
	SuccessfulOps int
	FailedOps     int
	Duration      time.Duration
	OpsPerSec     float64
	AvgLatency    time.Duration
	MinLatency    time.Duration
	P99Latency    time.Duration
	MaxLatency    time.Duration
}

func main() {
	dir := flag.String("dir", "", "database directory (a temp dir when empty)")
	ops := flag.Int("ops", 10000, "operations per test")
	concurrency := flag.Int("concurrency", 8, "goroutines for the concurrent tests")
	valueSize := flag.Int("value-size", 100, "value size in bytes")
	compression := flag.String("compression", "snappy", "block compression: none, snappy, zlib, zstd")
	flag.Parse()

	if *dir == "" {
		tmp, err := os.MkdirTemp("", "embeddb-bench-")
		if err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
			os.Exit(1)
		}
		defer os.RemoveAll(tmp)
		*dir = tmp
	}

	opts := config.DefaultDB(*dir)
	opts.SSTable.Compression = *compression
	database, err := db.Open(*dir, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: open %s: %v\n", *dir, err)
		os.Exit(1)
	}
	defer database.Close()

	fmt.Println("=== embeddb Benchmark ===")
	fmt.Printf("Dir: %s, compression: %s, value size: %d\n\n", *dir, *compression, *valueSize)

	value := make([]byte, *valueSize)
	for i := range value {
		value[i] = byte('a' + i%26)
	}

	fmt.Printf("Test 1: Sequential Writes (%d operations)\n", *ops)
	printResult(benchmarkWrites(database, "seq", *ops, 1, value))

	fmt.Printf("\nTest 2: Sequential Reads (%d operations)\n", *ops)
	printResult(benchmarkReads(database, "seq", *ops, 1))

	fmt.Printf("\nTest 3: Concurrent Writes (%d operations, %d goroutines)\n", *ops, *concurrency)
	printResult(benchmarkWrites(database, "conc", *ops, *concurrency, value))

	fmt.Printf("\nTest 4: Concurrent Reads (%d operations, %d goroutines)\n", *ops, *concurrency)
	printResult(benchmarkReads(database, "conc", *ops, *concurrency))

	if err := database.Flush(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: flush: %v\n", err)
	}
	fmt.Println()
	fmt.Println(database.Stats().String())
	fmt.Println("=== Benchmark Complete ===")
}

func benchKey(prefix string, i int) []byte {
	return []byte(fmt.Sprintf("bench_%s_%010d", prefix, i))
}

// run splits totalOps across concurrency goroutines and records the latency of
// every op call.
func run(totalOps, concurrency int, op func(i int) error) BenchmarkResult {
	if concurrency < 1 {
		concurrency = 1
	}
	start := time.Now()
	var wg sync.WaitGroup
	var mu sync.Mutex

	successful := 0
	failed := 0
	latencies := make([]time.Duration, 0, totalOps)

	opsPerGoroutine := totalOps / concurrency
	remainder := totalOps % concurrency

	first := 0
	for g := 0; g < concurrency; g++ {
		n := opsPerGoroutine
		if g < remainder {
			n++
		}
		wg.Add(1)
		go func(first, n int) {
			defer wg.Done()
			local := make([]time.Duration, 0, n)
			ok, bad := 0, 0
			for i := first; i < first+n; i++ {
				opStart := time.Now()
				err := op(i)
				local = append(local, time.Since(opStart))
				if err == nil {
					ok++
				} else {
					bad++
				}
			}
			mu.Lock()
			successful += ok
			failed += bad
			latencies = append(latencies, local...)
			mu.Unlock()
		}(first, n)
		first += n
	}

	wg.Wait()
	duration := time.Since(start)

	res := BenchmarkResult{
		TotalOps:      totalOps,
		SuccessfulOps: successful,
		FailedOps:     failed,
		Duration:      duration,
		OpsPerSec:     float64(successful) / duration.Seconds(),
	}
	if len(latencies) == 0 {
		return res
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	var sum time.Duration
	for _, lat := range latencies {
		sum += lat
	}
	res.AvgLatency = sum / time.Duration(len(latencies))
	res.MinLatency = latencies[0]
	res.MaxLatency = latencies[len(latencies)-1]
	res.P99Latency = latencies[len(latencies)*99/100]
	return res
}

func benchmarkWrites(database *db.DB, prefix string, totalOps, concurrency int, value []byte) BenchmarkResult {
	return run(totalOps, concurrency, func(i int) error {
		return database.Put(benchKey(prefix, i), value, db.WriteOptions{})
	})
}

func benchmarkReads(database *db.DB, prefix string, totalOps, concurrency int) BenchmarkResult {
	return run(totalOps, concurrency, func(i int) error {
		_, err := database.Get(benchKey(prefix, i), db.ReadOptions{})
		return err
	})
}

func printResult(result BenchmarkResult) {
	fmt.Printf("  Total Operations: %d\n", result.TotalOps)
	fmt.Printf("  Successful: %d\n", result.SuccessfulOps)
	fmt.Printf("  Failed: %d\n", result.FailedOps)
	fmt.Printf("  Duration: %v\n", result.Duration)
	fmt.Printf("  Operations/sec: %.2f\n", result.OpsPerSec)
	fmt.Printf("  Avg Latency: %v\n", result.AvgLatency)
	fmt.Printf("  Min Latency: %v\n", result.MinLatency)
	fmt.Printf("  P99 Latency: %v\n", result.P99Latency)
	fmt.Printf("  Max Latency: %v\n", result.MaxLatency)
}
