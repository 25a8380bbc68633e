package main

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"xpdb/pkg/config"
	"xpdb/pkg/store"
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
	var dir string
	if len(os.Args) > 1 {
		dir = os.Args[1]
	} else {
		tmp, err := os.MkdirTemp("", "xpdb-bench-*")
		if err != nil {
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	}

	cfg := config.DefaultDB()
	s, err := store.Open(dir, store.WithConfig(cfg), store.WithLogger(slog.New(slog.DiscardHandler)))
	if err != nil {
		fmt.Printf("ERROR: open %s: %v\n", dir, err)
		os.Exit(1)
	}
	defer s.Close()

	fmt.Println("=== XPDB Benchmark Test ===")
	fmt.Printf("Directory: %s\n", dir)
	fmt.Println()

	// Тест 1: Последовательные записи
	fmt.Println("Test 1: Sequential Writes (10000 operations)")
	printResult(benchmarkWrites(s, "seq", 10000, 1))

	// Тест 2: Последовательные чтения
	fmt.Println("\nTest 2: Sequential Reads (10000 operations)")
	printResult(benchmarkReads(s, "seq", 10000, 1))

	// Тест 3: Параллельные записи
	fmt.Println("\nTest 3: Concurrent Writes (10000 operations, 10 goroutines)")
	printResult(benchmarkWrites(s, "par", 10000, 10))

	// Тест 4: Параллельные чтения после сброса на диск
	if err := s.Flush(); err != nil {
		fmt.Printf("ERROR: flush: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("\nTest 4: Concurrent Reads from SSTables (10000 operations, 10 goroutines)")
	printResult(benchmarkReads(s, "par", 10000, 10))

	if st, err := s.Stats(); err == nil {
		fmt.Println("\nStore:")
		fmt.Printf("  Flushes: %d\n", st.Flushes)
		fmt.Printf("  Compactions: %d\n", st.Compaction.Compactions)
		fmt.Printf("  Block cache hits/misses: %d/%d\n", st.BlockCacheHits, st.BlockCacheMisses)
		for _, l := range st.Levels {
			if l.Files > 0 {
				fmt.Printf("  L%d: %d files, %d bytes\n", l.Level, l.Files, l.Bytes)
			}
		}
	}
}

// run splits totalOps across concurrency goroutines and times each op(i).
func run(totalOps, concurrency int, op func(i int) error) BenchmarkResult {
	start := time.Now()
	var wg sync.WaitGroup
	var mu sync.Mutex

	successful := 0
	failed := 0
	latencies := make([]time.Duration, 0, totalOps)

	opsPerGoroutine := totalOps / concurrency
	remainder := totalOps % concurrency

	next := 0
	for g := 0; g < concurrency; g++ {
		ops := opsPerGoroutine
		if g < remainder {
			ops++
		}
		first := next
		next += ops

		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := first; i < first+ops; i++ {
				opStart := time.Now()
				err := op(i)
				latency := time.Since(opStart)

				mu.Lock()
				if err == nil {
					successful++
				} else {
					failed++
				}
				latencies = append(latencies, latency)
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	duration := time.Since(start)

	return summarize(totalOps, successful, failed, duration, latencies)
}

func benchmarkWrites(s *store.Store, prefix string, totalOps, concurrency int) BenchmarkResult {
	return run(totalOps, concurrency, func(i int) error {
		key := fmt.Sprintf("%s_%08d", prefix, i)
		return s.Put([]byte(key), []byte(fmt.Sprintf("value_%d", i)))
	})
}

func benchmarkReads(s *store.Store, prefix string, totalOps, concurrency int) BenchmarkResult {
	return run(totalOps, concurrency, func(i int) error {
		key := fmt.Sprintf("%s_%08d", prefix, i)
		_, found, err := s.Get([]byte(key))
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("key %s not found", key)
		}
		return nil
	})
}

func summarize(totalOps, successful, failed int, duration time.Duration, latencies []time.Duration) BenchmarkResult {
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
	res.P99Latency = latencies[len(latencies)*99/100]
	res.MaxLatency = latencies[len(latencies)-1]
	return res
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
