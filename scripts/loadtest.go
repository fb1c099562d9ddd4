package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/kunal/gpu-batch-executor/pkg/tensor"
	"github.com/kunal/gpu-batch-executor/pkg/worker"
)

var priorityNames = map[int]string{0: "LOW", 1: "MEDIUM", 2: "HIGH"}

func main() {
	addr := flag.String("addr", "localhost:50052", "Worker address")
	concurrency := flag.Int("concurrency", 50, "Number of concurrent clients")
	duration := flag.Duration("duration", 30*time.Second, "Test duration")
	maxBatch := flag.Int("max-batch", 2, "Largest batch size a single request carries")
	width := flag.Int("width", 16, "Elements per row of INPUT0/INPUT1")
	timeout := flag.Duration("timeout", 0, "Per-request queue timeout (0 = worker default)")
	flag.Parse()

	log.Printf("🚀 Load test starting: addr=%s, concurrency=%d, duration=%v", *addr, *concurrency, *duration)

	conn, err := grpc.NewClient(*addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	client := worker.NewClient(conn)

	var (
		totalRequests atomic.Int64
		totalRows     atomic.Int64
		totalErrors   atomic.Int64
		mu            sync.Mutex
		latencies     []time.Duration
		instanceDist  = make(map[string]int)
		priorityDist  = make(map[string]int)
		errorDist     = make(map[string]int)
	)

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	start := time.Now()
	var wg sync.WaitGroup

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(clientID int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(clientID)))
			for n := 0; ; n++ {
				select {
				case <-ctx.Done():
					return
				default:
				}

				// 60% LOW, 30% MEDIUM, 10% HIGH
				pri := 0
				if r := rng.Intn(100); r >= 90 {
					pri = 2
				} else if r >= 60 {
					pri = 1
				}

				bs := 1 + rng.Intn(*maxBatch)
				req := &worker.InferRequest{
					ID:        fmt.Sprintf("req-%d-%d", clientID, n),
					Priority:  pri,
					TimeoutMs: int(timeout.Milliseconds()),
					BatchSize: bs,
					Inputs: []tensor.Descriptor{
						randomRows(rng, "INPUT0", bs, *width),
						randomRows(rng, "INPUT1", bs, *width),
					},
				}

				reqStart := time.Now()
				resp, err := client.Infer(ctx, req)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					totalErrors.Add(1)
					mu.Lock()
					errorDist[grpcstatus.Code(err).String()]++
					mu.Unlock()
					continue
				}

				elapsed := time.Since(reqStart)
				totalRequests.Add(1)
				totalRows.Add(int64(bs))

				mu.Lock()
				latencies = append(latencies, elapsed)
				instanceDist[resp.Instance]++
				priorityDist[priorityNames[pri]]++
				mu.Unlock()
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	total := totalRequests.Load()
	errs := totalErrors.Load()
	throughput := float64(total) / elapsed.Seconds()

	fmt.Println("\n" + "═══════════════════════════════════════════════════")
	fmt.Println("   🏁 LOAD TEST RESULTS")
	fmt.Println("═══════════════════════════════════════════════════")
	fmt.Printf("   Duration:      %v\n", elapsed.Round(time.Millisecond))
	fmt.Printf("   Concurrency:   %d\n", *concurrency)
	fmt.Printf("   Total Reqs:    %s\n", humanize.Comma(total))
	fmt.Printf("   Total Rows:    %s\n", humanize.Comma(totalRows.Load()))
	if total+errs > 0 {
		fmt.Printf("   Errors:        %d (%.1f%%)\n", errs, float64(errs)/float64(total+errs)*100)
	}
	fmt.Printf("   Throughput:    %.1f req/sec\n", throughput)
	fmt.Println()

	if len(latencies) > 0 {
		fmt.Println("   📊 Latency Percentiles:")
		fmt.Printf("      p50:  %v\n", latencies[len(latencies)*50/100])
		fmt.Printf("      p95:  %v\n", latencies[len(latencies)*95/100])
		fmt.Printf("      p99:  %v\n", latencies[len(latencies)*99/100])
		fmt.Printf("      max:  %v\n", latencies[len(latencies)-1])
	}

	printDist("🎯 Instance Distribution", instanceDist, total)
	printDist("🏷️  Priority Distribution", priorityDist, total)
	if errs > 0 {
		printDist("❌ Errors", errorDist, errs)
	}
	fmt.Println("═══════════════════════════════════════════════════")
}

func randomRows(rng *rand.Rand, name string, bs, width int) tensor.Descriptor {
	vals := make([]float32, bs*width)
	for i := range vals {
		vals[i] = rng.Float32()
	}
	return tensor.FromFloat32s(name, tensor.Shape{int64(bs), int64(width)}, vals)
}

func printDist(title string, dist map[string]int, total int64) {
	if total == 0 {
		return
	}
	keys := make([]string, 0, len(dist))
	for k := range dist {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Println()
	fmt.Printf("   %s:\n", title)
	for _, k := range keys {
		pct := float64(dist[k]) / float64(total) * 100
		fmt.Printf("      %s: %d (%.1f%%)\n", k, dist[k], pct)
	}
}
