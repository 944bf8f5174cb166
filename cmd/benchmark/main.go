package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/punchamoorthee/walletsettle/internal/logger"
)

var (
	targetURL     string
	concurrency   int
	duration      time.Duration
	workload      string
	totalAccounts int
	replayRate    float64
)

var (
	totalRequests uint64
	accepted      uint64 // 202 new transactions
	replayed      uint64 // 202 with Idempotent-Replayed
	conflicts     uint64 // 409 retry or key mismatch
	rejected      uint64 // 422
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "transaction-service base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
	flag.IntVar(&totalAccounts, "accounts", 1000, "Number of seeded accounts (acc-1 .. acc-N)")
	flag.Float64Var(&replayRate, "replay", 0.05, "Fraction of requests that resend the previous idempotency key")
}

func main() {
	flag.Parse()
	logger.Info("starting benchmark", logger.Fields{"workload": workload, "workers": concurrency, "duration": duration.String()})

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start, i)
	}

	wg.Wait()
	printResults(time.Since(start))
}

type transactionBody struct {
	IdempotencyKey string `json:"idempotencyKey"`
	Kind           string `json:"kind"`
	SourceAccount  string `json:"sourceAccount"`
	DestAccount    string `json:"destAccount"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
}

func worker(wg *sync.WaitGroup, start time.Time, id int) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}
	principal := fmt.Sprintf("bench-%d", id)

	var last transactionBody
	for time.Since(start) < duration {
		body := last
		if last.IdempotencyKey == "" || rand.Float64() >= replayRate {
			from, to := generateAccounts()
			body = transactionBody{
				IdempotencyKey: uuid.NewString(),
				Kind:           "transfer",
				SourceAccount:  from,
				DestAccount:    to,
				Amount:         100,
				Currency:       "USD",
			}
		}
		last = body

		payload, _ := json.Marshal(body)
		req, _ := http.NewRequest(http.MethodPost, targetURL+"/transactions", bytes.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Principal-ID", principal)

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch {
		case resp.StatusCode == http.StatusAccepted && resp.Header.Get("Idempotent-Replayed") == "true":
			atomic.AddUint64(&replayed, 1)
		case resp.StatusCode == http.StatusAccepted:
			atomic.AddUint64(&accepted, 1)
		case resp.StatusCode == http.StatusConflict:
			atomic.AddUint64(&conflicts, 1)
		case resp.StatusCode == http.StatusUnprocessableEntity:
			atomic.AddUint64(&rejected, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func generateAccounts() (string, string) {
	if workload == "hotspot" {
		// 90% of traffic moves money between acc-1 and acc-2
		if rand.Float32() < 0.90 {
			if rand.Float32() < 0.5 {
				return "acc-1", "acc-2"
			}
			return "acc-2", "acc-1"
		}
	}

	a := rand.Intn(totalAccounts) + 1
	b := rand.Intn(totalAccounts) + 1
	for a == b {
		b = rand.Intn(totalAccounts) + 1
	}
	return fmt.Sprintf("acc-%d", a), fmt.Sprintf("acc-%d", b)
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	f409 := atomic.LoadUint64(&conflicts)

	var conflictRate float64
	if total > 0 {
		conflictRate = float64(f409) / float64(total) * 100
	}

	results := map[string]any{
		"workload":          workload,
		"duration_sec":      d.Seconds(),
		"total_requests":    total,
		"throughput_tps":    float64(total) / d.Seconds(),
		"accepted":          atomic.LoadUint64(&accepted),
		"replayed":          atomic.LoadUint64(&replayed),
		"conflicts":         f409,
		"conflict_rate_pct": conflictRate,
		"rejected":          atomic.LoadUint64(&rejected),
		"errors":            atomic.LoadUint64(&failOther),
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		logger.Error("failed to write results file", err, logger.Fields{"file": filename})
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
