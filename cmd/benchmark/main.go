// Benchmark tool for exercising Kestrel with synthetic behavioral sessions.
//
// Usage:
//
//	go run ./cmd/benchmark -url http://localhost:5000 -users 50 -sessions 20
//
// This tool:
//  1. Generates a typing and pointer rhythm per synthetic user
//  2. Warms each user's profile with genuine sessions
//  3. Sends a mix of genuine and impostor sessions to /api/collect_behavior
//  4. Compares Kestrel's action (allow vs step-up) with the impostor label
//  5. Reports latency percentiles and the action distribution
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/decoder"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Rhythm describes how a synthetic user types and moves the pointer.
type Rhythm struct {
	DwellMs    float64
	FlightMs   float64
	Jitter     float64
	PointerPx  float64
	PointerGap float64
}

// Session is one request to send.
type Session struct {
	UserID   string
	Impostor bool
	Warmup   bool
	Payload  string
}

// CollectRequest is the Kestrel API request format
type CollectRequest struct {
	UserID      string `json:"userId"`
	SessionData string `json:"sessionData"`
	Timestamp   int64  `json:"timestamp"`
}

// CollectResponse is the Kestrel API response format
type CollectResponse struct {
	Status    string  `json:"status"`
	SessionID string  `json:"session_id"`
	RiskScore float64 `json:"risk_score"`
	Action    string  `json:"action"`
}

// Metrics tracks benchmark results
type Metrics struct {
	TruePositives  int64 // Impostor stepped up or denied
	FalsePositives int64 // Genuine user stepped up or denied
	TrueNegatives  int64 // Genuine user allowed
	FalseNegatives int64 // Impostor allowed

	TotalProcessed int64
	TotalErrors    int64

	mu        sync.Mutex
	latencies []time.Duration
	actions   map[string]int
}

func (m *Metrics) record(latency time.Duration, action string) {
	m.mu.Lock()
	m.latencies = append(m.latencies, latency)
	m.actions[action]++
	m.mu.Unlock()
}

func main() {
	baseURL := flag.String("url", "http://localhost:5000", "Kestrel base URL")
	users := flag.Int("users", 50, "Number of synthetic users")
	warmup := flag.Int("warmup", 10, "Genuine sessions per user before measuring")
	sessions := flag.Int("sessions", 20, "Measured sessions per user")
	impostorRate := flag.Float64("impostor", 0.1, "Fraction of measured sessions from an impostor (0.0-1.0)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	seed := flag.Int64("seed", 1, "Random seed")
	verbose := flag.Bool("verbose", false, "Print each session result")
	flag.Parse()

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║        KESTREL BENCHMARK - Synthetic Behavioral Sessions      ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nKestrel URL:   %s\n", *baseURL)
	fmt.Printf("Users:         %d\n", *users)
	fmt.Printf("Warmup:        %d per user\n", *warmup)
	fmt.Printf("Sessions:      %d per user\n", *sessions)
	fmt.Printf("Impostor Rate: %.2f\n", *impostorRate)
	fmt.Printf("Workers:       %d\n", *workers)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run ./cmd/kestrel")
		os.Exit(1)
	}
	fmt.Println("✓ Kestrel is healthy")

	rng := rand.New(rand.NewSource(*seed))
	runID := time.Now().Format("20060102150405")
	warm, measured, err := generateSessions(rng, runID, *users, *warmup, *sessions, *impostorRate)
	if err != nil {
		fmt.Printf("ERROR: Failed to generate sessions: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Generated %d warmup and %d measured sessions\n", len(warm), len(measured))

	// Warmup runs per user in order so each profile converges before measuring.
	fmt.Printf("\nWarming %d profiles...\n", *users)
	runBenchmark(warm, *baseURL, *workers, false)

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(measured, *baseURL, *workers, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func randomRhythm(rng *rand.Rand) Rhythm {
	return Rhythm{
		DwellMs:    60 + rng.Float64()*120,
		FlightMs:   80 + rng.Float64()*200,
		Jitter:     0.05 + rng.Float64()*0.15,
		PointerPx:  5 + rng.Float64()*40,
		PointerGap: 10 + rng.Float64()*40,
	}
}

func generateSessions(rng *rand.Rand, runID string, users, warmup, sessions int, impostorRate float64) ([]Session, []Session, error) {
	var warm, measured []Session

	for u := 0; u < users; u++ {
		userID := fmt.Sprintf("bench-%s-%04d", runID, u)
		genuine := randomRhythm(rng)

		for i := 0; i < warmup; i++ {
			payload, err := encodeSession(rng, genuine)
			if err != nil {
				return nil, nil, err
			}
			warm = append(warm, Session{UserID: userID, Warmup: true, Payload: payload})
		}

		for i := 0; i < sessions; i++ {
			rhythm, impostor := genuine, rng.Float64() < impostorRate
			if impostor {
				rhythm = randomRhythm(rng)
			}
			payload, err := encodeSession(rng, rhythm)
			if err != nil {
				return nil, nil, err
			}
			measured = append(measured, Session{UserID: userID, Impostor: impostor, Payload: payload})
		}
	}

	rng.Shuffle(len(measured), func(i, j int) { measured[i], measured[j] = measured[j], measured[i] })
	return warm, measured, nil
}

// encodeSession renders 20-40 keystrokes and a pointer trail with the given rhythm.
func encodeSession(rng *rand.Rand, r Rhythm) (string, error) {
	vary := func(v float64) float64 { return v * (1 + r.Jitter*rng.NormFloat64()) }

	var events []domain.RawEvent
	t := time.Now().UnixMilli()
	keys := 20 + rng.Intn(20)
	for i := 0; i < keys; i++ {
		code := 65 + rng.Intn(26)
		events = append(events, domain.RawEvent{Kind: domain.KindKeyDown, Timestamp: t, Key: &domain.KeyData{KeyCode: code}})
		t += int64(max(1, vary(r.DwellMs)))
		events = append(events, domain.RawEvent{Kind: domain.KindKeyUp, Timestamp: t, Key: &domain.KeyData{KeyCode: code}})
		t += int64(max(1, vary(r.FlightMs)))
	}

	x, y := 400.0, 300.0
	moves := 30 + rng.Intn(30)
	for i := 0; i < moves; i++ {
		x += vary(r.PointerPx) * rng.NormFloat64()
		y += vary(r.PointerPx) * rng.NormFloat64()
		px, py := x, y
		events = append(events, domain.RawEvent{Kind: domain.KindPointerMove, Timestamp: t, Pointer: &domain.PointerData{X: &px, Y: &py}})
		t += int64(max(1, vary(r.PointerGap)))
	}
	events = append(events, domain.RawEvent{Kind: domain.KindPointerClick, Timestamp: t, Pointer: &domain.PointerData{X: &x, Y: &y}})

	return decoder.Encode(events)
}

func runBenchmark(sessions []Session, baseURL string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{actions: make(map[string]int)}

	// Sessions for the same user go to the same worker so warmup stays ordered.
	queues := make([]chan Session, numWorkers)
	var wg sync.WaitGroup

	for i := range queues {
		queues[i] = make(chan Session, 100)
		wg.Add(1)
		go func(work <-chan Session) {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for s := range work {
				start := time.Now()
				result, err := collect(client, baseURL, s)
				elapsed := time.Since(start)

				atomic.AddInt64(&metrics.TotalProcessed, 1)
				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", s.UserID, err)
					}
					continue
				}
				metrics.record(elapsed, result.Action)

				predicted := result.Action != string(domain.ActionAllow)
				switch {
				case predicted && s.Impostor:
					atomic.AddInt64(&metrics.TruePositives, 1)
				case predicted && !s.Impostor:
					atomic.AddInt64(&metrics.FalsePositives, 1)
				case !predicted && !s.Impostor:
					atomic.AddInt64(&metrics.TrueNegatives, 1)
				default:
					atomic.AddInt64(&metrics.FalseNegatives, 1)
				}

				if verbose {
					status := "✓"
					if predicted != s.Impostor {
						status = "✗"
					}
					fmt.Printf("%s %-24s | Impostor: %-5v | Kestrel: %-11s (%.4f) | %v\n",
						status, s.UserID, s.Impostor, result.Action, result.RiskScore, elapsed.Round(time.Microsecond))
				}
			}
		}(queues[i])
	}

	for _, s := range sessions {
		queues[shard(s.UserID, numWorkers)] <- s
	}
	for _, q := range queues {
		close(q)
	}

	wg.Wait()
	return metrics
}

func shard(userID string, n int) int {
	var h uint32
	for i := 0; i < len(userID); i++ {
		h = h*31 + uint32(userID[i])
	}
	return int(h % uint32(n))
}

func collect(client *http.Client, baseURL string, s Session) (*CollectResponse, error) {
	body, err := json.Marshal(CollectRequest{
		UserID:      s.UserID,
		SessionData: s.Payload,
		Timestamp:   time.Now().UnixMilli(),
	})
	if err != nil {
		return nil, err
	}

	resp, err := client.Post(baseURL+"/api/collect_behavior", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result CollectResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 SESSIONS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\n🧭 ACTIONS\n")
	for _, action := range []domain.Action{domain.ActionAllow, domain.ActionRequire2FA, domain.ActionDeny} {
		n := m.actions[string(action)]
		share := 0.0
		if len(m.latencies) > 0 {
			share = 100 * float64(n) / float64(len(m.latencies))
		}
		fmt.Printf("   %-12s %8d (%.2f%%)\n", action, n, share)
	}

	fmt.Printf("\n📈 CONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                   STEP-UP      ALLOW")
	fmt.Println("              ┌──────────┬──────────┐")
	fmt.Printf("   Actual  I  │ %8d │ %8d │  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              ├──────────┼──────────┤")
	fmt.Printf("           G  │ %8d │ %8d │  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Println("              └──────────┴──────────┘")

	precision := float64(0)
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}
	recall := float64(0)
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}
	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}

	fmt.Printf("\n🎯 DETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of step-ups, how many were impostors)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of impostors, how many were stepped up)\n", recall)
	fmt.Printf("   F1-Score:   %.4f\n", f1)

	sort.Slice(m.latencies, func(i, j int) bool { return m.latencies[i] < m.latencies[j] })
	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if len(m.latencies) > 0 {
		fmt.Printf("   p50 Latency:      %v\n", percentile(m.latencies, 0.50).Round(time.Microsecond))
		fmt.Printf("   p95 Latency:      %v\n", percentile(m.latencies, 0.95).Round(time.Microsecond))
		fmt.Printf("   p99 Latency:      %v\n", percentile(m.latencies, 0.99).Round(time.Microsecond))
		fmt.Printf("   Max Latency:      %v\n", m.latencies[len(m.latencies)-1].Round(time.Microsecond))
		fmt.Printf("   Throughput:       %.2f sessions/sec\n", float64(m.TotalProcessed)/duration.Seconds())
	}

	fmt.Println()
}
