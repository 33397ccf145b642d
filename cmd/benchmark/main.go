// Benchmark tool for testing Kestrel against synthetic visitor profiles.
//
// Usage:
//
//	go run cmd/benchmark/main.go -url http://localhost:8080 -count 5000
//
// This tool:
//  1. Generates labeled device-signal profiles (clean browsers and bots)
//  2. Sends each profile to Kestrel for ingest + evaluation
//  3. Compares Kestrel's verdict (isSuspicious) with the known label
//  4. Calculates precision, recall, F1-score, and confusion matrix
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
)

// Profile is one labeled synthetic visitor.
type Profile struct {
	Seq     int
	Signals map[string]any
	IsBot   bool
}

// IngestResponse is the Kestrel API response format.
type IngestResponse struct {
	Identity struct {
		ID string `json:"id"`
	} `json:"identity"`
	Evaluation *struct {
		IsSuspicious bool    `json:"isSuspicious"`
		RiskScore    int     `json:"riskScore"`
		MLScore      float64 `json:"mlScore"`
	} `json:"evaluation"`
}

// Metrics tracks benchmark results.
type Metrics struct {
	TruePositives  int64 // Bot flagged as suspicious
	FalsePositives int64 // Clean flagged as suspicious
	TrueNegatives  int64 // Clean passed
	FalseNegatives int64 // Bot passed (missed!)

	TotalProcessed int64
	TotalBots      int64
	TotalClean     int64
	TotalErrors    int64

	ProcessingTimeMs int64
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	count := flag.Int("count", 5000, "Number of synthetic profiles to send")
	botRate := flag.Float64("bot-rate", 0.2, "Fraction of profiles that are bots (0.0-1.0)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	seed := flag.Int64("seed", 1, "RNG seed for reproducible profiles")
	verbose := flag.Bool("verbose", false, "Print each profile result")
	flag.Parse()

	fmt.Println("KESTREL BENCHMARK - synthetic visitor profiles")
	fmt.Printf("\nKestrel URL: %s\n", *baseURL)
	fmt.Printf("Profiles:    %d\n", *count)
	fmt.Printf("Bot rate:    %.2f\n", *botRate)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Println()

	// Check Kestrel is running
	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run cmd/kestrel/main.go")
		os.Exit(1)
	}
	fmt.Println("Kestrel is healthy")

	rng := rand.New(rand.NewSource(*seed))
	profiles := generateProfiles(rng, *count, *botRate)

	botCount := 0
	for _, p := range profiles {
		if p.IsBot {
			botCount++
		}
	}
	fmt.Printf("Generated %d profiles (%d bots, %d clean)\n", len(profiles), botCount, len(profiles)-botCount)

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(profiles, *baseURL, *workers, *verbose)
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

var platforms = []string{"Win32", "MacIntel", "Linux x86_64"}
var timezones = []string{"America/New_York", "Europe/London", "Asia/Tokyo", "Europe/Berlin"}
var languages = []string{"en-US", "en-GB", "de-DE", "ja-JP"}

// generateProfiles builds labeled visitor profiles. Clean profiles look
// like ordinary desktop browsers with unique canvas fingerprints; bot
// profiles carry automation flags, missing hardware, or evasion markers.
func generateProfiles(rng *rand.Rand, count int, botRate float64) []Profile {
	profiles := make([]Profile, 0, count)

	for i := 0; i < count; i++ {
		isBot := rng.Float64() < botRate

		signals := map[string]any{
			"hardwareConcurrency": 4 + rng.Intn(12),
			"deviceMemory":        4 + 4*rng.Intn(3),
			"platform":            platforms[rng.Intn(len(platforms))],
			"userAgent":           "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36",
			"timezone":            timezones[rng.Intn(len(timezones))],
			"language":            languages[rng.Intn(len(languages))],
			"screen": map[string]any{
				"width":  1280 + 160*rng.Intn(5),
				"height": 720 + 120*rng.Intn(4),
			},
			"canvasHash": fmt.Sprintf("canvas-%d-%d", i, rng.Int63()),
			"webglHash":  fmt.Sprintf("webgl-%d-%d", i, rng.Int63()),
			"audioHash":  fmt.Sprintf("audio-%d-%d", i, rng.Int63()),
			"capabilities": map[string]any{
				"webgl":          true,
				"localStorage":   true,
				"sessionStorage": true,
				"permissions":    true,
				"mediaDevices":   true,
			},
			"plugins":  []any{"PDF Viewer", "Chrome PDF Viewer"},
			"timingMs": 200.0 + rng.Float64()*400,
		}

		if isBot {
			// Mix of bot archetypes so the detector set is exercised evenly.
			switch rng.Intn(3) {
			case 0: // headless automation
				signals["automationFlags"] = map[string]any{
					"webdriver": true,
					"headless":  true,
				}
				signals["plugins"] = []any{}
			case 1: // hollow environment
				signals["hardwareConcurrency"] = 0
				signals["deviceMemory"] = 0
				signals["plugins"] = []any{}
				signals["capabilities"] = map[string]any{
					"webgl":          false,
					"localStorage":   false,
					"sessionStorage": false,
				}
			case 2: // anti-detect browser
				signals["canvasHash"] = "blocked"
				signals["userAgent"] = "Mozilla/5.0 HeadlessChrome/120.0"
				signals["timingMs"] = 30.0
				signals["capabilities"] = map[string]any{
					"webgl":          true,
					"localStorage":   true,
					"sessionStorage": true,
					"permissions":    false,
					"mediaDevices":   false,
				}
			}
		}

		profiles = append(profiles, Profile{Seq: i, Signals: signals, IsBot: isBot})
	}

	return profiles
}

func runBenchmark(profiles []Profile, baseURL string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	work := make(chan Profile, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for p := range work {
				start := time.Now()
				result, err := ingestProfile(client, baseURL, p)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil || result.Evaluation == nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: profile %d -> %v\n", p.Seq, err)
					}
					continue
				}

				if p.IsBot {
					atomic.AddInt64(&metrics.TotalBots, 1)
				} else {
					atomic.AddInt64(&metrics.TotalClean, 1)
				}

				predicted := result.Evaluation.IsSuspicious
				actual := p.IsBot

				if predicted && actual {
					atomic.AddInt64(&metrics.TruePositives, 1)
				} else if predicted && !actual {
					atomic.AddInt64(&metrics.FalsePositives, 1)
				} else if !predicted && !actual {
					atomic.AddInt64(&metrics.TrueNegatives, 1)
				} else {
					atomic.AddInt64(&metrics.FalseNegatives, 1)
				}

				if verbose {
					mark := "ok"
					if predicted != actual {
						mark = "MISS"
					}
					fmt.Printf("%-4s profile %5d | bot: %-5v | verdict: %-5v | score: %d | ml: %.2f\n",
						mark, p.Seq, actual, predicted,
						result.Evaluation.RiskScore, result.Evaluation.MLScore)
				}
			}
		}()
	}

	for _, p := range profiles {
		work <- p
	}
	close(work)

	wg.Wait()

	return metrics
}

func ingestProfile(client *http.Client, baseURL string, p Profile) (*IngestResponse, error) {
	body, err := json.Marshal(map[string]any{"signals": p.Signals})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/identities", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result IngestResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\nBENCHMARK RESULTS")

	fmt.Printf("\nDATASET STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Total Bots:       %d\n", m.TotalBots)
	fmt.Printf("   Total Clean:      %d\n", m.TotalClean)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                         Predicted")
	fmt.Println("                  Suspicious      Clean")
	fmt.Printf("   Actual  Bot   %10d %10d  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Printf("         Clean   %10d %10d  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)

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
		f1 = 2 * precision * recall / (precision + recall)
	}

	accuracy := float64(0)
	if m.TotalProcessed > 0 {
		accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(m.TotalProcessed)
	}

	fmt.Printf("\nDETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f\n", precision)
	fmt.Printf("   Recall:     %.4f\n", recall)
	fmt.Printf("   F1 Score:   %.4f\n", f1)
	fmt.Printf("   Accuracy:   %.4f\n", accuracy)

	avgMs := float64(0)
	if m.TotalProcessed > 0 {
		avgMs = float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
	}

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Duration:     %s\n", duration.Round(time.Millisecond))
	fmt.Printf("   Avg Latency:  %.1f ms\n", avgMs)
	fmt.Printf("   Throughput:   %.1f req/s\n", float64(m.TotalProcessed)/duration.Seconds())
	fmt.Println()
}
