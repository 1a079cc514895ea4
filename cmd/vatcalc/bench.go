package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/vatcalc/internal/api"
	"github.com/opensource-finance/vatcalc/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	benchURL     string
	benchFile    string
	benchWorkers int
	benchLimit   int
	benchVerbose bool
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Replay a CSV of scenarios against a running server",
	Long: `Submit every scenario in a CSV file to POST /calculations twice, concurrently,
and check that each scenario produces the same calculation ID and total both
times.

The CSV needs a header row. Recognised columns (case-insensitive):
  serviceType, transactionVolume, frequency, countries, additionalServices, asOf, currency
countries and additionalServices are separated by ';'.`,
	Args: cobra.NoArgs,
	RunE: runBench,
}

func init() {
	f := benchCmd.Flags()
	f.StringVar(&benchURL, "url", "http://localhost:8080", "vatcalc API base URL")
	f.StringVar(&benchFile, "file", "", "scenario CSV file (required)")
	f.IntVar(&benchWorkers, "workers", 10, "number of concurrent workers")
	f.IntVar(&benchLimit, "limit", 0, "max scenarios to replay (0 = all)")
	f.BoolVar(&benchVerbose, "detailed", false, "print each calculation")
	benchCmd.MarkFlagRequired("file")
}

// BenchMetrics tracks replay results.
type BenchMetrics struct {
	TotalProcessed   int64
	TotalErrors      int64
	Mismatches       int64
	ProcessingTimeMs int64
}

// benchOutcome is what one run of a scenario produced.
type benchOutcome struct {
	ID    string
	Total decimal.Decimal
	Err   error
}

func runBench(cmd *cobra.Command, args []string) error {
	fmt.Println("vatcalc bench")
	fmt.Printf("  Target:   %s\n", benchURL)
	fmt.Printf("  Workers:  %d\n", benchWorkers)

	if err := checkHealth(benchURL); err != nil {
		return fmt.Errorf("server not healthy: %w", err)
	}

	f, err := os.Open(benchFile)
	if err != nil {
		return fmt.Errorf("open scenario file: %w", err)
	}
	defer f.Close()

	scenarios, err := readScenarios(f, benchLimit)
	if err != nil {
		return err
	}
	fmt.Printf("  Scenarios: %d\n", len(scenarios))

	start := time.Now()
	metrics := replay(scenarios, benchURL, benchWorkers, benchVerbose)
	printBenchResults(metrics, time.Since(start))

	if metrics.Mismatches > 0 {
		return fmt.Errorf("%d scenarios were not reproducible", metrics.Mismatches)
	}
	return nil
}

func checkHealth(baseURL string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// readScenarios parses a scenario CSV. A non-positive limit reads every row.
func readScenarios(r io.Reader, limit int) ([]api.CalculationRequest, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	colIndex := make(map[string]int, len(header))
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, required := range []string{"servicetype", "transactionvolume", "frequency", "countries"} {
		if _, ok := colIndex[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}

	field := func(record []string, name string) string {
		i, ok := colIndex[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var scenarios []api.CalculationRequest
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		volume, err := decimal.NewFromString(field(record, "transactionvolume"))
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid transactionVolume: %w", line, err)
		}

		scenarios = append(scenarios, api.CalculationRequest{
			ServiceType:        domain.ServiceType(field(record, "servicetype")),
			TransactionVolume:  volume,
			Frequency:          domain.FilingFrequency(field(record, "frequency")),
			Countries:          splitList(field(record, "countries")),
			AdditionalServices: splitList(field(record, "additionalservices")),
			AsOf:               field(record, "asof"),
			Currency:           field(record, "currency"),
		})

		if limit > 0 && len(scenarios) >= limit {
			break
		}
	}
	return scenarios, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ";") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// replay runs every scenario twice and compares the two outcomes.
func replay(scenarios []api.CalculationRequest, baseURL string, numWorkers int, verbose bool) *BenchMetrics {
	if numWorkers < 1 {
		numWorkers = 1
	}
	metrics := &BenchMetrics{}
	runs := [2][]benchOutcome{
		make([]benchOutcome, len(scenarios)),
		make([]benchOutcome, len(scenarios)),
	}

	type job struct {
		pass, index int
	}
	work := make(chan job, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for j := range work {
				start := time.Now()
				out := calculateRemote(client, baseURL, scenarios[j.index])
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)
				if out.Err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
				}
				runs[j.pass][j.index] = out

				if verbose {
					if out.Err != nil {
						fmt.Printf("ERROR: scenario %d -> %v\n", j.index+1, out.Err)
					} else {
						fmt.Printf("pass %d | scenario %-4d | %s | total %s\n", j.pass+1, j.index+1, out.ID, out.Total)
					}
				}
			}
		}()
	}

	for pass := range runs {
		for i := range scenarios {
			work <- job{pass: pass, index: i}
		}
	}
	close(work)
	wg.Wait()

	for i := range scenarios {
		first, second := runs[0][i], runs[1][i]
		if first.Err != nil || second.Err != nil {
			continue
		}
		if first.ID != second.ID || !first.Total.Equal(second.Total) {
			metrics.Mismatches++
			fmt.Printf("MISMATCH: scenario %d: %s/%s vs %s/%s\n", i+1, first.ID, first.Total, second.ID, second.Total)
		}
	}

	return metrics
}

func calculateRemote(client *http.Client, baseURL string, req api.CalculationRequest) benchOutcome {
	body, err := json.Marshal(req)
	if err != nil {
		return benchOutcome{Err: err}
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/calculations", bytes.NewReader(body))
	if err != nil {
		return benchOutcome{Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return benchOutcome{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&e)
		return benchOutcome{Err: fmt.Errorf("status %d: %s", resp.StatusCode, e.Error)}
	}

	var result domain.CalculationResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return benchOutcome{Err: err}
	}
	if result.ID == "" {
		return benchOutcome{Err: errors.New("response has no calculation id")}
	}
	return benchOutcome{ID: result.ID, Total: result.TotalCost}
}

func printBenchResults(m *BenchMetrics, duration time.Duration) {
	fmt.Println()
	fmt.Println("RESULTS")
	fmt.Printf("   Calculations:     %d\n", m.TotalProcessed)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)
	fmt.Printf("   Not reproducible: %d\n", m.Mismatches)

	fmt.Println()
	fmt.Println("PERFORMANCE")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		rps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f calc/sec\n", rps)
	}
	fmt.Println()
}
