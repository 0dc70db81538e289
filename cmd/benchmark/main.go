// Benchmark tool for measuring how well a Kestrel deployment catches known
// catalogue defects.
//
// Usage:
//
//	go run ./cmd/benchmark --url http://localhost:8080 --records 200 --defects 0.3
//
// This tool:
//  1. Generates source products and a target copy with injected defects
//  2. Uploads each pair as a test set and configures KPIs
//  3. Evaluates every test set and flags records scoring at or below the threshold
//  4. Compares flags with the injected labels: precision, recall, F1 and throughput
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	flag "github.com/spf13/pflag"

	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Defect kinds injected into target rows.
const (
	defectNone       = ""
	defectTitleCase  = "title_case"
	defectBrandEmpty = "brand_empty"
	defectPrice      = "price_changed"
)

var defectKinds = []string{defectTitleCase, defectBrandEmpty, defectPrice}

// defaultKPIs work with the rules evaluator and read naturally to an LLM.
var defaultKPIs = []domain.KPI{
	{ID: 1, Name: "Title fidelity", Description: "The target title is exactly the source title.", Expression: "source.Title == target.Title"},
	{ID: 2, Name: "Brand present", Description: "The target names the same, non-empty brand as the source.", Expression: `target.Brand != "" && source.Brand == target.Brand`},
	{ID: 3, Name: "Price", Description: "The target price equals the source price.", Expression: "source.Price == target.Price"},
}

// testSet is one generated source/target pair with its labels.
type testSet struct {
	Source []domain.Row
	Target []domain.Row
	Labels map[string]string // MSID -> defect kind
}

// Metrics tracks benchmark results
type Metrics struct {
	TruePositives  int64 // Defective record flagged
	FalsePositives int64 // Clean record flagged
	TrueNegatives  int64 // Clean record passed
	FalseNegatives int64 // Defective record passed (missed defect!)

	TotalRecords   int64
	TotalDefective int64
	TotalClean     int64
	FailedRecords  int64 // fell back to the failed score
	TotalErrors    int64 // test sets that could not be evaluated

	ProcessingTimeMs int64
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	sets := flag.Int("sets", 4, "Number of test sets")
	records := flag.Int("records", 100, "Records per test set")
	defectRate := flag.Float64("defects", 0.3, "Fraction of target records with an injected defect (0.0-1.0)")
	threshold := flag.Int("threshold", 2, "Scores at or below this flag a record")
	kpiPath := flag.String("kpis", "", "KPI definition file (default: built-in rules KPIs)")
	workers := flag.Int("workers", 2, "Number of test sets evaluated concurrently")
	seed := flag.Uint64("seed", 1, "Random seed for data generation")
	timeout := flag.Duration("timeout", 10*time.Minute, "HTTP timeout per request")
	verbose := flag.Bool("verbose", false, "Print each misclassified record")
	flag.Parse()

	kpis := defaultKPIs
	if *kpiPath != "" {
		loaded, err := config.LoadKPIs(*kpiPath)
		if err != nil {
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
		kpis = loaded
	}

	fmt.Println("KESTREL BENCHMARK - injected catalogue defects")
	fmt.Printf("\nKestrel URL:  %s\n", *baseURL)
	fmt.Printf("Test sets:    %d x %d records\n", *sets, *records)
	fmt.Printf("Defect rate:  %.2f\n", *defectRate)
	fmt.Printf("Threshold:    <= %d\n", *threshold)
	fmt.Printf("Workers:      %d\n", *workers)
	fmt.Println()

	client := &http.Client{Timeout: *timeout}
	if err := checkHealth(client, *baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run ./cmd/kestrel serve --evaluator rules")
		os.Exit(1)
	}
	fmt.Println("Kestrel is healthy")

	rng := rand.New(rand.NewPCG(*seed, *seed))
	generated := make([]testSet, *sets)
	for i := range generated {
		generated[i] = generate(rng, i, *records, *defectRate)
	}

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(client, *baseURL, generated, kpis, *threshold, *workers, *verbose)
	duration := time.Since(startTime)

	printResults(os.Stdout, metrics, duration)
}

func checkHealth(client *http.Client, baseURL string) error {
	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// generate builds one source/target pair. Each target row carries at most
// one defect.
func generate(rng *rand.Rand, set, n int, defectRate float64) testSet {
	brands := []string{"Acme", "Globex", "Initech", "Umbrella", "Hooli"}
	items := []string{"Running Shoe", "Wool Hat", "Leather Belt", "Rain Jacket", "Canvas Bag"}
	colors := []string{"Red", "Blue", "Black", "Green", "White"}

	ts := testSet{
		Source: make([]domain.Row, 0, n),
		Target: make([]domain.Row, 0, n),
		Labels: make(map[string]string, n),
	}
	for i := 0; i < n; i++ {
		msid := fmt.Sprintf("S%02d-%05d", set, i)
		title := colors[rng.IntN(len(colors))] + " " + items[rng.IntN(len(items))]
		brand := brands[rng.IntN(len(brands))]
		price := strconv.FormatFloat(float64(500+rng.IntN(20000))/100, 'f', 2, 64)

		src := domain.Row{"MSID": msid, "Title": title, "Brand": brand, "Price": price}
		tgt := domain.Row{"MSID": msid, "Title": title, "Brand": brand, "Price": price}

		kind := defectNone
		if rng.Float64() < defectRate {
			kind = defectKinds[rng.IntN(len(defectKinds))]
			inject(tgt, kind)
		}
		ts.Source = append(ts.Source, src)
		ts.Target = append(ts.Target, tgt)
		ts.Labels[msid] = kind
	}
	return ts
}

func inject(row domain.Row, kind string) {
	switch kind {
	case defectTitleCase:
		row["Title"] = strings.ToLower(row["Title"].(string))
	case defectBrandEmpty:
		row["Brand"] = ""
	case defectPrice:
		p, _ := strconv.ParseFloat(row["Price"].(string), 64)
		row["Price"] = strconv.FormatFloat(p*1.1, 'f', 2, 64)
	}
}

// flagged reports whether any KPI scored at or below the threshold.
func flagged(res domain.EvaluationResult, threshold int) bool {
	for _, s := range res.Scores {
		if s.Score <= threshold {
			return true
		}
	}
	return false
}

// tally adds one evaluated test set to the metrics.
func tally(m *Metrics, ts testSet, results []domain.EvaluationResult, threshold int, verbose bool) {
	for i := range results {
		res := results[i]
		kind := ts.Labels[res.MSID]
		actual := kind != defectNone

		atomic.AddInt64(&m.TotalRecords, 1)
		if actual {
			atomic.AddInt64(&m.TotalDefective, 1)
		} else {
			atomic.AddInt64(&m.TotalClean, 1)
		}
		if res.Failed() {
			atomic.AddInt64(&m.FailedRecords, 1)
			continue
		}

		predicted := flagged(res, threshold)
		switch {
		case predicted && actual:
			atomic.AddInt64(&m.TruePositives, 1)
		case predicted && !actual:
			atomic.AddInt64(&m.FalsePositives, 1)
		case !predicted && !actual:
			atomic.AddInt64(&m.TrueNegatives, 1)
		default:
			atomic.AddInt64(&m.FalseNegatives, 1)
		}

		if verbose && predicted != actual {
			fmt.Printf("MISS %-12s | defect: %-13s | flagged: %v\n", res.MSID, kind, predicted)
		}
	}
}

func runBenchmark(client *http.Client, baseURL string, sets []testSet, kpis []domain.KPI, threshold, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	work := make(chan testSet)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ts := range work {
				start := time.Now()
				results, err := evaluateTestSet(client, baseURL, ts, kpis)
				atomic.AddInt64(&metrics.ProcessingTimeMs, time.Since(start).Milliseconds())
				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					fmt.Printf("ERROR: %v\n", err)
					continue
				}
				tally(metrics, ts, results, threshold, verbose)
			}
		}()
	}

	for _, ts := range sets {
		work <- ts
	}
	close(work)
	wg.Wait()

	return metrics
}

// evaluateTestSet uploads, configures and evaluates one test set, then
// deletes it.
func evaluateTestSet(client *http.Client, baseURL string, ts testSet, kpis []domain.KPI) ([]domain.EvaluationResult, error) {
	var created struct {
		TestSet struct {
			ID string `json:"id"`
		} `json:"testSet"`
	}
	body := map[string]any{"name": "benchmark", "source": ts.Source, "target": ts.Target}
	if err := call(client, http.MethodPost, baseURL+"/testsets", body, http.StatusCreated, &created); err != nil {
		return nil, fmt.Errorf("create test set: %w", err)
	}
	id := created.TestSet.ID
	defer func() {
		_ = call(client, http.MethodDelete, baseURL+"/testsets/"+id, nil, http.StatusNoContent, nil)
	}()

	if err := call(client, http.MethodPut, baseURL+"/testsets/"+id+"/kpis", kpis, http.StatusOK, nil); err != nil {
		return nil, fmt.Errorf("configure kpis: %w", err)
	}

	var evaluated struct {
		Results []domain.EvaluationResult `json:"results"`
		Warning string                    `json:"warning"`
	}
	if err := call(client, http.MethodPost, baseURL+"/testsets/"+id+"/evaluate", nil, http.StatusOK, &evaluated); err != nil {
		return nil, fmt.Errorf("evaluate: %w", err)
	}
	if evaluated.Warning != "" {
		fmt.Printf("WARNING: %s: %s\n", id, evaluated.Warning)
	}
	return evaluated.Results, nil
}

func call(client *http.Client, method, url string, in any, want int, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Scores derives the headline detection figures.
type Scores struct {
	Precision float64
	Recall    float64
	F1        float64
	Accuracy  float64
}

func (m *Metrics) Scores() Scores {
	var s Scores
	if m.TruePositives+m.FalsePositives > 0 {
		s.Precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}
	if m.TruePositives+m.FalseNegatives > 0 {
		s.Recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}
	if s.Precision+s.Recall > 0 {
		s.F1 = 2 * (s.Precision * s.Recall) / (s.Precision + s.Recall)
	}
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	if total > 0 {
		s.Accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(total)
	}
	return s
}

func printResults(w io.Writer, m *Metrics, duration time.Duration) {
	fmt.Fprintln(w, "\nBENCHMARK RESULTS")

	fmt.Fprintf(w, "\nDATASET\n")
	fmt.Fprintf(w, "   Records:         %d\n", m.TotalRecords)
	fmt.Fprintf(w, "   Defective:       %d\n", m.TotalDefective)
	fmt.Fprintf(w, "   Clean:           %d\n", m.TotalClean)
	fmt.Fprintf(w, "   Failed records:  %d\n", m.FailedRecords)
	fmt.Fprintf(w, "   Set errors:      %d\n", m.TotalErrors)

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle("Confusion matrix")
	t.AppendHeader(table.Row{"Actual", "Flagged", "Passed"})
	t.AppendRow(table.Row{"Defective", m.TruePositives, m.FalseNegatives})
	t.AppendRow(table.Row{"Clean", m.FalsePositives, m.TrueNegatives})
	fmt.Fprintln(w)
	t.Render()

	s := m.Scores()
	fmt.Fprintf(w, "\nDETECTION\n")
	fmt.Fprintf(w, "   Precision:  %.4f  (of flags, how many were real defects)\n", s.Precision)
	fmt.Fprintf(w, "   Recall:     %.4f  (of defects, how many were flagged)\n", s.Recall)
	fmt.Fprintf(w, "   F1-Score:   %.4f\n", s.F1)
	fmt.Fprintf(w, "   Accuracy:   %.4f\n", s.Accuracy)

	fmt.Fprintf(w, "\nPERFORMANCE\n")
	fmt.Fprintf(w, "   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalRecords > 0 && duration > 0 {
		fmt.Fprintf(w, "   Throughput:       %.2f records/sec\n", float64(m.TotalRecords)/duration.Seconds())
	}
	fmt.Fprintln(w)
}
