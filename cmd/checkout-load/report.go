package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"sync"
	"time"
)

type latencySummary struct {
	Min float64 `json:"min"`
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
	Max float64 `json:"max"`
}

type methodReport struct {
	Calls     int64            `json:"calls"`
	Outcomes  map[string]int64 `json:"outcomes"`
	LatencyMs latencySummary   `json:"latency_ms"`
}

type report struct {
	StartedAt       time.Time               `json:"started_at"`
	DurationSeconds float64                 `json:"duration_seconds"`
	Scenarios       int64                   `json:"scenarios"`
	Results         map[string]int64        `json:"results"`
	ScenariosPerSec float64                 `json:"scenarios_per_sec"`
	ScenarioLatency latencySummary          `json:"scenario_latency_ms"`
	Methods         map[string]methodReport `json:"methods"`
}

// Failed: число сценариев, закончившихся неожиданной ошибкой.
func (r report) Failed() int64 { return r.Results[resultFailed] }

type series struct {
	outcomes  map[string]int64
	latencies []float64
}

func (s *series) add(outcome string, latency time.Duration) {
	if s.outcomes == nil {
		s.outcomes = make(map[string]int64)
	}
	s.outcomes[outcome]++
	s.latencies = append(s.latencies, float64(latency.Microseconds())/1000)
}

func (s *series) calls() int64 { return int64(len(s.latencies)) }

type collector struct {
	mu        sync.Mutex
	scenarios series
	methods   map[string]*series
}

func newCollector() *collector {
	return &collector{methods: make(map[string]*series)}
}

func (c *collector) call(method, outcome string, latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.methods[method]
	if !ok {
		s = &series{}
		c.methods[method] = s
	}
	s.add(outcome, latency)
}

func (c *collector) scenario(result string, latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scenarios.add(result, latency)
}

func (c *collector) report(started time.Time, elapsed time.Duration) report {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := report{
		StartedAt:       started.UTC(),
		DurationSeconds: elapsed.Seconds(),
		Scenarios:       c.scenarios.calls(),
		Results:         copyCounts(c.scenarios.outcomes),
		ScenarioLatency: summarize(c.scenarios.latencies),
		Methods:         make(map[string]methodReport, len(c.methods)),
	}
	if elapsed > 0 {
		out.ScenariosPerSec = float64(out.Scenarios) / elapsed.Seconds()
	}
	for name, s := range c.methods {
		out.Methods[name] = methodReport{
			Calls:     s.calls(),
			Outcomes:  copyCounts(s.outcomes),
			LatencyMs: summarize(s.latencies),
		}
	}
	return out
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func summarize(values []float64) latencySummary {
	if len(values) == 0 {
		return latencySummary{}
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	return latencySummary{
		Min: sorted[0],
		Avg: sum / float64(len(sorted)),
		P50: percentile(sorted, 50),
		P95: percentile(sorted, 95),
		P99: percentile(sorted, 99),
		Max: sorted[len(sorted)-1],
	}
}

// percentile: линейная интерполяция между соседними рангами отсортированной выборки.
func percentile(sorted []float64, p float64) float64 {
	switch len(sorted) {
	case 0:
		return 0
	case 1:
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo, hi := int(math.Floor(rank)), int(math.Ceil(rank))
	return sorted[lo] + (sorted[hi]-sorted[lo])*(rank-float64(lo))
}

func printReport(w io.Writer, r report, cfg config) {
	fmt.Fprintf(w, "checkout load: scenario=%s variant=%s run=%s\n", cfg.scenario, cfg.variantID, cfg.target())
	fmt.Fprintf(w, "scenarios=%d ok=%d rejected=%d failed=%d aborted=%d rate=%.2f/s\n",
		r.Scenarios, r.Results[resultOK], r.Results[resultRejected], r.Results[resultFailed], r.Results[resultAborted], r.ScenariosPerSec)
	fmt.Fprintf(w, "scenario latency ms: p50=%.2f p95=%.2f p99=%.2f max=%.2f\n",
		r.ScenarioLatency.P50, r.ScenarioLatency.P95, r.ScenarioLatency.P99, r.ScenarioLatency.Max)

	names := make([]string, 0, len(r.Methods))
	for name := range r.Methods {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		m := r.Methods[name]
		fmt.Fprintf(w, "%s: calls=%d p95=%.2fms outcomes=%v\n", name, m.Calls, m.LatencyMs.P95, m.Outcomes)
	}
}

func writeReport(path string, r report) error {
	file, err := os.Create(path) // #nosec G304 -- путь задаёт оператор через -output.
	if err != nil {
		return err
	}
	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}
