package observability

import (
	"maps"
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// Stages of one conversation turn.
const (
	StageResolve    = "resolve_session"
	StageClassify   = "classify_intent"
	StageQuery      = "query_handler"
	StageUnderstand = "understanding_call"
	StageFinalize   = "finalize_report"
	StageTurnTotal  = "turn_total"
)

// p95 budgets in milliseconds, reported next to the measured values.
var stageBudgetMS = map[string]float64{
	StageResolve:    5,
	StageClassify:   1500,
	StageQuery:      150,
	StageUnderstand: 2500,
	StageFinalize:   200,
	StageTurnTotal:  4000,
}

// TurnStageStats summarizes the retained samples of one stage.
type TurnStageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

// TurnIndicator counts a named turn outcome such as a degraded classification.
type TurnIndicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// TurnStageSnapshot is the body of the perf latency endpoint.
type TurnStageSnapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	WindowSize  int              `json:"window_size"`
	Stages      []TurnStageStats `json:"stages"`
	Indicators  []TurnIndicator  `json:"indicators,omitempty"`
}

// stageRing keeps the most recent samples of a stage, overwriting the oldest.
type stageRing struct {
	samples []float64
	pos     int
	last    float64
}

func (r *stageRing) add(ms float64, capacity int) {
	r.last = ms
	if len(r.samples) < capacity {
		r.samples = append(r.samples, ms)
		return
	}
	r.samples[r.pos] = ms
	r.pos = (r.pos + 1) % capacity
}

func (r *stageRing) stats(stage string) TurnStageStats {
	sorted := slices.Clone(r.samples)
	slices.Sort(sorted)
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	return TurnStageStats{
		Stage:       stage,
		Samples:     len(sorted),
		LastMS:      roundMS(r.last),
		AvgMS:       roundMS(sum / float64(len(sorted))),
		P50MS:       roundMS(nearestRank(sorted, 0.50)),
		P95MS:       roundMS(nearestRank(sorted, 0.95)),
		TargetP95MS: stageBudgetMS[stage],
	}
}

// stageWindow aggregates per-stage latency rings and indicator counters.
type stageWindow struct {
	mu         sync.Mutex
	capacity   int
	rings      map[string]*stageRing
	indicators map[string]int
}

func newStageWindow(capacity int) *stageWindow {
	if capacity <= 0 {
		capacity = 256
	}
	w := &stageWindow{capacity: capacity}
	w.clear()
	return w
}

func (w *stageWindow) clear() {
	w.rings = map[string]*stageRing{}
	w.indicators = map[string]int{}
}

func (w *stageWindow) observe(stage string, ms float64) {
	if stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.rings[stage]
	if r == nil {
		r = &stageRing{}
		w.rings[stage] = r
	}
	r.add(ms, w.capacity)
}

func (w *stageWindow) count(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	w.indicators[name]++
	w.mu.Unlock()
}

func (w *stageWindow) reset() {
	w.mu.Lock()
	w.clear()
	w.mu.Unlock()
}

func (w *stageWindow) snapshot() TurnStageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	snap := TurnStageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.capacity,
		Stages:      make([]TurnStageStats, 0, len(w.rings)),
	}
	for _, stage := range slices.Sorted(maps.Keys(w.rings)) {
		snap.Stages = append(snap.Stages, w.rings[stage].stats(stage))
	}
	for _, name := range slices.Sorted(maps.Keys(w.indicators)) {
		snap.Indicators = append(snap.Indicators, TurnIndicator{Name: name, Count: w.indicators[name]})
	}
	return snap
}

// nearestRank returns the smallest sample with at least q of the samples at or below it.
func nearestRank(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(q * float64(len(sorted))))
	rank = min(max(rank, 1), len(sorted))
	return sorted[rank-1]
}

func roundMS(v float64) float64 {
	return math.Round(v*100) / 100
}
