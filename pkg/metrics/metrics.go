package metrics

import (
	"strings"
	"sync"
	"time"
)

// Pipeline stage names used as latency keys.
const (
	StageAuthenticate = "authenticate"
	StageClassify     = "classify"
	StageIntent       = "intent"
	StageRateLimit    = "rate_limit"
)

type Registry struct {
	mu            sync.RWMutex
	verdict       map[string]int64
	reason        map[string]int64
	verdictReason map[string]int64
	gauges        map[string]float64
	stageLatency  map[string]*LatencyStat
}

type LatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt    string                 `json:"generated_at"`
	Verdicts       map[string]int64       `json:"verdicts"`
	Reasons        map[string]int64       `json:"reasons"`
	VerdictReasons map[string]int64       `json:"verdict_reasons"`
	Gauges         map[string]float64     `json:"gauges"`
	StageLatencyMS map[string]LatencyStat `json:"stage_latency_ms"`
}

func NewRegistry() *Registry {
	return &Registry{
		verdict:       map[string]int64{},
		reason:        map[string]int64{},
		verdictReason: map[string]int64{},
		gauges:        map[string]float64{},
		stageLatency:  map[string]*LatencyStat{},
	}
}

func (r *Registry) IncVerdict(verdict string) {
	if verdict == "" {
		return
	}
	r.mu.Lock()
	r.verdict[verdict]++
	r.mu.Unlock()
}

func (r *Registry) IncReason(reason string) {
	if reason == "" {
		return
	}
	r.mu.Lock()
	r.reason[reason]++
	r.mu.Unlock()
}

func (r *Registry) IncVerdictReason(verdict, reason string) {
	verdict = strings.TrimSpace(verdict)
	reason = strings.TrimSpace(reason)
	if verdict == "" {
		return
	}
	if reason == "" {
		reason = "UNKNOWN"
	}
	key := verdict + "|" + reason
	r.mu.Lock()
	r.verdictReason[key]++
	r.mu.Unlock()
}

func (r *Registry) ObserveStageLatency(stage string, d time.Duration) {
	if stage == "" {
		return
	}
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.stageLatency[stage]
	if !ok {
		stat = &LatencyStat{}
		r.stageLatency[stage] = stat
	}
	stat.Count++
	stat.TotalMS += ms
	stat.LastMS = ms
	if ms > stat.MaxMS {
		stat.MaxMS = ms
	}
	stat.AvgMS = float64(stat.TotalMS) / float64(stat.Count)
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:    time.Now().UTC().Format(time.RFC3339),
		Verdicts:       make(map[string]int64, len(r.verdict)),
		Reasons:        make(map[string]int64, len(r.reason)),
		VerdictReasons: make(map[string]int64, len(r.verdictReason)),
		Gauges:         make(map[string]float64, len(r.gauges)),
		StageLatencyMS: make(map[string]LatencyStat, len(r.stageLatency)),
	}
	for k, v := range r.verdict {
		out.Verdicts[k] = v
	}
	for k, v := range r.reason {
		out.Reasons[k] = v
	}
	for k, v := range r.verdictReason {
		out.VerdictReasons[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	for k, v := range r.stageLatency {
		out.StageLatencyMS[k] = *v
	}
	return out
}
