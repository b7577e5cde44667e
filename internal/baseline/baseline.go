package baseline

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/panguard-ai/panguard-guard/internal/model"
)

// Dimension names a tracked aspect of normal host behavior
type Dimension string

const (
	DimensionProcess       Dimension = "process"
	DimensionRemoteAddress Dimension = "remote_address"
	DimensionListeningPort Dimension = "listening_port"
	DimensionLoginSource   Dimension = "login_source"
)

var baseConfidence = map[Dimension]int{
	DimensionListeningPort: 70,
	DimensionLoginSource:   75,
	DimensionProcess:       60,
	DimensionRemoteAddress: 55,
}

const (
	matureObservations = 100
	rareFraction       = 0.01
)

// Baseline is the learned profile of normal behavior for one host.
// It is written only while learning and read concurrently afterwards.
type Baseline struct {
	mu sync.RWMutex

	Counts      map[Dimension]map[string]int `json:"counts"`
	Categories  map[string]int               `json:"categories"`
	TotalEvents int                          `json:"total_events"`
	FirstSeen   time.Time                    `json:"first_seen"`
	LastUpdated time.Time                    `json:"last_updated"`
}

// New creates an empty baseline
func New() *Baseline {
	return &Baseline{
		Counts:     make(map[Dimension]map[string]int),
		Categories: make(map[string]int),
	}
}

// Observe folds an event into the baseline
func (b *Baseline) Observe(event model.SecurityEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.Counts == nil {
		b.Counts = make(map[Dimension]map[string]int)
	}
	if b.Categories == nil {
		b.Categories = make(map[string]int)
	}

	for dim, value := range observations(event) {
		if b.Counts[dim] == nil {
			b.Counts[dim] = make(map[string]int)
		}
		b.Counts[dim][value]++
	}
	if event.Category != "" {
		b.Categories[event.Category]++
	}

	b.TotalEvents++
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	if b.FirstSeen.IsZero() || ts.Before(b.FirstSeen) {
		b.FirstSeen = ts
	}
	if ts.After(b.LastUpdated) {
		b.LastUpdated = ts
	}
}

// Stats summarizes the baseline for status reporting
type Stats struct {
	TotalEvents int               `json:"total_events"`
	Dimensions  map[Dimension]int `json:"dimensions"`
	FirstSeen   time.Time         `json:"first_seen"`
	LastUpdated time.Time         `json:"last_updated"`
}

// Stats returns distinct value counts per dimension
func (b *Baseline) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	dims := make(map[Dimension]int, len(b.Counts))
	for d, values := range b.Counts {
		dims[d] = len(values)
	}
	return Stats{
		TotalEvents: b.TotalEvents,
		Dimensions:  dims,
		FirstSeen:   b.FirstSeen,
		LastUpdated: b.LastUpdated,
	}
}

// observations extracts the dimension values an event carries
func observations(event model.SecurityEvent) map[Dimension]string {
	out := make(map[Dimension]string, 2)

	switch event.Source {
	case model.SourceProcess:
		if name, ok := event.MetaString("processName"); ok && name != "" {
			out[DimensionProcess] = name
		}
	case model.SourceNetwork:
		if status, _ := event.MetaString("status"); status == "LISTEN" {
			if port, ok := event.MetaString("localPort"); ok && port != "" && port != "0" {
				out[DimensionListeningPort] = port
			}
		} else if addr, ok := event.MetaString("remoteAddr"); ok && addr != "" {
			out[DimensionRemoteAddress] = addr
		}
	}

	if event.Category == "authentication" {
		if src, ok := event.MetaString("sourceIP"); ok && src != "" {
			out[DimensionLoginSource] = src
		}
	}
	return out
}

// DeviationResult is the outcome of a baseline check
type DeviationResult struct {
	IsDeviation   bool   `json:"is_deviation"`
	DeviationType string `json:"deviation_type,omitempty"`
	Description   string `json:"description,omitempty"`
	Confidence    int    `json:"confidence"`
	Value         string `json:"value,omitempty"`
}

// CheckDeviation compares an event with the baseline. It does not modify
// the baseline and returns the same result for the same inputs. A nil or
// empty baseline never reports a deviation.
func CheckDeviation(b *Baseline, event model.SecurityEvent) DeviationResult {
	if b == nil {
		return DeviationResult{}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.TotalEvents == 0 {
		return DeviationResult{}
	}

	obs := observations(event)
	var best DeviationResult
	for _, dim := range []Dimension{DimensionLoginSource, DimensionListeningPort, DimensionProcess, DimensionRemoteAddress} {
		value, ok := obs[dim]
		if !ok {
			continue
		}
		res := b.checkDimension(dim, value)
		if res.IsDeviation && res.Confidence > best.Confidence {
			best = res
		}
	}
	return best
}

func (b *Baseline) checkDimension(dim Dimension, value string) DeviationResult {
	values := b.Counts[dim]
	total := 0
	for _, n := range values {
		total += n
	}

	maturity := math.Min(1, float64(total)/matureObservations)
	base := float64(baseConfidence[dim])

	seen := values[value]
	if seen == 0 {
		return DeviationResult{
			IsDeviation:   true,
			DeviationType: "new_" + string(dim),
			Description:   fmt.Sprintf("%s %q not present in baseline (%d observations)", dim, value, total),
			Confidence:    int(math.Round(base * (0.5 + 0.5*maturity))),
			Value:         value,
		}
	}

	if total >= matureObservations && float64(seen)/float64(total) < rareFraction {
		return DeviationResult{
			IsDeviation:   true,
			DeviationType: "rare_" + string(dim),
			Description:   fmt.Sprintf("%s %q seen %d of %d times in baseline", dim, value, seen, total),
			Confidence:    int(math.Round(base * 0.5)),
			Value:         value,
		}
	}

	return DeviationResult{}
}
