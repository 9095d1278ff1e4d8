package dispatch

import (
	"sort"
	"time"

	"intelrelay/internal/transport"
)

// Counts is one set of counters. Received includes filtered events, so
// Received = Filtered + Succeeded + Skipped + Failed + InFlight.
type Counts struct {
	Received  int `json:"received"`
	Filtered  int `json:"filtered"`
	Succeeded int `json:"succeeded"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	InFlight  int `json:"in_flight"`
}

// SourceCounts are the counters of one source.
type SourceCounts struct {
	Source transport.SourceID `json:"source"`
	Counts
}

// Snapshot is a point-in-time copy of DispatchMetrics.
type Snapshot struct {
	Counts
	StartedAt time.Time      `json:"started_at"`
	Uptime    time.Duration  `json:"uptime"`
	PerSource []SourceCounts `json:"per_source"`
}

// Source returns the counters of src (zero if never seen).
func (s Snapshot) Source(src transport.SourceID) Counts {
	for _, sc := range s.PerSource {
		if sc.Source == src {
			return sc.Counts
		}
	}
	return Counts{}
}

// SuccessRate is (succeeded+skipped)/(finished) in percent, 0 if nothing finished.
func (s Snapshot) SuccessRate() float64 {
	done := s.Succeeded + s.Skipped + s.Failed
	if done == 0 {
		return 0
	}
	return float64(s.Succeeded+s.Skipped) * 100 / float64(done)
}

// metrics is guarded by Dispatcher.mu.
type metrics struct {
	Counts
	startedAt time.Time
	perSource map[transport.SourceID]*Counts
}

func newMetrics(now time.Time) metrics {
	return metrics{startedAt: now, perSource: map[transport.SourceID]*Counts{}}
}

func (m *metrics) source(src transport.SourceID) *Counts {
	c := m.perSource[src]
	if c == nil {
		c = &Counts{}
		m.perSource[src] = c
	}
	return c
}

func (m *metrics) filter(src transport.SourceID) {
	c := m.source(src)
	m.Received++
	m.Filtered++
	c.Received++
	c.Filtered++
}

func (m *metrics) receive(src transport.SourceID) {
	c := m.source(src)
	m.Received++
	m.InFlight++
	c.Received++
	c.InFlight++
}

func (m *metrics) finish(src transport.SourceID, o Outcome) {
	c := m.source(src)
	m.InFlight--
	c.InFlight--
	switch o {
	case OutcomeSucceeded:
		m.Succeeded++
		c.Succeeded++
	case OutcomeSkipped:
		m.Skipped++
		c.Skipped++
	default:
		m.Failed++
		c.Failed++
	}
}

func (m *metrics) snapshot(now time.Time) Snapshot {
	s := Snapshot{
		Counts:    m.Counts,
		StartedAt: m.startedAt,
		Uptime:    now.Sub(m.startedAt),
		PerSource: make([]SourceCounts, 0, len(m.perSource)),
	}
	for src, c := range m.perSource {
		s.PerSource = append(s.PerSource, SourceCounts{Source: src, Counts: *c})
	}
	sort.Slice(s.PerSource, func(i, j int) bool {
		if s.PerSource[i].Received != s.PerSource[j].Received {
			return s.PerSource[i].Received > s.PerSource[j].Received
		}
		return s.PerSource[i].Source < s.PerSource[j].Source
	})
	return s
}
