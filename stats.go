package mptcp

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// StatsTracker allows getting a sense of how the paths perform. Its methods
// are called when a connection sends, receives or retransmits a segment, and
// on every RTT sample. The Path identifies the subflow.
type StatsTracker interface {
	OnRecv(p Path, n uint64)
	OnSent(p Path, n uint64)
	OnRetransmit(p Path, n uint64)
	UpdateRTT(p Path, rtt time.Duration)
}

type NullTracker struct{}

func (st NullTracker) OnRecv(Path, uint64)           {}
func (st NullTracker) OnSent(Path, uint64)           {}
func (st NullTracker) OnRetransmit(Path, uint64)     {}
func (st NullTracker) UpdateRTT(Path, time.Duration) {}

// PathStats are the counters of one path.
type PathStats struct {
	Path          Path
	BytesSent     uint64
	BytesRecv     uint64
	Retransmitted uint64
	Segments      uint64
	LastRTT       time.Duration
}

func (ps *PathStats) String() string {
	return fmt.Sprintf("%v: sent %s, received %s, retransmitted %s, rtt %v",
		ps.Path, humanize.Bytes(ps.BytesSent), humanize.Bytes(ps.BytesRecv),
		humanize.Bytes(ps.Retransmitted), ps.LastRTT)
}

// Stats is a StatsTracker that keeps per path counters. Like the rest of the
// engine it must only be used from the goroutine driving the Stack.
type Stats struct {
	paths map[Path]*PathStats
	order []Path
}

func NewStats() *Stats {
	return &Stats{paths: make(map[Path]*PathStats)}
}

func (s *Stats) get(p Path) *PathStats {
	ps := s.paths[p]
	if ps == nil {
		ps = &PathStats{Path: p}
		s.paths[p] = ps
		s.order = append(s.order, p)
	}
	return ps
}

func (s *Stats) OnRecv(p Path, n uint64) {
	s.get(p).BytesRecv += n
}

func (s *Stats) OnSent(p Path, n uint64) {
	ps := s.get(p)
	ps.BytesSent += n
	ps.Segments++
}

func (s *Stats) OnRetransmit(p Path, n uint64) {
	s.get(p).Retransmitted += n
}

func (s *Stats) UpdateRTT(p Path, rtt time.Duration) {
	s.get(p).LastRTT = rtt
}

// Paths returns the counters of every path seen so far, in the order the
// paths first appeared.
func (s *Stats) Paths() []PathStats {
	result := make([]PathStats, 0, len(s.order))
	for _, p := range s.order {
		result = append(result, *s.paths[p])
	}
	return result
}

// Totals sums the counters of all paths.
func (s *Stats) Totals() PathStats {
	var total PathStats
	for _, ps := range s.paths {
		total.BytesSent += ps.BytesSent
		total.BytesRecv += ps.BytesRecv
		total.Retransmitted += ps.Retransmitted
		total.Segments += ps.Segments
	}
	return total
}

func (s *Stats) String() string {
	total := s.Totals()
	return fmt.Sprintf("%d paths, sent %s in %s segments, received %s, retransmitted %s",
		len(s.paths), humanize.Bytes(total.BytesSent), humanize.Comma(int64(total.Segments)),
		humanize.Bytes(total.BytesRecv), humanize.Bytes(total.Retransmitted))
}
