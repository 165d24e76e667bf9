package mptcp

import (
	"fmt"
	"sort"

	"github.com/getlantern/mptcp/config"
)

// scheduler decides in which order the subflows of a flow are offered new
// data. Each subflow then takes as much as its congestion window allows.
type scheduler interface {
	order(subflows []*subflow) []*subflow
	name() string
}

func newScheduler(name string) (scheduler, error) {
	switch name {
	case config.LowestRTT, "":
		return lowestRTT{}, nil
	case config.RoundRobin:
		return &roundRobin{}, nil
	default:
		return nil, fmt.Errorf("unknown scheduler %q", name)
	}
}

// lowestRTT prefers the subflow with the lowest smoothed RTT, so slower paths
// only get what the faster ones cannot take.
type lowestRTT struct{}

func (lowestRTT) name() string { return config.LowestRTT }

func (lowestRTT) order(subflows []*subflow) []*subflow {
	sorted := append([]*subflow(nil), subflows...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].rtt() < sorted[j].rtt()
	})
	return sorted
}

// roundRobin starts each pass one subflow further along.
type roundRobin struct {
	next int
}

func (rr *roundRobin) name() string { return config.RoundRobin }

func (rr *roundRobin) order(subflows []*subflow) []*subflow {
	n := len(subflows)
	if n == 0 {
		return nil
	}
	start := rr.next % n
	rr.next++
	return append(append([]*subflow(nil), subflows[start:]...), subflows[:start]...)
}
