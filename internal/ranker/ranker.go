// Package ranker orders a set of healthy instances using a
// load/latency/throughput composite score with a stochastic tie-breaker.
package ranker

import (
	"errors"
	"math/rand"
	"sort"

	"github.com/utilmeta/cluster-proxy/internal/catalog"
)

// ErrNoHealthyInstances is returned when the candidate set is empty.
var ErrNoHealthyInstances = errors.New("no healthy instances")

// Rank orders instances by composite score, descending. It is a pure
// function and never blocks.
//
// NOTE: each metric is ranked descending (index 0 = highest value) and
// the rank indices summed, so the highest scores go to instances with
// the lowest avg_load, avg_time and avg_rps: less-loaded, faster, but
// lower-throughput instances. That direction is carried over from the
// original selection behavior; see DESIGN.md before changing it.
func Rank(instances []*catalog.Instance) ([]*catalog.Instance, error) {
	if len(instances) == 0 {
		return nil, ErrNoHealthyInstances
	}
	if len(instances) == 1 {
		return instances, nil
	}

	idxLoad := rankIndices(instances, func(i *catalog.Instance) float64 { return i.AvgLoad })
	idxTime := rankIndices(instances, func(i *catalog.Instance) float64 { return i.AvgTime })
	idxRPS := rankIndices(instances, func(i *catalog.Instance) float64 { return i.AvgRPS })

	type scored struct {
		inst  *catalog.Instance
		score float64
	}
	out := make([]scored, len(instances))
	for i, inst := range instances {
		weight := inst.Weight
		if weight <= 0 {
			weight = 1
		}
		composite := float64(idxLoad[i]+idxTime[i]+idxRPS[i]+1) * weight * jitter()
		out[i] = scored{inst: inst, score: composite}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })

	ranked := make([]*catalog.Instance, len(out))
	for i, s := range out {
		ranked[i] = s.inst
	}
	return ranked, nil
}

// jitter returns a uniform value in [0.8, 1.2), the stochastic
// tie-breaker that keeps equal-score instances from always sorting the
// same way.
func jitter() float64 {
	return 0.8 + rand.Float64()*0.4
}

// rankIndices returns, for each instance, its rank position (0 = highest
// metric value) when sorted descending by metric(i).
func rankIndices(instances []*catalog.Instance, metric func(*catalog.Instance) float64) []int {
	order := make([]int, len(instances))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return metric(instances[order[a]]) > metric(instances[order[b]])
	})

	indices := make([]int, len(instances))
	for rank, origIdx := range order {
		indices[origIdx] = rank
	}
	return indices
}
