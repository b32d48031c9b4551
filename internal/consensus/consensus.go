// Package consensus decides whether a set of point votes agrees well
// enough to settle an estimate without discussion.
package consensus

import "sort"

// Analysis outcomes.
const (
	OutcomeConsensus    = "consensus"
	OutcomeDiscussion   = "discussion"
	OutcomeInsufficient = "insufficient"
)

// How a consensus verdict was reached.
const (
	BasisUnanimous = "unanimous"
	BasisSpread    = "spread"
	BasisCluster   = "cluster"
)

type Params struct {
	// Scale is the allowed point values in increasing order.
	Scale []int
	// SpreadThreshold is the max distance, in scale positions, between
	// the lowest and highest vote for the spread rule to apply.
	SpreadThreshold int
	// ClusterStep is the max gap, in scale positions, between adjacent
	// votes within one cluster.
	ClusterStep int
	// MajorityFraction is the share of cast votes a single cluster must
	// hold to settle the estimate. Must exceed 0.5.
	MajorityFraction float64
}

type Verdict struct {
	Outcome      string
	Points       int
	Basis        string
	Distribution map[int]int
	Clusters     [][]int
}

// Analyze examines cast votes for one item. required is the number of
// votes needed before any verdict is attempted, typically the roster
// size minus abstainers on the item.
func Analyze(votes []int, required int, p Params) Verdict {
	if len(votes) == 0 || len(votes) < required {
		return Verdict{Outcome: OutcomeInsufficient, Distribution: distribution(votes)}
	}

	sorted := append([]int(nil), votes...)
	sort.Ints(sorted)

	if sorted[0] == sorted[len(sorted)-1] {
		return Verdict{
			Outcome:      OutcomeConsensus,
			Points:       sorted[0],
			Basis:        BasisUnanimous,
			Distribution: distribution(votes),
		}
	}

	positions := make([]int, len(sorted))
	for i, v := range sorted {
		positions[i] = position(v, p.Scale)
	}

	if positions[len(positions)-1]-positions[0] <= p.SpreadThreshold {
		return Verdict{
			Outcome:      OutcomeConsensus,
			Points:       median(sorted, p.Scale),
			Basis:        BasisSpread,
			Distribution: distribution(votes),
		}
	}

	clusters := cluster(sorted, positions, p.ClusterStep)
	for _, c := range clusters {
		if float64(len(c)) >= p.MajorityFraction*float64(len(sorted)) {
			return Verdict{
				Outcome:      OutcomeConsensus,
				Points:       median(c, p.Scale),
				Basis:        BasisCluster,
				Distribution: distribution(votes),
				Clusters:     clusters,
			}
		}
	}

	return Verdict{
		Outcome:      OutcomeDiscussion,
		Distribution: distribution(votes),
		Clusters:     clusters,
	}
}

// cluster splits the sorted votes wherever adjacent scale positions
// are more than step apart.
func cluster(sorted, positions []int, step int) [][]int {
	var (
		clusters [][]int
		current  = []int{sorted[0]}
	)
	for i := 1; i < len(sorted); i++ {
		if positions[i]-positions[i-1] > step {
			clusters = append(clusters, current)
			current = []int{sorted[i]}
			continue
		}
		current = append(current, sorted[i])
	}
	return append(clusters, current)
}

// median of sorted values, snapped to the scale. An even count takes
// the midpoint of the two middle values and rounds to the nearest
// scale member, ties toward the higher one.
func median(sorted []int, scale []int) int {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	mid := float64(sorted[n/2-1]+sorted[n/2]) / 2
	best := scale[0]
	bestDist := dist(mid, scale[0])
	for _, s := range scale[1:] {
		if d := dist(mid, s); d <= bestDist {
			best, bestDist = s, d
		}
	}
	return best
}

func dist(x float64, s int) float64 {
	d := x - float64(s)
	if d < 0 {
		return -d
	}
	return d
}

// position finds v's index on the scale. An off-scale value takes the
// index of the next member at or above it.
func position(v int, scale []int) int {
	for i, s := range scale {
		if v <= s {
			return i
		}
	}
	return len(scale) - 1
}

func distribution(votes []int) map[int]int {
	d := make(map[int]int, len(votes))
	for _, v := range votes {
		d[v]++
	}
	return d
}
