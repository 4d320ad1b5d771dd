package pipeline

import (
	"context"
	"sort"
	"strings"

	"marksman/internal/logging"
	"marksman/internal/types"
)

// runCrossPageMerge collapses each unit's per-point results so every scoring
// point appears once. Points the rubric marks met_once keep the best single
// award; cumulative points sum distinct-page evidence. Single-result points
// pass through untouched.
func runCrossPageMerge(ctx context.Context, env *Env, st *State) (*Pause, error) {
	merged := 0
	for _, out := range st.Outcomes {
		if out.Grade == nil {
			continue
		}
		question, ok := st.Rubric.Question(out.Unit.QuestionID)
		if !ok {
			continue
		}
		before := len(out.Grade.ScoringPointResults)
		out.Grade.ScoringPointResults = MergePointResults(question, out.Grade.ScoringPointResults)
		if len(out.Grade.ScoringPointResults) != before {
			merged++
		}
	}
	if merged > 0 {
		logging.Pipeline("run %s: merged cross-page results for %d units", st.Run.RunID, merged)
	}
	return nil, nil
}

// MergePointResults merges duplicate per-point results from evidence spread
// across pages. met_once takes the maximum award, breaking ties by highest
// confidence then earliest page; cumulative sums awards from distinct pages
// (bounded by the point's score) and concatenates evidence in page order.
// Output is ordered by point id for stable aggregation.
func MergePointResults(q *types.Question, results []types.ScoringPointResult) []types.ScoringPointResult {
	byPoint := make(map[string][]types.ScoringPointResult)
	var order []string
	for _, r := range results {
		if _, seen := byPoint[r.PointID]; !seen {
			order = append(order, r.PointID)
		}
		byPoint[r.PointID] = append(byPoint[r.PointID], r)
	}
	sort.Strings(order)

	out := make([]types.ScoringPointResult, 0, len(order))
	for _, pointID := range order {
		group := byPoint[pointID]
		if len(group) == 1 {
			out = append(out, group[0])
			continue
		}
		point, _ := q.Point(pointID)
		switch point.AccrualMode() {
		case types.AccrualCumulative:
			out = append(out, mergeCumulative(point, group))
		default:
			out = append(out, mergeMetOnce(group))
		}
	}
	return out
}

// mergeMetOnce keeps the single best demonstration of the point.
func mergeMetOnce(group []types.ScoringPointResult) types.ScoringPointResult {
	best := group[0]
	for _, r := range group[1:] {
		switch {
		case r.Awarded > best.Awarded:
			best = r
		case r.Awarded == best.Awarded && r.Confidence > best.Confidence:
			best = r
		case r.Awarded == best.Awarded && r.Confidence == best.Confidence && r.PageIndex < best.PageIndex:
			best = r
		}
	}
	return best
}

// mergeCumulative sums distinct-page awards and stitches the evidence in
// page order. Same-page duplicates keep only the stronger result so the sum
// never double-counts one demonstration.
func mergeCumulative(point types.ScoringPoint, group []types.ScoringPointResult) types.ScoringPointResult {
	perPage := make(map[int]types.ScoringPointResult)
	for _, r := range group {
		cur, ok := perPage[r.PageIndex]
		if !ok || r.Awarded > cur.Awarded || (r.Awarded == cur.Awarded && r.Confidence > cur.Confidence) {
			perPage[r.PageIndex] = r
		}
	}
	pages := make([]int, 0, len(perPage))
	for p := range perPage {
		pages = append(pages, p)
	}
	sort.Ints(pages)

	merged := perPage[pages[0]]
	var sum float64
	var evidence []string
	minConf := 1.0
	for _, p := range pages {
		r := perPage[p]
		sum += r.Awarded
		if strings.TrimSpace(r.Evidence) != "" {
			evidence = append(evidence, r.Evidence)
		}
		if r.Confidence < minConf {
			minConf = r.Confidence
		}
		if r.CitationQuality == types.CitationMissing {
			merged.CitationQuality = types.CitationMissing
		}
		if r.IsAlternativeSolution {
			merged.IsAlternativeSolution = true
		}
	}
	merged.Awarded = types.ClampScore(sum, point.Score)
	merged.Evidence = strings.Join(evidence, " ... ")
	merged.Confidence = minConf
	return merged
}
