package pipeline

import (
	"context"

	"marksman/internal/logging"
	"marksman/internal/review"
	"marksman/internal/types"
)

// runLogicReview runs the deterministic post-check over the aggregated
// results and pauses for human results review when the run spec asks for it.
// The check reads only its inputs; same results and rubric always yield the
// same flags.
func runLogicReview(ctx context.Context, env *Env, st *State) (*Pause, error) {
	flags, err := review.Run(st.Rubric, exportable(st.Results))
	if err != nil {
		return nil, types.WrapErr(types.KindInternal, "logic review failed", err)
	}
	st.Flags = flags

	if st.Spec.Options.RequireResultsReview {
		return &Pause{Status: types.StatusPausedResultReview, Reason: "manual results review requested"}, nil
	}
	return nil, nil
}

// runConfession drafts the self-report for every exported student. Report
// content never feeds back into scores; a failed draft degrades to the
// structural report inside the builder.
func runConfession(ctx context.Context, env *Env, st *State) (*Pause, error) {
	if env.Reporter == nil {
		return nil, nil
	}
	st.Confessions = make(map[string]*types.ConfessionReport)
	for i := range st.Results {
		sr := &st.Results[i]
		if sr.ExclusionReason != "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, types.WrapErr(types.KindCancellation, "confession interrupted", err)
		}
		report, err := env.Reporter.Build(ctx, st.Run.RunID, st.Rubric, sr)
		if err != nil {
			if types.IsKind(err, types.KindCancellation) {
				return nil, err
			}
			logging.Get(logging.CategoryReview).Warn("run %s: confession for %s skipped: %v",
				st.Run.RunID, sr.StudentKey, err)
			continue
		}
		st.Confessions[sr.StudentKey] = report
	}
	return nil, nil
}

// runExport persists the artifact and emits the terminal results_ready event
// with per-student summaries and a handle to the full results.
func runExport(ctx context.Context, env *Env, st *State) (*Pause, error) {
	results := &types.RunResults{
		RunID:          st.Run.RunID,
		StudentResults: exportable(st.Results),
		Flags:          st.Flags,
		Confessions:    st.Confessions,
	}
	if env.Usage != nil {
		results.Usage = env.Usage.Summary(st.Run.RunID)
	}
	if env.Results != nil {
		if err := env.Results.SaveResults(st.Run.RunID, results); err != nil {
			return nil, types.WrapErr(types.KindInternal, "persist results", err)
		}
	}

	type summary struct {
		StudentKey      string  `json:"student_key"`
		TotalScore      float64 `json:"total_score"`
		MaxTotalScore   float64 `json:"max_total_score"`
		ExclusionReason string  `json:"exclusion_reason,omitempty"`
	}
	summaries := make([]summary, 0, len(st.Results))
	for _, sr := range st.Results {
		s := summary{
			StudentKey:      sr.StudentKey,
			MaxTotalScore:   sr.MaxTotalScore,
			ExclusionReason: sr.ExclusionReason,
		}
		if sr.ExclusionReason == "" {
			s.TotalScore = sr.TotalScore
		}
		summaries = append(summaries, s)
	}
	env.emit(st.Run.RunID, types.EventResultsReady, map[string]interface{}{
		"students":       summaries,
		"flags":          len(st.Flags),
		"results_handle": "/v1/runs/" + st.Run.RunID + "/results",
	})
	logging.Pipeline("run %s: exported results for %d students", st.Run.RunID, len(summaries))
	return nil, nil
}

// exportable filters out excluded students' scores while keeping their
// exclusion record visible.
func exportable(results []types.StudentResult) []types.StudentResult {
	out := make([]types.StudentResult, 0, len(results))
	for _, sr := range results {
		if sr.ExclusionReason != "" {
			out = append(out, types.StudentResult{
				StudentKey:      sr.StudentKey,
				ClassID:         sr.ClassID,
				MaxTotalScore:   sr.MaxTotalScore,
				ExclusionReason: sr.ExclusionReason,
				ReviewNote:      sr.ReviewNote,
			})
			continue
		}
		out = append(out, sr)
	}
	return out
}
