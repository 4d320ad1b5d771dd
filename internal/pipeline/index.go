package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"marksman/internal/gateway"
	"marksman/internal/logging"
	"marksman/internal/types"
)

// minHeaderConfidence is the bar a header probe must clear to open or extend
// a student boundary. A page whose header reads below it is garbled enough
// that attributing it to anyone would be a guess; it lands in unidentified.
const minHeaderConfidence = 0.5

const pageDescribeSystem = `You read the header region at the top of one scanned answer-sheet page.
Report whether a student header (name or id, optionally class and date) is
present, the student identifier exactly as written, and your confidence.
Pages that continue a previous student's work have no header. Respond with
JSON only.`

// runIndex probes each answer page's header through the gateway, then runs
// the rolling boundary detector over the probe sequence. Probes are keyed by
// page so re-running with the same inputs yields the same partition.
func runIndex(ctx context.Context, env *Env, st *State) (*Pause, error) {
	probes := make([]gateway.PageDescription, len(st.AnswerPages))
	for i, page := range st.AnswerPages {
		if err := ctx.Err(); err != nil {
			return nil, types.WrapErr(types.KindCancellation, "index interrupted", err)
		}
		probe, err := probePage(ctx, env, st, page)
		if err != nil {
			if types.IsKind(err, types.KindCancellation) {
				return nil, err
			}
			// A failed probe degrades to "no header read": the detector files
			// the page rather than the whole run failing on one bad page.
			logging.Get(logging.CategoryPipeline).Warn("run %s: header probe for page %d failed: %v",
				st.Run.RunID, page.Index, err)
			probe = gateway.PageDescription{HasHeader: false, Confidence: 0}
		}
		probes[i] = probe
	}
	st.Probes = probes

	st.Boundaries, st.UnidentifiedPages = DetectBoundaries(probes)
	logging.Pipeline("run %s: detected %d students, %d unidentified pages",
		st.Run.RunID, len(st.Boundaries), len(st.UnidentifiedPages))
	return nil, nil
}

func probePage(ctx context.Context, env *Env, st *State, page Page) (gateway.PageDescription, error) {
	resp, err := env.Caller.Call(ctx, &gateway.Request{
		RunID:  st.Run.RunID,
		NodeID: fmt.Sprintf("probe:%d", page.Index),
		Kind:   gateway.KindPageDescribe,
		System: pageDescribeSystem,
		Prompt: fmt.Sprintf("Describe the header of page %d.", page.Index+1),
		Images: []gateway.ImagePart{{MIME: "image/png", Data: page.PNG}},
	})
	if err != nil {
		return gateway.PageDescription{}, err
	}
	var probe gateway.PageDescription
	if err := json.Unmarshal(resp.Parsed, &probe); err != nil {
		return gateway.PageDescription{}, types.WrapErr(types.KindSchema, "page description undecodable", err)
	}
	return probe, nil
}

// DetectBoundaries groups consecutive pages into student boundaries from
// their header probes. The rules:
//
//   - a confident header with a student key opens a new boundary (or extends
//     the current one when the key matches);
//   - a page with no header continues the open boundary, and is unidentified
//     when none is open;
//   - a header the probe could not read confidently closes the open boundary
//     and files the page under unidentified — it likely belongs to a student
//     whose identity was not established, and guessing would misattribute
//     every page that follows.
//
// The partition is total: every page lands in exactly one boundary or in the
// unidentified list. Deterministic over the probe sequence.
func DetectBoundaries(probes []gateway.PageDescription) ([]types.StudentBoundary, []int) {
	var (
		boundaries   []types.StudentBoundary
		unidentified []int
		open         *types.StudentBoundary
		confSum      float64
		confPages    int
	)

	closeOpen := func() {
		if open == nil {
			return
		}
		if confPages > 0 {
			open.Confidence = confSum / float64(confPages)
		}
		boundaries = append(boundaries, *open)
		open, confSum, confPages = nil, 0, 0
	}

	for i, p := range probes {
		key := strings.TrimSpace(p.StudentKey)
		switch {
		case p.HasHeader && p.Confidence >= minHeaderConfidence && key != "":
			if open != nil && open.StudentKey == key {
				open.EndPage = i
				confSum += p.Confidence
				confPages++
				continue
			}
			closeOpen()
			open = &types.StudentBoundary{
				StudentKey: key,
				StartPage:  i,
				EndPage:    i,
				ClassID:    strings.TrimSpace(p.ClassID),
			}
			confSum = p.Confidence
			confPages = 1

		case !p.HasHeader:
			if open != nil {
				open.EndPage = i
			} else {
				unidentified = append(unidentified, i)
			}

		default:
			// A header is present but unreadable: the page starts someone's
			// work we cannot attribute.
			closeOpen()
			unidentified = append(unidentified, i)
		}
	}
	closeOpen()
	return boundaries, unidentified
}
