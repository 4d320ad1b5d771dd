// Package review runs the deterministic logic review over merged grading
// results: a datalog rule set checks cross-cutting consistency (score bounds,
// evidence presence, citation quality, duplicate results) and yields flags.
// The review never changes scores; it only annotates.
package review

import (
	"bytes"
	_ "embed"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	_ "github.com/google/mangle/builtin"
	mengine "github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"

	"marksman/internal/logging"
	"marksman/internal/types"
)

//go:embed rules.mg
var rulesSource string

// Flag codes, one per rule head.
const (
	FlagOverMaxPoint           = "over_max_point"
	FlagOverMaxQuestion        = "over_max_question"
	FlagOverRubricTotal        = "over_rubric_total"
	FlagAwardedWithoutEvidence = "awarded_without_evidence"
	FlagMissingCitationHigh    = "missing_citation_high_award"
	FlagDuplicatePointResult   = "duplicate_point_result"
)

// centi converts a score to exact centipoints for datalog comparison.
func centi(v float64) int64 {
	return int64(math.Round(v * 100))
}

func fromCenti(c int64) float64 {
	return float64(c) / 100
}

// Run evaluates the rule set against the rubric and student results and
// returns the flags, sorted (code, student, question, detail) so identical
// inputs yield byte-identical output.
func Run(rubric *types.Rubric, results []types.StudentResult) ([]types.Flag, error) {
	unit, err := parse.Unit(bytes.NewReader([]byte(rulesSource)))
	if err != nil {
		return nil, fmt.Errorf("parse review rules: %w", err)
	}
	programInfo, err := analysis.AnalyzeOneUnit(unit, nil)
	if err != nil {
		return nil, fmt.Errorf("analyze review rules: %w", err)
	}

	store := factstore.NewSimpleInMemoryStore()
	if err := assertFacts(store, rubric, results); err != nil {
		return nil, err
	}
	if _, err := mengine.EvalProgramWithStats(programInfo, store); err != nil {
		return nil, fmt.Errorf("evaluate review rules: %w", err)
	}

	flags := collectFlags(store)
	sort.Slice(flags, func(i, j int) bool {
		a, b := flags[i], flags[j]
		if a.Code != b.Code {
			return a.Code < b.Code
		}
		if a.StudentKey != b.StudentKey {
			return a.StudentKey < b.StudentKey
		}
		if a.QuestionID != b.QuestionID {
			return a.QuestionID < b.QuestionID
		}
		return a.Detail < b.Detail
	})
	logging.Review("logic review produced %d flags over %d students", len(flags), len(results))
	return flags, nil
}

func atom(pred string, args ...ast.BaseTerm) ast.Atom {
	return ast.Atom{
		Predicate: ast.PredicateSym{Symbol: pred, Arity: len(args)},
		Args:      args,
	}
}

func name(s string) ast.BaseTerm {
	n, err := ast.Name("/" + s)
	if err != nil {
		return ast.String(s)
	}
	return n
}

// assertFacts loads the base facts for the rule set.
func assertFacts(store factstore.FactStore, rubric *types.Rubric, results []types.StudentResult) error {
	store.Add(atom("rubric_total", ast.Number(centi(rubric.TotalScore))))
	for _, q := range rubric.Questions {
		store.Add(atom("question_max", ast.String(q.QuestionID), ast.Number(centi(q.MaxScore))))
		for _, p := range q.ScoringPoints {
			store.Add(atom("point_max", ast.String(q.QuestionID), ast.String(p.PointID), ast.Number(centi(p.Score))))
		}
	}

	for _, sr := range results {
		student := ast.String(sr.StudentKey)
		store.Add(atom("student_total", student, ast.Number(centi(sr.TotalScore))))
		for _, qr := range sr.QuestionResults {
			if qr.Unscored {
				continue
			}
			question := ast.String(qr.QuestionID)
			store.Add(atom("question_score", student, question, ast.Number(centi(qr.Score))))

			counts := make(map[string]int64)
			for _, pr := range qr.ScoringPointResults {
				point := ast.String(pr.PointID)
				counts[pr.PointID]++
				store.Add(atom("point_award", student, question, point, ast.Number(centi(pr.Awarded))))

				evidence := "present"
				if strings.TrimSpace(pr.Evidence) == "" {
					evidence = "absent"
				}
				store.Add(atom("point_evidence", student, question, point, name(evidence)))

				citation := string(pr.CitationQuality)
				if citation == "" {
					citation = string(types.CitationMissing)
				}
				store.Add(atom("point_citation", student, question, point, name(citation)))
			}
			for pointID, n := range counts {
				store.Add(atom("point_result_count", student, question, ast.String(pointID), ast.Number(n)))
			}
		}
	}
	return nil
}

// flagSpec maps a rule head to its flag construction.
type flagSpec struct {
	pred   string
	arity  int
	toFlag func(args []ast.Constant) types.Flag
}

func str(c ast.Constant) string { return c.Symbol }
func num(c ast.Constant) int64  { return c.NumValue }

var flagSpecs = []flagSpec{
	{FlagOverMaxPoint, 5, func(a []ast.Constant) types.Flag {
		return types.Flag{
			Code: FlagOverMaxPoint, StudentKey: str(a[0]), QuestionID: str(a[1]),
			Detail: fmt.Sprintf("point %s awarded %.2f exceeds max %.2f", str(a[2]), fromCenti(num(a[3])), fromCenti(num(a[4]))),
		}
	}},
	{FlagOverMaxQuestion, 4, func(a []ast.Constant) types.Flag {
		return types.Flag{
			Code: FlagOverMaxQuestion, StudentKey: str(a[0]), QuestionID: str(a[1]),
			Detail: fmt.Sprintf("score %.2f exceeds question max %.2f", fromCenti(num(a[2])), fromCenti(num(a[3]))),
		}
	}},
	{FlagOverRubricTotal, 3, func(a []ast.Constant) types.Flag {
		return types.Flag{
			Code: FlagOverRubricTotal, StudentKey: str(a[0]),
			Detail: fmt.Sprintf("total %.2f exceeds rubric total %.2f", fromCenti(num(a[1])), fromCenti(num(a[2]))),
		}
	}},
	{FlagAwardedWithoutEvidence, 3, func(a []ast.Constant) types.Flag {
		return types.Flag{
			Code: FlagAwardedWithoutEvidence, StudentKey: str(a[0]), QuestionID: str(a[1]),
			Detail: fmt.Sprintf("point %s awarded without evidence", str(a[2])),
		}
	}},
	{FlagMissingCitationHigh, 4, func(a []ast.Constant) types.Flag {
		return types.Flag{
			Code: FlagMissingCitationHigh, StudentKey: str(a[0]), QuestionID: str(a[1]),
			Detail: fmt.Sprintf("point %s awarded %.2f with no rubric citation", str(a[2]), fromCenti(num(a[3]))),
		}
	}},
	{FlagDuplicatePointResult, 4, func(a []ast.Constant) types.Flag {
		return types.Flag{
			Code: FlagDuplicatePointResult, StudentKey: str(a[0]), QuestionID: str(a[1]),
			Detail: fmt.Sprintf("point %s appears %d times", str(a[2]), num(a[3])),
		}
	}},
}

func collectFlags(store factstore.FactStore) []types.Flag {
	var flags []types.Flag
	for _, spec := range flagSpecs {
		sym := ast.PredicateSym{Symbol: spec.pred, Arity: spec.arity}
		_ = store.GetFacts(ast.NewQuery(sym), func(a ast.Atom) error {
			consts := make([]ast.Constant, len(a.Args))
			ok := true
			for i, arg := range a.Args {
				c, isConst := arg.(ast.Constant)
				if !isConst {
					ok = false
					break
				}
				consts[i] = c
			}
			if ok {
				flags = append(flags, spec.toFlag(consts))
			}
			return nil
		})
	}
	return flags
}
