// Package budget tracks model spend per run: token counts by model and
// request kind, an estimated USD figure, and the soft budget threshold that
// fires a single budget_warning per run. Exceeding the budget never halts
// execution.
package budget

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"marksman/internal/logging"
	"marksman/internal/types"
)

// Rates converts token counts to USD, per 1000 tokens.
type Rates struct {
	USDPer1KPromptTokens     float64
	USDPer1KCompletionTokens float64
}

// Usage is one completed model call's consumption.
type Usage struct {
	Model            string
	Kind             string
	PromptTokens     int64
	CompletionTokens int64
}

// runAccount accumulates one run's spend.
type runAccount struct {
	PromptTokens     int64            `json:"prompt_tokens"`
	CompletionTokens int64            `json:"completion_tokens"`
	EstimatedUSD     float64          `json:"estimated_usd"`
	ByKind           map[string]int64 `json:"by_kind,omitempty"`
	ByModel          map[string]int64 `json:"by_model,omitempty"`
	SoftBudgetUSD    float64          `json:"soft_budget_usd,omitempty"`
	Warned           bool             `json:"warned,omitempty"`
}

// Tracker manages per-run accounts with a debounced JSON snapshot for
// operability. The snapshot is best-effort; accounting is authoritative in
// memory for the life of the coordinator.
type Tracker struct {
	mu       sync.Mutex
	rates    Rates
	accounts map[string]*runAccount
	filePath string
	dirty    bool
}

// NewTracker creates a tracker persisting snapshots under dataDir. An empty
// dataDir disables persistence.
func NewTracker(dataDir string, rates Rates) (*Tracker, error) {
	t := &Tracker{
		rates:    rates,
		accounts: make(map[string]*runAccount),
	}
	if dataDir != "" {
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create budget dir: %w", err)
		}
		t.filePath = filepath.Join(dataDir, "usage.json")
		if err := t.load(); err != nil {
			logging.Get(logging.CategoryBudget).Warn("could not load usage snapshot: %v", err)
		}
	}
	return t, nil
}

func (t *Tracker) load() error {
	data, err := os.ReadFile(t.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return json.Unmarshal(data, &t.accounts)
}

// Save writes the snapshot to disk.
func (t *Tracker) Save() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.saveLocked()
}

func (t *Tracker) saveLocked() error {
	if t.filePath == "" {
		return nil
	}
	data, err := json.MarshalIndent(t.accounts, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(t.filePath, data, 0644)
}

// Register opens an account for a run with its soft budget; 0 disables the
// warning.
func (t *Tracker) Register(runID string, softBudgetUSD float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.accounts[runID]; ok {
		return
	}
	t.accounts[runID] = &runAccount{
		ByKind:        make(map[string]int64),
		ByModel:       make(map[string]int64),
		SoftBudgetUSD: softBudgetUSD,
	}
}

// Add records one call's usage and reports whether this addition crossed the
// soft budget for the first time. Later crossings report false so the
// caller emits exactly one budget_warning per run.
func (t *Tracker) Add(runID string, u Usage) (crossed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	acct, ok := t.accounts[runID]
	if !ok {
		acct = &runAccount{ByKind: make(map[string]int64), ByModel: make(map[string]int64)}
		t.accounts[runID] = acct
	}

	acct.PromptTokens += u.PromptTokens
	acct.CompletionTokens += u.CompletionTokens
	acct.EstimatedUSD += float64(u.PromptTokens)/1000*t.rates.USDPer1KPromptTokens +
		float64(u.CompletionTokens)/1000*t.rates.USDPer1KCompletionTokens
	total := u.PromptTokens + u.CompletionTokens
	if u.Kind != "" {
		acct.ByKind[u.Kind] += total
	}
	if u.Model != "" {
		acct.ByModel[u.Model] += total
	}

	if acct.SoftBudgetUSD > 0 && !acct.Warned && acct.EstimatedUSD > acct.SoftBudgetUSD {
		acct.Warned = true
		crossed = true
		logging.Budget("run %s crossed soft budget: $%.4f > $%.4f",
			runID, acct.EstimatedUSD, acct.SoftBudgetUSD)
	}

	// Debounced snapshot
	if !t.dirty {
		t.dirty = true
		time.AfterFunc(5*time.Second, func() {
			t.mu.Lock()
			t.dirty = false
			if err := t.saveLocked(); err != nil {
				logging.Get(logging.CategoryBudget).Warn("usage snapshot failed: %v", err)
			}
			t.mu.Unlock()
		})
	}
	return crossed
}

// Summary returns the run's spend for the results payload.
func (t *Tracker) Summary(runID string) *types.RunUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	acct, ok := t.accounts[runID]
	if !ok {
		return nil
	}
	out := &types.RunUsage{
		PromptTokens:     acct.PromptTokens,
		CompletionTokens: acct.CompletionTokens,
		EstimatedUSD:     acct.EstimatedUSD,
		ByKind:           make(map[string]int64, len(acct.ByKind)),
		ByModel:          make(map[string]int64, len(acct.ByModel)),
	}
	for k, v := range acct.ByKind {
		out.ByKind[k] = v
	}
	for k, v := range acct.ByModel {
		out.ByModel[k] = v
	}
	return out
}

// Release drops a terminal run's account from memory (the snapshot keeps the
// final numbers).
func (t *Tracker) Release(runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.accounts[runID]; ok {
		_ = t.saveLocked()
		delete(t.accounts, runID)
	}
}
