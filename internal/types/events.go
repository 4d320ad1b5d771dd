package types

import (
	"encoding/json"
	"time"
)

// EventType tags an EventRecord. Stage completions are typed
// "<stage>_completed" so readers can census a run without decoding payloads.
type EventType string

const (
	EventRunQueued    EventType = "queued"
	EventRunStarted   EventType = "run_started"
	EventRunCompleted EventType = "run_completed"
	EventRunFailed    EventType = "run_failed"
	EventRunCancelled EventType = "cancelled"

	EventStageStarted EventType = "stage_started"
	EventProgressTick EventType = "progress_tick"
	EventError        EventType = "error"

	EventPDFTruncated EventType = "pdf_truncated"

	EventCacheHit       EventType = "cache_hit"
	EventLLMStreamChunk EventType = "llm_stream_chunk"
	EventRetryAttempt   EventType = "retry_attempt"
	EventBudgetWarning  EventType = "budget_warning"

	EventUnitCompleted   EventType = "grade_batch_unit_completed"
	EventUnitUnscored    EventType = "unit_unscored"
	EventStudentExcluded EventType = "student_excluded"

	EventRubricReviewRequested  EventType = "rubric_review_requested"
	EventRubricReviewResolved   EventType = "rubric_review_resolved"
	EventResultsReviewRequested EventType = "results_review_requested"
	EventResultsReviewResolved  EventType = "results_review_resolved"
	EventOverrideApplied        EventType = "override_applied"

	EventResultsReady EventType = "results_ready"
)

// StageCompletedEvent returns the completion event type for a stage,
// e.g. intake_completed, rubric_parse_completed.
func StageCompletedEvent(s Stage) EventType {
	return EventType(string(s) + "_completed")
}

// EventRecord is one entry of a run's append-only event log. Seq is strictly
// increasing within a run with no gaps; it uniquely identifies the event.
type EventRecord struct {
	RunID   string          `json:"run_id"`
	Seq     int64           `json:"seq"`
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      time.Time       `json:"at"`
}

// StreamChunkPayload is the payload of llm_stream_chunk events. NodeID keys
// the logical call so interleaved streams stay coherent per node.
type StreamChunkPayload struct {
	NodeID string `json:"node_id"`
	Kind   string `json:"kind"`
	Chunk  string `json:"chunk"`
	Index  int    `json:"index"`
}

// RetryAttemptPayload is the payload of retry_attempt events, one per
// attempt. Backoff is the wait that preceded this attempt, empty on the
// first; Error is the previous attempt's failure.
type RetryAttemptPayload struct {
	NodeID  string `json:"node_id,omitempty"`
	Attempt int    `json:"attempt"`
	Backoff string `json:"backoff,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ProgressPayload is the payload of progress_tick events.
type ProgressPayload struct {
	Stage    Stage   `json:"stage"`
	Progress float64 `json:"progress"`
	Detail   string  `json:"detail,omitempty"`
}

// ErrorPayload is the payload of error events.
type ErrorPayload struct {
	Kind   ErrorKind `json:"kind"`
	Stage  Stage     `json:"stage,omitempty"`
	Detail string    `json:"detail"`
}

// MarshalPayload encodes an event payload, swallowing marshal failures into
// a null payload so event emission never blocks pipeline progress.
func MarshalPayload(v interface{}) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
