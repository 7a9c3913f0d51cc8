package pipeline

import "chain-event-ingest/internal/domain"

// OutcomeKind is what happened to one event.
type OutcomeKind string

const (
	OutcomeApplied  OutcomeKind = "applied"
	OutcomeReversed OutcomeKind = "reversed"
	OutcomeSkipped  OutcomeKind = "skipped"
	OutcomeFailed   OutcomeKind = "failed"
	OutcomeUnknown  OutcomeKind = "unknown"
	OutcomeNoop     OutcomeKind = "noop"
)

// Outcome is the per-event result of a batch.
type Outcome struct {
	Key    domain.NaturalKey
	Kind   OutcomeKind
	Reason string
}

// BatchResult folds the outcomes of one batch.
// Applied and reversed count as processed; skipped, unknown and no-op as skipped.
type BatchResult struct {
	Processed int       `json:"processed"`
	Skipped   int       `json:"skipped"`
	Failed    int       `json:"failed"`
	Total     int       `json:"total"`
	Outcomes  []Outcome `json:"-"`
}

func (r *BatchResult) add(o Outcome) {
	switch o.Kind {
	case OutcomeApplied, OutcomeReversed:
		r.Processed++
	case OutcomeFailed:
		r.Failed++
	default:
		r.Skipped++
	}
	r.Outcomes = append(r.Outcomes, o)
}

// Count returns the number of outcomes of the given kind.
func (r *BatchResult) Count(kind OutcomeKind) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Kind == kind {
			n++
		}
	}
	return n
}
