package types

import "time"

// TargetStatus is the outcome of one target in a run.
type TargetStatus string

const (
	TargetSucceeded TargetStatus = "succeeded"
	TargetNoData    TargetStatus = "no_data"
	TargetFailed    TargetStatus = "failed"
	TargetSkipped   TargetStatus = "skipped"
)

// RunStatus is the overall outcome of a run.
type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunPartial   RunStatus = "partial"
	RunFailed    RunStatus = "failed"
	RunAborted   RunStatus = "aborted"
)

// Rejection records a candidate that failed validation.
type Rejection struct {
	URL      string    `json:"url"`
	Position int       `json:"position"`
	ItemID   string    `json:"item_id,omitempty"`
	Kind     ErrorKind `json:"kind"`
	Message  string    `json:"message"`
}

// PageError records a fetch or extraction failure of one page.
type PageError struct {
	URL      string    `json:"url"`
	Kind     ErrorKind `json:"kind"`
	Attempts int       `json:"attempts,omitempty"`
	Message  string    `json:"message"`
}

// TargetOutcome is what happened to one target.
type TargetOutcome struct {
	TargetID   string       `json:"target_id"`
	Status     TargetStatus `json:"status"`
	ErrorKind  ErrorKind    `json:"error_kind,omitempty"`
	StartedAt  time.Time    `json:"started_at,omitempty"`
	FinishedAt time.Time    `json:"finished_at,omitempty"`

	Pages      int `json:"pages"`
	Fetched    int `json:"fetched"`
	Attempts   int `json:"attempts"`
	Extracted  int `json:"extracted"`
	Validated  int `json:"validated"`
	Rejected   int `json:"rejected"`
	Duplicates int `json:"duplicates"`
	Written    int `json:"written"`
	Unchanged  int `json:"unchanged"`
	Superseded int `json:"superseded"`

	Conflicts  []Conflict  `json:"conflicts,omitempty"`
	Rejections []Rejection `json:"rejections,omitempty"`
	PageErrors []PageError `json:"page_errors,omitempty"`
}

// Stored reports whether the target's records are present in the store
// after this run, either freshly written or already there.
func (o *TargetOutcome) Stored() int {
	return o.Written + o.Unchanged + o.Superseded
}

// Totals aggregates target outcomes.
type Totals struct {
	Targets   int `json:"targets"`
	Succeeded int `json:"succeeded"`
	NoData    int `json:"no_data"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`

	Fetched    int `json:"fetched"`
	Extracted  int `json:"extracted"`
	Validated  int `json:"validated"`
	Rejected   int `json:"rejected"`
	Written    int `json:"written"`
	Unchanged  int `json:"unchanged"`
	Superseded int `json:"superseded"`
	Conflicts  int `json:"conflicts"`
}

// RunReport is the audit trail of one run. It is finalized once and never
// changed afterwards.
type RunReport struct {
	RunID       string          `json:"run_id"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  time.Time       `json:"finished_at"`
	Mode        string          `json:"mode"`
	MergePolicy string          `json:"merge_policy"`
	Status      RunStatus       `json:"status"`
	FatalError  string          `json:"fatal_error,omitempty"`
	Totals      Totals          `json:"totals"`
	Targets     []TargetOutcome `json:"targets"`
}

// Summarize recomputes Totals from the target outcomes.
func (r *RunReport) Summarize() {
	t := Totals{Targets: len(r.Targets)}
	for i := range r.Targets {
		o := &r.Targets[i]
		switch o.Status {
		case TargetSucceeded:
			t.Succeeded++
		case TargetNoData:
			t.NoData++
		case TargetFailed:
			t.Failed++
		case TargetSkipped:
			t.Skipped++
		}
		t.Fetched += o.Fetched
		t.Extracted += o.Extracted
		t.Validated += o.Validated
		t.Rejected += o.Rejected
		t.Written += o.Written
		t.Unchanged += o.Unchanged
		t.Superseded += o.Superseded
		t.Conflicts += len(o.Conflicts)
	}
	r.Totals = t
}

// Duration returns how long the run took.
func (r *RunReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
