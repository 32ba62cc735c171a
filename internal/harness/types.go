package harness

import "github.com/roach88/shelf/internal/reconcile"

// ViewState is a subscription's converged view after a step.
type ViewState struct {
	Subscription string   `json:"subscription"`
	IDs          []string `json:"ids"`
	Total        int      `json:"total"`
}

// StepTrace records the views after one step. Step 0 is the initial
// snapshot taken after seeding.
type StepTrace struct {
	Step  int         `json:"step"`
	Label string      `json:"label"`
	Error string      `json:"error,omitempty"`
	Views []ViewState `json:"views"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every step converged, every expected error
	// occurred and every assertion held.
	Pass bool `json:"pass"`

	// Trace holds the converged views after each step.
	Trace []StepTrace `json:"trace"`

	// Errors contains failure messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Views are the final reconciled views, keyed by subscription name.
	Views map[string]reconcile.Snapshot `json:"views"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []StepTrace{},
		Errors: []string{},
		Views:  make(map[string]reconcile.Snapshot),
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
