package harness

import "github.com/roach88/vchain/internal/entity"

// Transaction outcomes.
const (
	OutcomeCommitted = "committed"
	OutcomeAborted   = "aborted"
	OutcomeFailed    = "failed"
)

// TransactionOutcome records how one scenario transaction ended.
type TransactionOutcome struct {
	Index   int    `json:"index"`
	As      string `json:"as,omitempty"`
	Outcome string `json:"outcome"` // committed, aborted, or failed
	Error   string `json:"error,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall success: every transaction ended as expected
	// and every assertion held.
	Pass bool `json:"pass"`

	// Outcomes lists the transactions in execution order.
	Outcomes []TransactionOutcome `json:"outcomes"`

	// Entities is every stored record after the run, in id order.
	Entities []*entity.Entity `json:"entities"`

	// LiveScopes is the number of execution contexts left with open frames.
	LiveScopes int `json:"live_scopes"`

	// Errors contains failure messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:     true,
		Outcomes: []TransactionOutcome{},
		Entities: []*entity.Entity{},
		Errors:   []string{},
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddOutcome records how a transaction ended.
func (r *Result) AddOutcome(o TransactionOutcome) {
	r.Outcomes = append(r.Outcomes, o)
}

// Entity returns the stored record with the given id, or nil.
func (r *Result) Entity(id int64) *entity.Entity {
	for _, e := range r.Entities {
		if e.ID == id {
			return e
		}
	}
	return nil
}
