package models

import "time"

const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
	DecisionNote    = "note"
)

// FeedbackVersion is stamped into the pushed artifact so the engine
// can reject a format it does not understand.
const FeedbackVersion = 1

// HumanFeedback is an operator decision about a blocked run. The JSON
// form is what gets pushed to the worker as reports/human-feedback.json;
// the other fields only live in the local ledger.
type HumanFeedback struct {
	ID        int64     `json:"-"`
	RunID     int64     `json:"-"`
	V         int       `json:"v"`
	Decision  string    `json:"decision"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"ts"`
}
