package domain

// Batch lifecycle states.
const (
	BatchVoting     = "voting"
	BatchDiscussion = "discussion"
	BatchCompleted  = "completed"
	BatchCancelled  = "cancelled"
)

// Issue states within a batch.
const (
	IssuePending  = "pending"
	IssueResolved = "resolved"
)

// How a resolved issue got its final points.
const (
	ResolutionConsensus  = "consensus"
	ResolutionDiscussion = "discussion"
)

type Batch struct {
	ID          int64   `json:"id"`
	PublicID    string  `json:"public_id"`
	Date        string  `json:"date"`
	Facilitator string  `json:"facilitator"`
	Status      string  `json:"status" enum:"voting,discussion,completed,cancelled"`
	Deadline    string  `json:"deadline" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	Issues      []Issue `json:"issues,omitempty"`
}

// Terminal reports whether the batch can no longer be mutated.
func (b Batch) Terminal() bool {
	return b.Status == BatchCompleted || b.Status == BatchCancelled
}

type Issue struct {
	ID          int64   `json:"id"`
	BatchID     int64   `json:"batch_id"`
	Number      string  `json:"number"`
	Title       string  `json:"title"`
	URL         string  `json:"url,omitempty"`
	Status      string  `json:"status" enum:"pending,resolved"`
	FinalPoints *int    `json:"final_points,omitempty"`
	Rationale   string  `json:"rationale,omitempty"`
	Resolution  *string `json:"resolution,omitempty" enum:"consensus,discussion"`
}

type Vote struct {
	BatchID     int64  `json:"batch_id"`
	IssueNumber string `json:"issue_number"`
	Voter       string `json:"voter"`
	Points      int    `json:"points"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Abstention struct {
	BatchID     int64  `json:"batch_id"`
	IssueNumber string `json:"issue_number"`
	Voter       string `json:"voter"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type FinalEstimate struct {
	BatchID     int64  `json:"batch_id"`
	IssueNumber string `json:"issue_number"`
	Points      int    `json:"points"`
	Rationale   string `json:"rationale,omitempty"`
	Resolution  string `json:"resolution"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	BatchID int64  `json:"batch_id"`
	Issue   string `json:"issue,omitempty"`
	Actor   string `json:"actor"`
	Payload string `json:"payload_json"`
}

type Reminder struct {
	BatchID int64  `json:"batch_id"`
	Kind    string `json:"kind"`
	SentAt  string `json:"sent_at" format:"date-time"`
}
