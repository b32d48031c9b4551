package server

import (
	"encoding/json"

	"refinery/internal/domain"
	"refinery/internal/engine"
)

// Request payloads

type StartBatchRequest struct {
	Issues []string `json:"issues" doc:"Issue URLs, one per item"`
}

type VoteEntryRequest struct {
	Ref     string `json:"ref"`
	Points  int    `json:"points,omitempty"`
	Abstain bool   `json:"abstain,omitempty"`
}

type SubmitVotesRequest struct {
	OnBehalfOf string             `json:"on_behalf_of,omitempty" doc:"Proxy target; facilitator only"`
	Entries    []VoteEntryRequest `json:"entries"`
}

type FinishEntryRequest struct {
	Ref       string `json:"ref"`
	Points    int    `json:"points"`
	Rationale string `json:"rationale,omitempty"`
}

type FinishRequest struct {
	Entries []FinishEntryRequest `json:"entries"`
}

type VotersRequest struct {
	Names []string `json:"names"`
}

// Response payloads

type IssueResponse struct {
	Number      string  `json:"number"`
	Title       string  `json:"title"`
	URL         string  `json:"url,omitempty"`
	Status      string  `json:"status" enum:"pending,resolved"`
	FinalPoints *int    `json:"final_points,omitempty"`
	Rationale   string  `json:"rationale,omitempty"`
	Resolution  *string `json:"resolution,omitempty"`
}

type BatchResponse struct {
	PublicID    string          `json:"public_id"`
	Date        string          `json:"date"`
	Facilitator string          `json:"facilitator"`
	Status      string          `json:"status" enum:"voting,discussion,completed,cancelled"`
	Deadline    string          `json:"deadline"`
	CreatedAt   string          `json:"created_at"`
	Issues      []IssueResponse `json:"issues,omitempty"`
}

type StatusResponse struct {
	Batch        BatchResponse  `json:"batch"`
	Roster       []string       `json:"roster"`
	Waiting      []string       `json:"waiting,omitempty"`
	VotesByIssue map[string]int `json:"votes_by_issue,omitempty"`
}

type VoteResponse struct {
	Voter      string             `json:"voter"`
	Recorded   int                `json:"recorded"`
	Abstained  int                `json:"abstained"`
	Replaced   int                `json:"replaced"`
	Evaluation *engine.Evaluation `json:"evaluation,omitempty"`
}

type RemoveVotersResponse struct {
	Outcomes   []engine.VoterOutcome `json:"outcomes"`
	Evaluation *engine.Evaluation    `json:"evaluation,omitempty"`
}

type EstimateResponse struct {
	IssueNumber string `json:"issue_number"`
	Points      int    `json:"points"`
	Rationale   string `json:"rationale,omitempty"`
	Resolution  string `json:"resolution"`
	CreatedAt   string `json:"created_at"`
}

type EventResponse struct {
	ID      int64           `json:"id"`
	TS      string          `json:"ts"`
	Type    string          `json:"type"`
	BatchID int64           `json:"batch_id"`
	Issue   string          `json:"issue,omitempty"`
	Actor   string          `json:"actor"`
	Payload json.RawMessage `json:"payload"`
}

func issueResponse(is domain.Issue) IssueResponse {
	return IssueResponse{
		Number:      is.Number,
		Title:       is.Title,
		URL:         is.URL,
		Status:      is.Status,
		FinalPoints: is.FinalPoints,
		Rationale:   is.Rationale,
		Resolution:  is.Resolution,
	}
}

func batchResponse(b domain.Batch) BatchResponse {
	resp := BatchResponse{
		PublicID:    b.PublicID,
		Date:        b.Date,
		Facilitator: b.Facilitator,
		Status:      b.Status,
		Deadline:    b.Deadline,
		CreatedAt:   b.CreatedAt,
	}
	for _, is := range b.Issues {
		resp.Issues = append(resp.Issues, issueResponse(is))
	}
	return resp
}

func statusResponse(st engine.StatusReport) StatusResponse {
	return StatusResponse{
		Batch:        batchResponse(st.Batch),
		Roster:       st.Roster,
		Waiting:      st.Waiting,
		VotesByIssue: st.VotesByIssue,
	}
}

func voteResponse(res engine.VoteResult) VoteResponse {
	return VoteResponse{
		Voter:      res.Voter,
		Recorded:   res.Recorded,
		Abstained:  res.Abstained,
		Replaced:   res.Replaced,
		Evaluation: res.Evaluation,
	}
}

func estimateResponse(fe domain.FinalEstimate) EstimateResponse {
	return EstimateResponse{
		IssueNumber: fe.IssueNumber,
		Points:      fe.Points,
		Rationale:   fe.Rationale,
		Resolution:  fe.Resolution,
		CreatedAt:   fe.CreatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	payload := json.RawMessage("{}")
	if e.Payload != "" && json.Valid([]byte(e.Payload)) {
		payload = json.RawMessage(e.Payload)
	}
	return EventResponse{
		ID:      e.ID,
		TS:      e.TS,
		Type:    e.Type,
		BatchID: e.BatchID,
		Issue:   e.Issue,
		Actor:   e.Actor,
		Payload: payload,
	}
}
