package server

import (
	"vaultline/internal/domain"
)

// Request payloads

type BatchSubmitRequest struct {
	Type  string   `json:"type" enum:"disseminate,withdraw,peek"`
	IEIDs []string `json:"ieids" minItems:"1"`
}

// Response payloads

type RequestResponse struct {
	ID           int64  `json:"id"`
	IEID         string `json:"ieid"`
	Account      string `json:"account"`
	Agent        string `json:"agent"`
	Type         string `json:"type" enum:"disseminate,withdraw,peek"`
	IsAuthorized bool   `json:"is_authorized"`
	Status       string `json:"status" enum:"enqueued,released_to_workspace"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type EnqueueResponse struct {
	RequestID int64 `json:"request_id"`
}

// BatchSubmitResponse buckets per-ieid outcomes; a bad ieid never aborts the
// rest of the batch.
type BatchSubmitResponse struct {
	Created       []string `json:"created"`
	AlreadyExist  []string `json:"already_exist"`
	NotAuthorized []string `json:"not_authorized"`
	Unknown       []string `json:"unknown"`
}

// AccountRequestsResponse groups an account's requests by ieid.
type AccountRequestsResponse struct {
	Account  string                       `json:"account"`
	Requests map[string][]RequestResponse `json:"requests"`
}

type EventResponse struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	IEID    string `json:"ieid,omitempty"`
	Agent   string `json:"agent"`
	Payload string `json:"payload_json"`
}

func requestResponse(r domain.Request) RequestResponse {
	return RequestResponse{
		ID:           r.ID,
		IEID:         r.IEID,
		Account:      r.AccountCode,
		Agent:        r.AgentID,
		Type:         r.Type,
		IsAuthorized: r.IsAuthorized,
		Status:       r.Status,
		CreatedAt:    r.CreatedAt,
	}
}

func mapRequests(items []domain.Request) []RequestResponse {
	res := make([]RequestResponse, 0, len(items))
	for _, r := range items {
		res = append(res, requestResponse(r))
	}
	return res
}

func groupByIEID(items []domain.Request) map[string][]RequestResponse {
	res := map[string][]RequestResponse{}
	for _, r := range items {
		res[r.IEID] = append(res[r.IEID], requestResponse(r))
	}
	return res
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, EventResponse{
			ID:      e.ID,
			TS:      e.TS,
			Type:    e.Type,
			IEID:    e.IEID,
			Agent:   e.AgentID,
			Payload: e.Payload,
		})
	}
	return res
}
