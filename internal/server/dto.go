package server

import (
	"sort"

	"archiflow/internal/chatbot"
	"archiflow/internal/domain"
	"archiflow/internal/engine"
)

// Request payloads

type ChatRequest struct {
	Message            string `json:"message" minLength:"1" example:"create a contract for ABC Corp"`
	SelectedContractID string `json:"selected_contract_id,omitempty" example:"CONT-0192F1A3"`
}

type CreateContractRequest struct {
	ID          *string  `json:"id,omitempty"`
	ClientName  string   `json:"client_name"`
	StartDate   *string  `json:"start_date,omitempty" example:"2026-01-01"`
	EndDate     *string  `json:"end_date,omitempty" example:"2026-12-31"`
	Value       *float64 `json:"value,omitempty"`
	Status      *string  `json:"status,omitempty" example:"Draft"`
	Description *string  `json:"description,omitempty"`
}

type UpdateContractRequest struct {
	Field string `json:"field" enum:"client_name,status,description,value,amount,start_date,end_date"`
	Value string `json:"value"`
}

// Response payloads

type ChatResponse struct {
	Kind   string `json:"kind" enum:"message,error"`
	Text   string `json:"text"`
	Intent string `json:"intent,omitempty"`
}

type ContractResponse struct {
	ID          string  `json:"id"`
	ClientName  string  `json:"client_name"`
	StartDate   string  `json:"start_date"`
	EndDate     string  `json:"end_date"`
	Value       float64 `json:"value"`
	Status      string  `json:"status"`
	Description string  `json:"description"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
}

type ContractListResponse struct {
	Items      []ContractResponse `json:"items"`
	Total      int                `json:"total"`
	TotalValue float64            `json:"total_value"`
}

type StatusCount struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

type StatsResponse struct {
	Count      int           `json:"count"`
	TotalValue float64       `json:"total_value"`
	ByStatus   []StatusCount `json:"by_status"`
}

func chatResponse(r chatbot.Reply) ChatResponse {
	return ChatResponse{Kind: r.Kind.String(), Text: r.Text, Intent: string(r.Intent)}
}

func contractResponse(c domain.Contract) ContractResponse {
	return ContractResponse(c)
}

func mapContracts(items []domain.Contract) []ContractResponse {
	out := make([]ContractResponse, 0, len(items))
	for _, c := range items {
		out = append(out, contractResponse(c))
	}
	return out
}

func statsResponse(st engine.Stats) StatsResponse {
	resp := StatsResponse{Count: st.Count, TotalValue: st.TotalValue, ByStatus: []StatusCount{}}
	for status, n := range st.ByStatus {
		resp.ByStatus = append(resp.ByStatus, StatusCount{Status: status, Count: n})
	}
	sort.Slice(resp.ByStatus, func(i, j int) bool { return resp.ByStatus[i].Status < resp.ByStatus[j].Status })
	return resp
}

func (r CreateContractRequest) options() engine.ContractCreateOptions {
	return engine.ContractCreateOptions{
		ID:          deref(r.ID),
		ClientName:  r.ClientName,
		StartDate:   deref(r.StartDate),
		EndDate:     deref(r.EndDate),
		Value:       r.Value,
		Status:      deref(r.Status),
		Description: deref(r.Description),
	}
}

func deref(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
