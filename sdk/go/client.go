package archiflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal ArchiFlow HTTP API client.
type Client struct {
	BaseURL    string
	BasePath   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults. Chat requests wait on the model and
// its retries, so the timeout is generous.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  60 * time.Second,
	}
}

// Contract mirrors the API contract model.
type Contract struct {
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

// NewContract is the create payload. Nil fields take server defaults.
type NewContract struct {
	ID          *string  `json:"id,omitempty"`
	ClientName  string   `json:"client_name"`
	StartDate   *string  `json:"start_date,omitempty"`
	EndDate     *string  `json:"end_date,omitempty"`
	Value       *float64 `json:"value,omitempty"`
	Status      *string  `json:"status,omitempty"`
	Description *string  `json:"description,omitempty"`
}

// ContractList is a page of contracts with totals over every match.
type ContractList struct {
	Items      []Contract `json:"items"`
	Total      int        `json:"total"`
	TotalValue float64    `json:"total_value"`
}

// ChatReply is the assistant's answer. Kind is "message" or "error".
type ChatReply struct {
	Kind   string `json:"kind"`
	Text   string `json:"text"`
	Intent string `json:"intent,omitempty"`
}

type Stats struct {
	Count      int     `json:"count"`
	TotalValue float64 `json:"total_value"`
	ByStatus   []struct {
		Status string `json:"status"`
		Count  int    `json:"count"`
	} `json:"by_status"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Chat sends one message to the assistant, optionally about a selected contract.
func (c *Client) Chat(ctx context.Context, message, selectedContractID string) (ChatReply, error) {
	body := map[string]any{"message": message}
	if selectedContractID != "" {
		body["selected_contract_id"] = selectedContractID
	}
	var resp ChatReply
	err := c.do(ctx, http.MethodPost, "chat", body, &resp)
	return resp, err
}

// ListContracts searches contracts; empty filters match everything.
func (c *Client) ListContracts(ctx context.Context, search, status string, limit int) (ContractList, error) {
	q := url.Values{}
	if search != "" {
		q.Set("search", search)
	}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	endpoint := "contracts"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp ContractList
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) CreateContract(ctx context.Context, in NewContract) (Contract, error) {
	var resp Contract
	err := c.do(ctx, http.MethodPost, "contracts", in, &resp)
	return resp, err
}

func (c *Client) GetContract(ctx context.Context, id string) (Contract, error) {
	var resp Contract
	err := c.do(ctx, http.MethodGet, "contracts/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// UpdateContract sets one field.
func (c *Client) UpdateContract(ctx context.Context, id, field, value string) (Contract, error) {
	var resp Contract
	err := c.do(ctx, http.MethodPatch, "contracts/"+url.PathEscape(id), map[string]string{"field": field, "value": value}, &resp)
	return resp, err
}

func (c *Client) DeleteContract(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "contracts/"+url.PathEscape(id), nil, nil)
}

func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var resp Stats
	err := c.do(ctx, http.MethodGet, "stats", nil, &resp)
	return resp, err
}

// Expiring lists active contracts ending within days (server default when <= 0).
func (c *Client) Expiring(ctx context.Context, days int) ([]Contract, error) {
	endpoint := "expiring"
	if days > 0 {
		endpoint += "?days=" + strconv.Itoa(days)
	}
	var resp []Contract
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	basePath := strings.Trim(c.BasePath, "/")
	if basePath == "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + basePath
}
