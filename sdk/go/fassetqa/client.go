package fassetqa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the fassetqa management API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// Preview is the decision preview of one agent. Amounts are decimal strings.
type Preview struct {
	AgentVault      string `json:"agent_vault"`
	MintedUBA       string `json:"minted_uba"`
	FreeLots        string `json:"free_collateral_lots"`
	FreeUBA         string `json:"free_uba"`
	TotalUBA        string `json:"total_uba"`
	MintedRatio     string `json:"minted_ratio,omitempty"`
	TransferPending bool   `json:"transfer_pending"`
	ReturnPending   bool   `json:"return_pending"`
	TransferUBA     string `json:"transfer_uba"`
	TransferLots    string `json:"transfer_lots"`
	ReturnUBA       string `json:"return_uba"`
	ReturnLots      string `json:"return_lots"`
}

// Submission acknowledges an enqueued evaluation.
type Submission struct {
	AgentVault string `json:"agent_vault"`
	Status     string `json:"status"`
}

// Decision is one recorded policy decision.
type Decision struct {
	ID          int64     `json:"id"`
	AgentVault  string    `json:"agent_vault"`
	Direction   string    `json:"direction"`
	Outcome     string    `json:"outcome"`
	MintedRatio string    `json:"minted_ratio,omitempty"`
	AmountUBA   string    `json:"amount_uba,omitempty"`
	Lots        string    `json:"lots,omitempty"`
	Error       string    `json:"error,omitempty"`
	DecidedAt   time.Time `json:"decided_at"`
}

// ChainStatus describes one configured chain.
type ChainStatus struct {
	Name        string `json:"name"`
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
	Notes       string `json:"notes,omitempty"`
}

// Health is the /healthz payload.
type Health struct {
	Status string            `json:"status"`
	Chains []ChainStatus     `json:"chains,omitempty"`
	Errors map[string]string `json:"errors,omitempty"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("fassetqa api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("fassetqa api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client. When httpClient is nil, a default client
// with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url: %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetToken sets the bearer token sent with /api/v1 requests.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Preview fetches the current decision preview of an agent.
func (c *Client) Preview(ctx context.Context, agentVault string) (Preview, error) {
	var out Preview
	err := c.call(ctx, http.MethodGet, "/api/v1/agents/"+url.PathEscape(agentVault)+"/decision", nil, &out)
	return out, err
}

// Evaluate enqueues an evaluation of the agent.
func (c *Client) Evaluate(ctx context.Context, agentVault string) (Submission, error) {
	var out Submission
	err := c.call(ctx, http.MethodPost, "/api/v1/agents/"+url.PathEscape(agentVault)+"/evaluate", nil, &out)
	return out, err
}

// Decisions lists recent decisions, newest first. A non-positive limit uses
// the server default.
func (c *Client) Decisions(ctx context.Context, limit int) ([]Decision, error) {
	endpoint := "/api/v1/decisions"
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	var out []Decision
	err := c.call(ctx, http.MethodGet, endpoint, nil, &out)
	return out, err
}

// Health reports chain connectivity. A degraded service returns the payload
// together with an *APIError.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var out Health
	req, err := c.newRequest(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		return out, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return out, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return out, &APIError{StatusCode: resp.StatusCode, Message: out.Status}
	}
	return out, nil
}

func (c *Client) call(ctx context.Context, method, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("build url: %w", err)
	}
	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, rel.Path)
	u.RawPath = ""
	if rel.RawPath != "" {
		u.RawPath = path.Join(c.baseURL.EscapedPath(), rel.RawPath)
	}
	u.RawQuery = rel.RawQuery
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 && json.Unmarshal(data, apiErr) != nil {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// IsStatus reports whether err is an *APIError with the given status code.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}
