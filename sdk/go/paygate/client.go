package paygate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// DefaultHTTPTimeout covers a full settlement round trip.
const DefaultHTTPTimeout = 90 * time.Second

// HeaderRequestID correlates a request with its envelope.
const HeaderRequestID = "X-Request-ID"

// Client wraps the HTTP interactions with the paygate REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// InvokeRequest asks the gateway to run one tool.
type InvokeRequest struct {
	ToolID    string         `json:"toolId"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Principal string         `json:"principal,omitempty"`
	// RequestID is sent as the X-Request-ID header when set.
	RequestID string `json:"-"`
}

// Receipt is the payment outcome attached to a paid invocation.
type Receipt struct {
	AttemptID            string    `json:"attemptId"`
	Success              bool      `json:"success"`
	TransactionReference string    `json:"transactionReference,omitempty"`
	ExplorerLink         string    `json:"explorerLink,omitempty"`
	ReferenceStatus      string    `json:"referenceStatus,omitempty"`
	Note                 string    `json:"note,omitempty"`
	AuthorizationNonce   string    `json:"authorizationNonce,omitempty"`
	Asset                string    `json:"asset"`
	AssetSymbol          string    `json:"assetSymbol,omitempty"`
	Network              string    `json:"network"`
	Payee                string    `json:"payee"`
	Principal            string    `json:"principal"`
	AmountRequired       string    `json:"amountRequired"`
	AmountAtomic         string    `json:"amountAtomic"`
	AmountSpent          string    `json:"amountSpent,omitempty"`
	BalanceBefore        string    `json:"balanceBefore,omitempty"`
	BalanceAfter         string    `json:"balanceAfter,omitempty"`
	SettledAt            time.Time `json:"settledAt"`
}

// Envelope is the uniform response of an invocation.
type Envelope struct {
	Success        bool            `json:"success"`
	Tool           string          `json:"tool"`
	Tier           string          `json:"tier,omitempty"`
	RequestID      string          `json:"requestId,omitempty"`
	AttemptID      string          `json:"attemptId,omitempty"`
	PaymentReceipt *Receipt        `json:"paymentReceipt,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
	Error          string          `json:"error,omitempty"`
	ErrorDetail    string          `json:"errorDetail,omitempty"`
	Have           string          `json:"have,omitempty"`
	Need           string          `json:"need,omitempty"`
	Charged        bool            `json:"charged"`
	Suggestion     string          `json:"suggestion,omitempty"`
}

// DecodeData unmarshals the tool result into out.
func (e Envelope) DecodeData(out any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("envelope for %s carries no data", e.Tool)
	}
	return json.Unmarshal(e.Data, out)
}

// Tool describes one catalog entry.
type Tool struct {
	ID          string          `json:"id"`
	Tier        string          `json:"tier"`
	Price       string          `json:"price"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// AuditEntry is one phase record of a payment attempt.
type AuditEntry struct {
	EntryID         string    `json:"entry_id"`
	Sequence        uint64    `json:"sequence"`
	RecordedAt      time.Time `json:"recorded_at"`
	AttemptID       string    `json:"attempt_id"`
	ToolID          string    `json:"tool_id"`
	Phase           string    `json:"phase"`
	Result          string    `json:"result"`
	Principal       string    `json:"principal"`
	RequiredAmount  string    `json:"required_amount"`
	TxReference     string    `json:"tx_reference,omitempty"`
	ReferenceStatus string    `json:"reference_status,omitempty"`
	FailureReason   string    `json:"failure_reason,omitempty"`
	Detail          string    `json:"detail,omitempty"`
	Hash            string    `json:"hash,omitempty"`
}

// Attempt is the audit trail of one payment attempt.
type Attempt struct {
	AttemptID string       `json:"attemptId"`
	Completed bool         `json:"completed"`
	Result    string       `json:"result"`
	Entries   []AuditEntry `json:"entries"`
}

// APIError represents transport level failures that carry no envelope.
type APIError struct {
	StatusCode int
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("paygate api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the paygate API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Invoke runs a tool. Failed invocations are returned as envelopes with
// Success=false, not as errors; err is set only when no envelope came back.
func (c *Client) Invoke(ctx context.Context, in InvokeRequest) (Envelope, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/invoke", bytes.NewReader(body))
	if err != nil {
		return Envelope{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if in.RequestID != "" {
		req.Header.Set(HeaderRequestID, in.RequestID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Envelope{}, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Envelope{}, fmt.Errorf("read response: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err == nil && env.Tool != "" {
		return env, nil
	}
	return Envelope{}, apiError(resp.StatusCode, data)
}

// ListTools returns the catalog.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	var out struct {
		Tools []Tool `json:"tools"`
	}
	if err := c.get(ctx, "/api/v1/tools", &out); err != nil {
		return nil, err
	}
	return out.Tools, nil
}

// GetAttempt fetches the audit trail of a payment attempt.
func (c *Client) GetAttempt(ctx context.Context, attemptID string) (Attempt, error) {
	var out Attempt
	if err := c.get(ctx, "/api/v1/attempts/"+url.PathEscape(attemptID), &out); err != nil {
		return Attempt{}, err
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		return apiError(resp.StatusCode, data)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func apiError(status int, data []byte) error {
	apiErr := &APIError{StatusCode: status}
	if len(data) > 0 {
		_ = json.Unmarshal(data, apiErr)
	}
	if apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	return apiErr
}
