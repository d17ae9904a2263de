package paygate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestInvokeReturnsEnvelopeOnPaymentRequired(t *testing.T) {
	var gotRequestID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/invoke" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotRequestID = r.Header.Get(HeaderRequestID)
		var body InvokeRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body.ToolID != "analyze_wallet_portfolio" || body.Principal != "0xabc" {
			t.Fatalf("unexpected body %+v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"success":false,"tool":"analyze_wallet_portfolio","error":"InsufficientFunds","have":"0.2","need":"0.5","charged":false,"suggestion":"Top up"}`))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	env, err := client.Invoke(context.Background(), InvokeRequest{
		ToolID:    "analyze_wallet_portfolio",
		Arguments: map[string]any{"address": "0xabc"},
		Principal: "0xabc",
		RequestID: "req-7",
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if env.Success || env.Error != "InsufficientFunds" || env.Have != "0.2" || env.Need != "0.5" || env.Charged {
		t.Fatalf("unexpected envelope %+v", env)
	}
	if gotRequestID != "req-7" {
		t.Fatalf("request id header not sent: %q", gotRequestID)
	}
}

func TestInvokeDecodesData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"tool":"get_gas_price","data":{"gwei":"1.5"},"charged":false}`))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	env, err := client.Invoke(context.Background(), InvokeRequest{ToolID: "get_gas_price"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	var data struct {
		Gwei string `json:"gwei"`
	}
	if err := env.DecodeData(&data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.Gwei != "1.5" {
		t.Fatalf("unexpected data %+v", data)
	}
}

func TestInvokeTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"toolId 不能为空"}`))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.Invoke(context.Background(), InvokeRequest{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.Message != "toolId 不能为空" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
}

func TestListToolsAndAttempt(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/prefix/api/v1/tools", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"tools":[{"id":"get_gas_price","tier":"free","price":"0","inputSchema":{"type":"object"}}]}`))
	})
	mux.HandleFunc("/prefix/api/v1/attempts/tool-1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"attemptId":"tool-1","completed":true,"result":"succeeded","entries":[{"attempt_id":"tool-1","phase":"attempt_started","sequence":1}]}`))
	})
	mux.HandleFunc("/prefix/api/v1/attempts/missing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"未找到支付尝试"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := NewClient(srv.URL+"/prefix", srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	tools, err := client.ListTools(context.Background())
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	if len(tools) != 1 || tools[0].ID != "get_gas_price" || tools[0].Tier != "free" {
		t.Fatalf("unexpected tools %+v", tools)
	}

	attempt, err := client.GetAttempt(context.Background(), "tool-1")
	if err != nil {
		t.Fatalf("get attempt: %v", err)
	}
	if !attempt.Completed || len(attempt.Entries) != 1 || attempt.Entries[0].Phase != "attempt_started" {
		t.Fatalf("unexpected attempt %+v", attempt)
	}

	_, err = client.GetAttempt(context.Background(), "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 api error, got %v", err)
	}
}
