package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"OpenMCP-Paygate/sdk/go/paygate"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/tools", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"tools": []paygate.Tool{
			{ID: "get_gas_price", Tier: "free", Price: "0"},
			{ID: "analyze_wallet_portfolio", Tier: "premium", Price: "0.5"},
		}})
	})
	mux.HandleFunc("/api/v1/invoke", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		_ = json.NewEncoder(w).Encode(paygate.Envelope{
			Tool:       "analyze_wallet_portfolio",
			Tier:       "premium",
			Error:      "InsufficientFunds",
			Have:       "0.2",
			Need:       "0.5",
			Suggestion: "Top up the paying wallet with at least 0.5 USDC and retry.",
		})
	})
	mux.HandleFunc("/api/v1/attempts/demo-1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(paygate.Attempt{AttemptID: "demo-1", Completed: true, Result: "failed"})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := paygate.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tools, err := client.ListTools(ctx)
	if err != nil {
		panic(err)
	}
	for _, tool := range tools {
		fmt.Printf("tool %s (%s, %s per call)\n", tool.ID, tool.Tier, tool.Price)
	}

	env, err := client.Invoke(ctx, paygate.InvokeRequest{
		ToolID:    "analyze_wallet_portfolio",
		Arguments: map[string]any{"address": "0x0000000000000000000000000000000000000001"},
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("invoke success=%v error=%s have=%s need=%s\n", env.Success, env.Error, env.Have, env.Need)
	fmt.Println(env.Suggestion)

	attempt, err := client.GetAttempt(ctx, "demo-1")
	if err != nil {
		panic(err)
	}
	fmt.Printf("attempt %s completed=%v result=%s\n", attempt.AttemptID, attempt.Completed, attempt.Result)
}
