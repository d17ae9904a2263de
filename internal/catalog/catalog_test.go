package catalog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	xerrors "OpenMCP-Paygate/internal/errors"
)

const sampleCatalog = `
tools:
  - id: get_gas_price
    tier: free
    description: Current gas price.
  - id: analyze_wallet_portfolio
    tier: premium
    price: "0.5"
    input_schema:
      type: object
      required: [address]
      properties:
        address:
          type: string
          pattern: "^0x[0-9a-fA-F]{40}$"
  - id: trace_token_transfers
    tier: ultra
    price: "1.25"
    input_schema:
      type: object
      required: [address]
      properties:
        address: {type: string}
        from_block: {type: integer, minimum: 0}
`

func loadSample(t *testing.T) *Catalog {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte(sampleCatalog), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	return c
}

func TestLoadAndLookup(t *testing.T) {
	c := loadSample(t)

	if c.Len() != 3 {
		t.Fatalf("expected 3 tools, got %d", c.Len())
	}
	desc, err := c.Lookup("analyze_wallet_portfolio")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if desc.Tier != TierPremium || !desc.Tier.Paid() {
		t.Fatalf("unexpected tier %s", desc.Tier)
	}
	price, err := c.PriceOf("analyze_wallet_portfolio")
	if err != nil || price.String() != "0.5" {
		t.Fatalf("unexpected price %s (%v)", price, err)
	}
	free, _ := c.Lookup("get_gas_price")
	if free.Tier.Paid() || !free.Price.IsZero() {
		t.Fatalf("free tool should be unpaid and zero priced: %+v", free)
	}

	ids := make([]string, 0, 3)
	for _, d := range c.List() {
		ids = append(ids, d.ID)
	}
	if strings.Join(ids, ",") != "get_gas_price,analyze_wallet_portfolio,trace_token_transfers" {
		t.Fatalf("list should keep file order: %v", ids)
	}
}

func TestLookupUnknown(t *testing.T) {
	c := loadSample(t)
	_, err := c.Lookup("mint_money")
	if xerrors.CodeOf(err) != CodeToolNotFound {
		t.Fatalf("expected TOOL_NOT_FOUND, got %v", err)
	}
	if _, err := c.PriceOf("mint_money"); xerrors.CodeOf(err) != CodeToolNotFound {
		t.Fatalf("expected TOOL_NOT_FOUND from PriceOf, got %v", err)
	}
}

func TestValidateAndSanitize(t *testing.T) {
	c := loadSample(t)
	desc, _ := c.Lookup("trace_token_transfers")

	args := desc.Sanitize(map[string]any{
		"address":    "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
		"from_block": 12,
		"verbose":    true,
	})
	if _, ok := args["verbose"]; ok {
		t.Fatalf("unknown fields should be dropped")
	}
	if err := desc.Validate(args); err != nil {
		t.Fatalf("valid arguments rejected: %v", err)
	}

	err := desc.Validate(map[string]any{"from_block": 3})
	if xerrors.CodeOf(err) != CodeValidation {
		t.Fatalf("expected VALIDATION_ERROR for missing address, got %v", err)
	}
	err = desc.Validate(map[string]any{"address": "x", "from_block": -1})
	if xerrors.CodeOf(err) != CodeValidation {
		t.Fatalf("expected VALIDATION_ERROR for negative block, got %v", err)
	}

	portfolio, _ := c.Lookup("analyze_wallet_portfolio")
	if err := portfolio.Validate(map[string]any{"address": "vitalik"}); err == nil {
		t.Fatalf("pattern mismatch should fail validation")
	}
}

func TestNewRejectsMalformedEntries(t *testing.T) {
	cases := []struct {
		name    string
		entries []Entry
		want    string
	}{
		{"missing id", []Entry{{Tier: "free"}}, "missing id"},
		{"unknown tier", []Entry{{ID: "a", Tier: "gold", Price: "1"}}, "unknown tier"},
		{"negative price", []Entry{{ID: "a", Tier: "premium", Price: "-1"}}, "negative price"},
		{"paid without price", []Entry{{ID: "a", Tier: "ultra"}}, "positive price"},
		{"free with price", []Entry{{ID: "a", Tier: "free", Price: "0.1"}}, "free tier"},
		{"duplicate", []Entry{{ID: "a", Tier: "free"}, {ID: "a", Tier: "free"}}, "重复"},
		{"bad schema", []Entry{{ID: "a", Tier: "free", InputSchema: map[string]any{"type": 12}}}, "input schema"},
		{"empty", nil, "为空"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.entries)
			if err == nil {
				t.Fatalf("expected error")
			}
			if xerrors.CodeOf(err) != CodeInvalidCatalog {
				t.Fatalf("expected INVALID_CATALOG, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q in %v", tc.want, err)
			}
		})
	}
}
