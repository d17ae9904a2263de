package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	v2 "github.com/mark3labs/x402-go/v2"
)

const testSignerKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "paygate.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaultsAndResolvesSecrets(t *testing.T) {
	t.Setenv("TEST_PAYGATE_KEY", "0x"+testSignerKey)
	path := writeConfig(t, `{
		"payment": {
			"network": "eip155:84532",
			"payee_address": "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
			"signer_key_env": "TEST_PAYGATE_KEY",
			"facilitator_url": "https://x402.org/facilitator"
		},
		"catalog": {"path": "catalog.yaml"}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	dir := filepath.Dir(path)
	if cfg.Catalog.Path != filepath.Join(dir, "catalog.yaml") {
		t.Fatalf("catalog path not resolved: %s", cfg.Catalog.Path)
	}
	if cfg.Payment.AssetAddress != v2.BaseSepolia.USDCAddress {
		t.Fatalf("expected base sepolia USDC, got %s", cfg.Payment.AssetAddress)
	}
	if cfg.Payment.AssetDecimals != 6 || cfg.Payment.AssetName != "USDC" || cfg.Payment.AssetVersion != "2" {
		t.Fatalf("unexpected asset defaults: %+v", cfg.Payment)
	}
	if cfg.Payment.SignerKey == "" {
		t.Fatalf("signer key should be resolved from the environment")
	}
	if cfg.Payment.AuthorizationValidity().Hours() != 1 {
		t.Fatalf("authorization validity should default to one hour")
	}
	if cfg.Payment.VerifyTimeout().Seconds() != 10 || cfg.Payment.SettleTimeout().Seconds() != 60 {
		t.Fatalf("unexpected timeouts")
	}
	if cfg.Payment.Rate().String() != "1" {
		t.Fatalf("unexpected conversion rate %s", cfg.Payment.Rate())
	}
	if cfg.Audit.Driver != "file" || cfg.Audit.Path != filepath.Join(dir, "data", "audit.jsonl") {
		t.Fatalf("unexpected audit defaults: %+v", cfg.Audit)
	}
}

func TestLoadRejectsMissingCredential(t *testing.T) {
	path := writeConfig(t, `{
		"payment": {
			"payee_address": "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
			"signer_key_env": "TEST_PAYGATE_KEY_UNSET",
			"facilitator_url": "https://x402.org/facilitator"
		}
	}`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected missing signer key to be fatal")
	}
	if !strings.Contains(err.Error(), "TEST_PAYGATE_KEY_UNSET") {
		t.Fatalf("error should name the env variable: %v", err)
	}
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults(t.TempDir())
	cfg.Payment.PayeeAddress = "not-an-address"
	cfg.Payment.ConversionRate = "-2"
	cfg.Audit.Driver = "mysql"
	cfg.Server.Transport = "carrier-pigeon"

	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation to fail")
	}
	msg := err.Error()
	for _, want := range []string{"payee_address", "签名私钥", "facilitator_url", "conversion_rate", "dsn", "carrier-pigeon"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected %q in %v", want, msg)
		}
	}
}

func TestValidateRejectsNonEVMNetwork(t *testing.T) {
	cfg := &Config{}
	cfg.Payment.Network = v2.NetworkSolanaDevnet
	cfg.applyDefaults(t.TempDir())
	cfg.Payment.PayeeAddress = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
	cfg.Payment.SignerKey = testSignerKey
	cfg.Payment.FacilitatorURL = "https://x402.org/facilitator"

	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "EVM") {
		t.Fatalf("expected EVM-only error, got %v", err)
	}
}
