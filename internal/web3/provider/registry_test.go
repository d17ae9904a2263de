package provider

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"OpenMCP-Paygate/internal/config"
	"OpenMCP-Paygate/internal/web3"
)

type namedClient struct {
	web3.Client
	name   string
	closed bool
}

func (c *namedClient) Close() { c.closed = true }

func TestRegistryMatchesNetwork(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chain.yaml")
	content := `chains:
  base-sepolia:
    type: evm
    network: eip155:84532
    rpc_url: https://sepolia.base.org
    explorer_tx_url: https://sepolia.basescan.org/tx/
  mainnet:
    rpc_url: https://eth.example
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write chain config: %v", err)
	}

	dialed := map[string]*namedClient{}
	dial := func(_ context.Context, name string, _ web3.ChainDefinition) (web3.Client, error) {
		c := &namedClient{name: name}
		dialed[name] = c
		return c, nil
	}

	reg, err := NewRegistryWithDialer(context.Background(), config.Web3Config{ChainConfig: path, DefaultChain: "mainnet"}, dial)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	client, def, err := reg.ClientForNetwork("eip155:84532")
	if err != nil {
		t.Fatalf("client for network: %v", err)
	}
	if client.(*namedClient).name != "base-sepolia" || def.ExplorerTxURL == "" {
		t.Fatalf("unexpected match %+v", def)
	}

	fallback, _, err := reg.ClientForNetwork("eip155:1")
	if err != nil {
		t.Fatalf("fallback: %v", err)
	}
	if fallback.(*namedClient).name != "mainnet" {
		t.Fatalf("expected default chain fallback")
	}

	if got := reg.Chains(); len(got) != 2 || got[0] != "base-sepolia" {
		t.Fatalf("unexpected chains %v", got)
	}

	reg.Close()
	for name, c := range dialed {
		if !c.closed {
			t.Fatalf("client %s not closed", name)
		}
	}
}

func TestRegistryFallsBackToRPCURL(t *testing.T) {
	dial := func(_ context.Context, name string, def web3.ChainDefinition) (web3.Client, error) {
		if def.RPCURL != "http://127.0.0.1:8545" {
			t.Fatalf("unexpected rpc url %s", def.RPCURL)
		}
		return &namedClient{name: name}, nil
	}
	reg, err := NewRegistryWithDialer(context.Background(), config.Web3Config{RPCURL: "http://127.0.0.1:8545"}, dial)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	client, err := reg.DefaultClient()
	if err != nil || client.(*namedClient).name != "default" {
		t.Fatalf("unexpected default client %v %v", client, err)
	}
}

func TestRegistryRequiresEndpoint(t *testing.T) {
	if _, err := NewRegistryWithDialer(context.Background(), config.Web3Config{}, nil); err == nil {
		t.Fatal("expected error without endpoints")
	}
}
