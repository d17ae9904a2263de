package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"OpenMCP-Paygate/internal/config"
	"OpenMCP-Paygate/internal/web3"
	"OpenMCP-Paygate/internal/web3/ethereum"
)

// Dialer constructs a chain client for a named definition.
type Dialer func(ctx context.Context, name string, def web3.ChainDefinition) (web3.Client, error)

// DialEthereum is the default Dialer backed by go-ethereum's ethclient.
func DialEthereum(ctx context.Context, name string, def web3.ChainDefinition) (web3.Client, error) {
	return ethereum.NewClient(ctx, ethereum.Config{Name: name, RPCURL: def.RPCURL, Notes: def.Description})
}

type entry struct {
	client web3.Client
	def    web3.ChainDefinition
}

// Registry manages a set of chain clients keyed by human readable names.
type Registry struct {
	defaultChain string
	chains       map[string]entry
}

// NewRegistry loads chain definitions and instantiates concrete clients.
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	return NewRegistryWithDialer(ctx, cfg, DialEthereum)
}

// NewRegistryWithDialer is NewRegistry with a custom client constructor.
func NewRegistryWithDialer(ctx context.Context, cfg config.Web3Config, dial Dialer) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	reg := &Registry{chains: make(map[string]entry)}
	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		if chainType != "evm" {
			reg.Close()
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
		client, err := dial(ctx, name, chain)
		if err != nil {
			reg.Close()
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		reg.chains[name] = entry{client: client, def: chain}
	}

	if len(reg.chains) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		def := web3.ChainDefinition{Type: "evm", RPCURL: cfg.RPCURL}
		client, err := dial(ctx, "default", def)
		if err != nil {
			return nil, err
		}
		reg.chains["default"] = entry{client: client, def: def}
		if cfg.DefaultChain == "" {
			cfg.DefaultChain = "default"
		}
	}

	if len(reg.chains) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}

	reg.defaultChain = cfg.DefaultChain
	if reg.defaultChain == "" {
		reg.defaultChain = reg.Chains()[0]
	}
	if _, ok := reg.chains[reg.defaultChain]; !ok {
		reg.Close()
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", reg.defaultChain)
	}
	return reg, nil
}

// DefaultClient returns the client configured as default chain.
func (r *Registry) DefaultClient() (web3.Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	e, ok := r.chains[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return e.client, nil
}

// Client returns the chain client identified by name.
func (r *Registry) Client(name string) (web3.Client, bool) {
	if r == nil {
		return nil, false
	}
	e, ok := r.chains[name]
	return e.client, ok
}

// ClientForNetwork returns the client whose definition declares the given
// CAIP-2 network, falling back to the default chain when none does.
func (r *Registry) ClientForNetwork(network string) (web3.Client, web3.ChainDefinition, error) {
	if r == nil {
		return nil, web3.ChainDefinition{}, errors.New("未初始化的链客户端注册表")
	}
	for _, name := range r.Chains() {
		e := r.chains[name]
		if e.def.Network != "" && strings.EqualFold(e.def.Network, network) {
			return e.client, e.def, nil
		}
	}
	e, ok := r.chains[r.defaultChain]
	if !ok {
		return nil, web3.ChainDefinition{}, fmt.Errorf("网络 %s 没有可用的链客户端", network)
	}
	return e.client, e.def, nil
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, e := range r.chains {
		if e.client != nil {
			e.client.Close()
		}
		delete(r.chains, name)
	}
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.chains))
	for name := range r.chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
