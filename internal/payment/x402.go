package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	v2 "github.com/mark3labs/x402-go/v2"
	v2http "github.com/mark3labs/x402-go/v2/http"
	"github.com/mark3labs/x402-go/v2/signers/evm"

	"OpenMCP-Paygate/internal/config"
)

// Settings is the part of the configuration the gateway needs.
type Settings struct {
	Network               string
	Payee                 string
	Asset                 string
	AssetSymbol           string
	AssetName             string
	AssetVersion          string
	Decimals              int
	AuthorizationValidity time.Duration
	BalanceTimeout        time.Duration
	VerifyTimeout         time.Duration
	SettleTimeout         time.Duration
	RecheckAttempts       int
	RecheckInterval       time.Duration
	ExplorerTxURL         string
}

// SettingsFrom copies the payment section of a loaded configuration.
func SettingsFrom(cfg config.PaymentConfig) Settings {
	return Settings{
		Network:               cfg.Network,
		Payee:                 cfg.PayeeAddress,
		Asset:                 cfg.AssetAddress,
		AssetSymbol:           cfg.AssetSymbol,
		AssetName:             cfg.AssetName,
		AssetVersion:          cfg.AssetVersion,
		Decimals:              cfg.AssetDecimals,
		AuthorizationValidity: cfg.AuthorizationValidity(),
		BalanceTimeout:        cfg.BalanceTimeout(),
		VerifyTimeout:         cfg.VerifyTimeout(),
		SettleTimeout:         cfg.SettleTimeout(),
		RecheckAttempts:       cfg.SettlementRecheckAttempts,
		RecheckInterval:       cfg.SettlementRecheckInterval(),
		ExplorerTxURL:         cfg.ExplorerTxURL,
	}
}

// Requirements builds the x402 "exact" requirements for a quote.
func (s Settings) Requirements(q Quote) v2.PaymentRequirements {
	validity := int(s.AuthorizationValidity / time.Second)
	if validity <= 0 {
		validity = 3600
	}
	return v2.PaymentRequirements{
		Scheme:            "exact",
		Network:           s.Network,
		Amount:            q.Atomic.String(),
		Asset:             s.Asset,
		PayTo:             s.Payee,
		MaxTimeoutSeconds: validity,
		Extra: map[string]interface{}{
			"name":    s.AssetName,
			"version": s.AssetVersion,
		},
	}
}

// ExplorerLink joins the explorer base with a transaction hash.
func (s Settings) ExplorerLink(tx string) string {
	if s.ExplorerTxURL == "" || tx == "" {
		return ""
	}
	if strings.Contains(s.ExplorerTxURL, "%s") {
		return fmt.Sprintf(s.ExplorerTxURL, tx)
	}
	return strings.TrimRight(s.ExplorerTxURL, "/") + "/" + tx
}

// Authorizer produces the signed payment artifact for a set of requirements.
type Authorizer interface {
	Address() string
	Authorize(ctx context.Context, req v2.PaymentRequirements) (*v2.PaymentPayload, error)
}

// Facilitator verifies and settles signed payments.
// *v2http.FacilitatorClient satisfies it.
type Facilitator interface {
	Verify(ctx context.Context, payload v2.PaymentPayload, req v2.PaymentRequirements) (*v2.VerifyResponse, error)
	Settle(ctx context.Context, payload v2.PaymentPayload, req v2.PaymentRequirements) (*v2.SettleResponse, error)
}

var _ Facilitator = (*v2http.FacilitatorClient)(nil)

// EVMAuthorizer signs EIP-3009 transferWithAuthorization payloads.
type EVMAuthorizer struct {
	signer *evm.Signer
}

// NewEVMAuthorizer builds a signer for the configured asset.
func NewEVMAuthorizer(s Settings, keyHex string) (*EVMAuthorizer, error) {
	if strings.TrimSpace(keyHex) == "" {
		return nil, errors.New("signing key is empty")
	}
	tokens := []v2.TokenConfig{{
		Address:  s.Asset,
		Symbol:   s.AssetSymbol,
		Decimals: s.Decimals,
		Priority: 1,
		Name:     s.AssetName,
	}}
	signer, err := evm.NewSigner(s.Network, keyHex, tokens)
	if err != nil {
		return nil, fmt.Errorf("create evm signer: %w", err)
	}
	return &EVMAuthorizer{signer: signer}, nil
}

// Address returns the checksummed signer address.
func (a *EVMAuthorizer) Address() string {
	return a.signer.Address().Hex()
}

// Authorize signs req. Signing is local; ctx is only checked up front.
func (a *EVMAuthorizer) Authorize(ctx context.Context, req v2.PaymentRequirements) (*v2.PaymentPayload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return a.signer.Sign(&req)
}

// NewFacilitatorClient returns the HTTP facilitator client.
func NewFacilitatorClient(baseURL, authorization string, s Settings) *v2http.FacilitatorClient {
	return &v2http.FacilitatorClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: s.SettleTimeout + 5*time.Second},
		Timeouts: v2.TimeoutConfig{
			VerifyTimeout:  s.VerifyTimeout,
			SettleTimeout:  s.SettleTimeout,
			RequestTimeout: s.SettleTimeout,
		},
		Authorization: authorization,
	}
}

// authorizationNonce returns the EIP-3009 nonce of an EVM payload.
func authorizationNonce(p *v2.PaymentPayload) string {
	if p == nil {
		return ""
	}
	switch evmPayload := p.Payload.(type) {
	case v2.EVMPayload:
		return evmPayload.Authorization.Nonce
	case *v2.EVMPayload:
		return evmPayload.Authorization.Nonce
	}
	return ""
}

// validBefore extracts the authorization expiry for the audit trail.
func validBefore(p *v2.PaymentPayload) string {
	if p == nil {
		return ""
	}
	switch evmPayload := p.Payload.(type) {
	case v2.EVMPayload:
		return evmPayload.Authorization.ValidBefore
	case *v2.EVMPayload:
		return evmPayload.Authorization.ValidBefore
	}
	return ""
}
