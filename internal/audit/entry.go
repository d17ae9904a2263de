package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// Phase names one step of a payment attempt.
type Phase string

const (
	PhaseAttemptStarted     Phase = "attempt_started"
	PhaseBalanceChecked     Phase = "balance_checked"
	PhaseAuthorizationBuilt Phase = "authorization_built"
	PhaseVerificationResult Phase = "verification_result"
	PhaseSettlementResult   Phase = "settlement_result"
	PhaseAttemptCompleted   Phase = "attempt_completed"
)

// Phase results.
const (
	ResultStarted = "started"
	ResultOK      = "ok"
	ResultFailed  = "failed"
)

// GenesisHash is the PrevHash of the first entry in a log.
const GenesisHash = "genesis"

// Entry is one self-contained audit record. Amounts are decimal strings in
// the payment asset's display unit, RequiredAtomic in its smallest unit.
type Entry struct {
	EntryID    string    `json:"entry_id"`
	Sequence   uint64    `json:"sequence"`
	RecordedAt time.Time `json:"recorded_at"`

	AttemptID string `json:"attempt_id"`
	ToolID    string `json:"tool_id"`
	Tier      string `json:"tier"`
	Phase     Phase  `json:"phase"`
	Result    string `json:"result"`

	Principal      string `json:"principal"`
	Payee          string `json:"payee"`
	Asset          string `json:"asset"`
	AssetSymbol    string `json:"asset_symbol,omitempty"`
	Network        string `json:"network"`
	RequiredAmount string `json:"required_amount"`
	RequiredAtomic string `json:"required_atomic"`

	Balance         string `json:"balance,omitempty"`
	BalanceBefore   string `json:"balance_before,omitempty"`
	BalanceAfter    string `json:"balance_after,omitempty"`
	TxReference     string `json:"tx_reference,omitempty"`
	ReferenceStatus string `json:"reference_status,omitempty"`
	ValidBefore     string `json:"valid_before,omitempty"`
	FailureReason   string `json:"failure_reason,omitempty"`
	Detail          string `json:"detail,omitempty"`

	PrevHash string `json:"prev_hash"`
	Hash     string `json:"hash,omitempty"`
}

// ComputeHash returns "sha256:<hex>" over the JCS form of the entry with
// Hash cleared.
func ComputeHash(e Entry) (string, error) {
	e.Hash = ""
	raw, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encode entry: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize entry: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// VerifyChain checks sequence continuity, hash links and content integrity of
// entries read back in order. The first entry may start mid-log.
func VerifyChain(entries []Entry) error {
	for i, e := range entries {
		if i == 0 {
			if e.Sequence == 1 && e.PrevHash != GenesisHash {
				return fmt.Errorf("entry 1 must link to %s, got %q", GenesisHash, e.PrevHash)
			}
		} else {
			prev := entries[i-1]
			if e.Sequence != prev.Sequence+1 {
				return fmt.Errorf("sequence gap at index %d: %d after %d", i, e.Sequence, prev.Sequence)
			}
			if e.PrevHash != prev.Hash {
				return fmt.Errorf("chain broken at sequence %d: previous hash mismatch", e.Sequence)
			}
		}
		computed, err := ComputeHash(e)
		if err != nil {
			return fmt.Errorf("recompute hash at sequence %d: %w", e.Sequence, err)
		}
		if computed != e.Hash {
			return fmt.Errorf("integrity failure at sequence %d: computed %s, stored %s", e.Sequence, computed, e.Hash)
		}
	}
	return nil
}

// chain tracks the head of a log. Callers hold their own lock.
type chain struct {
	seq  uint64
	head string
}

func newChain() chain { return chain{head: GenesisHash} }

// seal fills the ordering fields of e as the next entry without advancing.
func (c chain) seal(e *Entry, now time.Time, newID func() string) error {
	if e.EntryID == "" {
		e.EntryID = newID()
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = now
	}
	e.RecordedAt = e.RecordedAt.UTC()
	e.Sequence = c.seq + 1
	e.PrevHash = c.head
	hash, err := ComputeHash(*e)
	if err != nil {
		return err
	}
	e.Hash = hash
	return nil
}

func (c *chain) advance(e Entry) {
	c.seq = e.Sequence
	c.head = e.Hash
}
