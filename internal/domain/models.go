// Package domain holds the value types shared by the ledger reader, the
// derived debt graph and the submission path.
package domain

import (
	"strings"

	"github.com/decred/dcrd/chaincfg/chainhash"
)

// Identity is a participant address. Values are always stored lower-cased so
// that two spellings of the same address compare equal.
type Identity string

// NormalizeIdentity lower-cases and trims an address.
func NormalizeIdentity(s string) Identity {
	return Identity(strings.ToLower(strings.TrimSpace(s)))
}

func (id Identity) String() string {
	return string(id)
}

// Amount is a debt balance in minor units. It matches the contract's uint32
// storage word.
type Amount uint32

// BlockID identifies a block on the external ledger.
type BlockID = chainhash.Hash

// GenesisSentinel is the parent reference of the first block. Backward
// traversal stops when it is reached.
var GenesisSentinel BlockID

// IsGenesis reports whether id is the genesis sentinel.
func IsGenesis(id BlockID) bool {
	return id == GenesisSentinel
}

// Block is a committed ledger block as seen by an observer.
type Block struct {
	ID           BlockID       `json:"id"`
	Parent       BlockID       `json:"parent"`
	Number       uint64        `json:"number"`
	Timestamp    *int64        `json:"timestamp,omitempty"`
	Transactions []Transaction `json:"transactions"`
}

// Transaction is a committed call. Input carries the encoded contract call.
type Transaction struct {
	Hash      chainhash.Hash `json:"hash"`
	From      Identity       `json:"from"`
	To        Identity       `json:"to"`
	Input     []byte         `json:"input"`
	Timestamp *int64         `json:"timestamp,omitempty"`
}

// DecodedCall is a contract call recovered from a transaction payload.
type DecodedCall struct {
	Name string
	Args []interface{}
}

// DecodeResult is either a decoded call or an unrecognized payload with the
// reason it was rejected. Decoders never panic on malformed input.
type DecodeResult struct {
	Call   *DecodedCall
	Reason string
}

// Recognized reports whether the payload decoded into a known call.
func (r DecodeResult) Recognized() bool {
	return r.Call != nil
}

// Decoded wraps a successfully decoded call.
func Decoded(name string, args ...interface{}) DecodeResult {
	return DecodeResult{Call: &DecodedCall{Name: name, Args: args}}
}

// Unrecognized reports a payload that could not be decoded.
func Unrecognized(reason string) DecodeResult {
	return DecodeResult{Reason: reason}
}

// Path is a chain of existing debts: every consecutive pair is an edge
// p[i] -> p[i+1] with a positive balance.
type Path []Identity

// Hops returns the number of edges on the path.
func (p Path) Hops() int {
	if len(p) == 0 {
		return 0
	}
	return len(p) - 1
}

// DebtEvent is one recorded IOU extracted from the ledger. Sequence is the
// event's position in chronological ledger order.
type DebtEvent struct {
	Debtor    Identity       `json:"debtor"`
	Creditor  Identity       `json:"creditor"`
	Amount    Amount         `json:"amount"`
	Timestamp *int64         `json:"timestamp,omitempty"`
	Sequence  uint64         `json:"sequence"`
	BlockID   BlockID        `json:"block_id"`
	TxHash    chainhash.Hash `json:"tx_hash"`
	Path      Path           `json:"path,omitempty"`
	NetAmount Amount         `json:"net_amount"`
}

// Submission is the exact parameter set handed to the ledger's debt-recording
// call. NetAmount is canceled around Path before the residual is recorded.
type Submission struct {
	Debtor    Identity `json:"debtor"`
	Creditor  Identity `json:"creditor"`
	Amount    Amount   `json:"amount"`
	Path      Path     `json:"path"`
	NetAmount Amount   `json:"net_amount"`
}

// Residual is the forward debt recorded after netting.
func (s *Submission) Residual() Amount {
	return s.Amount - s.NetAmount
}
