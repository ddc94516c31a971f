// Package chain describes the external ledger the engine reads debts from and
// submits new IOUs to, together with the contract call codec.
package chain

import (
	"context"

	"iouchain/internal/domain"

	"github.com/decred/dcrd/chaincfg/chainhash"
)

// Reader is the read side of the ledger used for backward traversal. Parent
// and Block return errors.ErrBlockNotFound for unknown ids.
type Reader interface {
	Tip(ctx context.Context) (domain.BlockID, error)
	Parent(ctx context.Context, id domain.BlockID) (domain.BlockID, error)
	Block(ctx context.Context, id domain.BlockID) (*domain.Block, error)
}

// Ledger is the append-only, tamper-evident log. RecordDebt returns
// errors.ErrStaleCycle when the netting path no longer holds at commit time.
type Ledger interface {
	Reader
	RecordDebt(ctx context.Context, req RecordDebtRequest) (*Receipt, error)
	LookupBalance(ctx context.Context, debtor, creditor domain.Identity) (domain.Amount, error)
}

// Decoder turns a transaction payload into a tagged decode result.
type Decoder interface {
	Decode(input []byte) domain.DecodeResult
}

// Notifier is implemented by ledgers that push newly committed debt events.
// The returned channel is closed when ctx is done.
type Notifier interface {
	Subscribe(ctx context.Context) <-chan domain.DebtEvent
}

// RecordDebtRequest carries the parameters of one add_IOU call.
type RecordDebtRequest struct {
	Sender    domain.Identity
	Creditor  domain.Identity
	Amount    domain.Amount
	Path      domain.Path
	NetAmount domain.Amount
}

// Receipt describes a committed add_IOU call.
type Receipt struct {
	TxHash      chainhash.Hash    `json:"tx_hash"`
	BlockID     domain.BlockID    `json:"block_id"`
	BlockNumber uint64            `json:"block_number"`
	Submission  domain.Submission `json:"submission"`
}
