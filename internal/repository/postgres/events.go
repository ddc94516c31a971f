package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"iouchain/internal/domain"
	pkgerrors "iouchain/pkg/errors"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// EventRepository persists extracted debt events together with the tip they
// were extracted at, so a restart only scans blocks committed since.
type EventRepository struct {
	db *sqlx.DB
}

// NewEventRepository creates a new EventRepository.
func NewEventRepository(db *sqlx.DB) *EventRepository {
	return &EventRepository{db: db}
}

type eventRow struct {
	Sequence  int64          `db:"sequence"`
	Debtor    string         `db:"debtor"`
	Creditor  string         `db:"creditor"`
	Amount    int64          `db:"amount"`
	NetAmount int64          `db:"net_amount"`
	Path      pq.StringArray `db:"path"`
	EventTime sql.NullInt64  `db:"event_time"`
	BlockID   string         `db:"block_id"`
	TxHash    string         `db:"tx_hash"`
}

func toRow(ev domain.DebtEvent) eventRow {
	row := eventRow{
		Sequence:  int64(ev.Sequence),
		Debtor:    ev.Debtor.String(),
		Creditor:  ev.Creditor.String(),
		Amount:    int64(ev.Amount),
		NetAmount: int64(ev.NetAmount),
		Path:      make(pq.StringArray, len(ev.Path)),
		BlockID:   ev.BlockID.String(),
		TxHash:    ev.TxHash.String(),
	}
	for i, p := range ev.Path {
		row.Path[i] = p.String()
	}
	if ev.Timestamp != nil {
		row.EventTime = sql.NullInt64{Int64: *ev.Timestamp, Valid: true}
	}
	return row
}

func (r eventRow) toEvent() (domain.DebtEvent, error) {
	blockID, err := chainhash.NewHashFromStr(r.BlockID)
	if err != nil {
		return domain.DebtEvent{}, fmt.Errorf("event %d: block id: %w", r.Sequence, err)
	}
	txHash, err := chainhash.NewHashFromStr(r.TxHash)
	if err != nil {
		return domain.DebtEvent{}, fmt.Errorf("event %d: tx hash: %w", r.Sequence, err)
	}

	ev := domain.DebtEvent{
		Sequence:  uint64(r.Sequence),
		Debtor:    domain.Identity(r.Debtor),
		Creditor:  domain.Identity(r.Creditor),
		Amount:    domain.Amount(r.Amount),
		NetAmount: domain.Amount(r.NetAmount),
		BlockID:   *blockID,
		TxHash:    *txHash,
	}
	if len(r.Path) > 0 {
		ev.Path = make(domain.Path, len(r.Path))
		for i, p := range r.Path {
			ev.Path[i] = domain.Identity(p)
		}
	}
	if r.EventTime.Valid {
		ts := r.EventTime.Int64
		ev.Timestamp = &ts
	}
	return ev, nil
}

// Checkpoint returns the tip and event count of the last indexed scan. ok is
// false when nothing has been indexed yet.
func (r *EventRepository) Checkpoint(ctx context.Context) (tip domain.BlockID, count uint64, ok bool, err error) {
	var row struct {
		Tip        string `db:"tip"`
		EventCount int64  `db:"event_count"`
	}
	err = r.db.GetContext(ctx, &row, `SELECT tip, event_count FROM iou_schema.scan_checkpoint WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.BlockID{}, 0, false, nil
	}
	if err != nil {
		return domain.BlockID{}, 0, false, pkgerrors.Wrap(err, "failed to read scan checkpoint")
	}

	h, err := chainhash.NewHashFromStr(row.Tip)
	if err != nil {
		return domain.BlockID{}, 0, false, pkgerrors.Wrap(err, "stored checkpoint is corrupt")
	}
	return *h, uint64(row.EventCount), true, nil
}

// LoadEvents returns every indexed event in sequence order.
func (r *EventRepository) LoadEvents(ctx context.Context) ([]domain.DebtEvent, error) {
	var rows []eventRow
	query := `SELECT sequence, debtor, creditor, amount, net_amount, path, event_time, block_id, tx_hash
		FROM iou_schema.debt_events ORDER BY sequence ASC`
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to load debt events")
	}
	return toEvents(rows)
}

// ListByParticipant returns the most recent events where id is debtor or
// creditor, newest first.
func (r *EventRepository) ListByParticipant(ctx context.Context, id domain.Identity, limit, offset int) ([]domain.DebtEvent, error) {
	var rows []eventRow
	query := `SELECT sequence, debtor, creditor, amount, net_amount, path, event_time, block_id, tx_hash
		FROM iou_schema.debt_events
		WHERE debtor = $1 OR creditor = $1
		ORDER BY sequence DESC
		LIMIT $2 OFFSET $3`
	if err := r.db.SelectContext(ctx, &rows, query, id.String(), limit, offset); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to list participant events")
	}
	return toEvents(rows)
}

func toEvents(rows []eventRow) ([]domain.DebtEvent, error) {
	events := make([]domain.DebtEvent, 0, len(rows))
	for _, row := range rows {
		ev, err := row.toEvent()
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// AppendEvents stores events and moves the checkpoint to tip in one
// transaction. Re-appending an already indexed sequence is a no-op.
func (r *EventRepository) AppendEvents(ctx context.Context, tip domain.BlockID, events []domain.DebtEvent) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	insert := `
		INSERT INTO iou_schema.debt_events (
			sequence, debtor, creditor, amount, net_amount, path, event_time, block_id, tx_hash
		) VALUES (
			:sequence, :debtor, :creditor, :amount, :net_amount, :path, :event_time, :block_id, :tx_hash
		)
		ON CONFLICT (sequence) DO NOTHING`
	var count int64
	for _, ev := range events {
		if _, err := tx.NamedExecContext(ctx, insert, toRow(ev)); err != nil {
			return pkgerrors.Wrap(err, "failed to insert debt event")
		}
		if next := int64(ev.Sequence) + 1; next > count {
			count = next
		}
	}

	checkpoint := `
		INSERT INTO iou_schema.scan_checkpoint (id, tip, event_count, updated_at)
		VALUES (1, $1, GREATEST($2, (SELECT COUNT(*) FROM iou_schema.debt_events)), NOW())
		ON CONFLICT (id) DO UPDATE SET
			tip = EXCLUDED.tip,
			event_count = EXCLUDED.event_count,
			updated_at = EXCLUDED.updated_at`
	if _, err := tx.ExecContext(ctx, checkpoint, tip.String(), count); err != nil {
		return pkgerrors.Wrap(err, "failed to update scan checkpoint")
	}

	if err := tx.Commit(); err != nil {
		return pkgerrors.Wrap(err, "failed to commit debt events")
	}
	return nil
}

// Reset drops the index. It is used when the indexed tip is no longer an
// ancestor of the ledger tip.
func (r *EventRepository) Reset(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `TRUNCATE TABLE iou_schema.debt_events, iou_schema.scan_checkpoint`)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to reset event index")
	}
	return nil
}
