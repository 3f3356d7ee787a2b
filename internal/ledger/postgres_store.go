package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL. Tables are created by the
// goose migrations under migrations/.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `id, maker, COALESCE(taker, ''), COALESCE(cr_hash, ''), COALESCE(hash_qr, ''),
	mxn, mon, expiry, status, created_at, locked_at, completed_at, cancelled_at, disputed_at,
	creation_tx_hash, COALESCE(lock_tx_hash, ''), COALESCE(completion_tx_hash, ''),
	COALESCE(cancellation_tx_hash, ''), COALESCE(dispute_tx_hash, '')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*Order, error) {
	o := &Order{}
	var lockedAt, completedAt, cancelledAt, disputedAt sql.NullInt64
	err := row.Scan(&o.ID, &o.Maker, &o.Taker, &o.CRHash, &o.HashQR,
		&o.MXN, &o.MON, &o.Expiry, &o.Status, &o.CreatedAt,
		&lockedAt, &completedAt, &cancelledAt, &disputedAt,
		&o.CreationTxHash, &o.LockTxHash, &o.CompletionTxHash,
		&o.CancellationTxHash, &o.DisputeTxHash)
	if err != nil {
		return nil, err
	}
	o.LockedAt = nullToPtr(lockedAt)
	o.CompletedAt = nullToPtr(completedAt)
	o.CancelledAt = nullToPtr(cancelledAt)
	o.DisputedAt = nullToPtr(disputedAt)
	return o, nil
}

func (p *PostgresStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	o, err := scanOrder(p.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

func (p *PostgresStore) GetStats(ctx context.Context) (GlobalStats, error) {
	s := NewGlobalStats()
	err := p.db.QueryRowContext(ctx, `
		SELECT total_orders, open_orders, locked_orders, completed_orders,
		       cancelled_orders, disputed_orders, total_volume_mxn, total_volume_mon, last_updated, version
		FROM global_stats WHERE id = $1
	`, GlobalStatsID).Scan(&s.TotalOrders, &s.OpenOrders, &s.LockedOrders, &s.CompletedOrders,
		&s.CancelledOrders, &s.DisputedOrders, &s.TotalVolumeMXN, &s.TotalVolumeMON, &s.LastUpdated, &s.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return NewGlobalStats(), nil
	}
	if err != nil {
		return GlobalStats{}, fmt.Errorf("get stats: %w", err)
	}
	return s, nil
}

func (p *PostgresStore) HasEvent(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM order_events WHERE id = $1)`, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has event: %w", err)
	}
	return exists, nil
}

// Apply writes the event, the order and the stats row in one transaction.
// The stats row is locked first and its version must be the one the
// mutation was computed from, so projectors in several processes serialize
// on it and a writer that lost the race gets ErrStaleStats.
func (p *PostgresStore) Apply(ctx context.Context, m Mutation) error {
	if m.Order == nil || m.Event == nil {
		return fmt.Errorf("ledger: incomplete mutation")
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO global_stats (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, GlobalStatsID); err != nil {
		return fmt.Errorf("init stats: %w", err)
	}
	var version int64
	err = tx.QueryRowContext(ctx,
		`SELECT version FROM global_stats WHERE id = $1 FOR UPDATE`, GlobalStatsID).Scan(&version)
	if err != nil {
		return fmt.Errorf("lock stats: %w", err)
	}
	if m.Stats.Version != version+1 {
		return ErrStaleStats
	}

	ev := m.Event
	res, err := tx.ExecContext(ctx, `
		INSERT INTO order_events (id, order_id, event_type, maker, taker, block_number,
			block_timestamp, transaction_hash, log_index, gas_used, gas_price)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`, ev.ID, ev.OrderID, string(ev.EventType), ev.Maker, ev.Taker, int64(ev.BlockNumber),
		ev.BlockTimestamp, ev.TransactionHash, int64(ev.LogIndex), int64(ev.GasUsed), ev.GasPrice)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicateEvent
	}

	o := m.Order
	if m.Created {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO orders (id, maker, cr_hash, hash_qr, mxn, mon, expiry, status,
				created_at, creation_tx_hash)
			VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7, $8, $9, $10)
		`, o.ID, o.Maker, o.CRHash, o.HashQR, o.MXN, o.MON, o.Expiry, string(o.Status),
			o.CreatedAt, o.CreationTxHash)
		if isUniqueViolation(err) {
			return ErrOrderExists
		}
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE orders SET
				taker = NULLIF($2, ''), status = $3,
				locked_at = $4, completed_at = $5, cancelled_at = $6, disputed_at = $7,
				lock_tx_hash = NULLIF($8, ''), completion_tx_hash = NULLIF($9, ''),
				cancellation_tx_hash = NULLIF($10, ''), dispute_tx_hash = NULLIF($11, '')
			WHERE id = $1
		`, o.ID, o.Taker, string(o.Status),
			ptrToNull(o.LockedAt), ptrToNull(o.CompletedAt), ptrToNull(o.CancelledAt), ptrToNull(o.DisputedAt),
			o.LockTxHash, o.CompletionTxHash, o.CancellationTxHash, o.DisputeTxHash)
	}
	if err != nil {
		return fmt.Errorf("write order: %w", err)
	}

	s := m.Stats
	_, err = tx.ExecContext(ctx, `
		INSERT INTO global_stats (id, total_orders, open_orders, locked_orders, completed_orders,
			cancelled_orders, disputed_orders, total_volume_mxn, total_volume_mon, last_updated, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			total_orders     = EXCLUDED.total_orders,
			open_orders      = EXCLUDED.open_orders,
			locked_orders    = EXCLUDED.locked_orders,
			completed_orders = EXCLUDED.completed_orders,
			cancelled_orders = EXCLUDED.cancelled_orders,
			disputed_orders  = EXCLUDED.disputed_orders,
			total_volume_mxn = EXCLUDED.total_volume_mxn,
			total_volume_mon = EXCLUDED.total_volume_mon,
			last_updated     = EXCLUDED.last_updated,
			version          = EXCLUDED.version
	`, GlobalStatsID, s.TotalOrders, s.OpenOrders, s.LockedOrders, s.CompletedOrders,
		s.CancelledOrders, s.DisputedOrders, s.TotalVolumeMXN, s.TotalVolumeMON, s.LastUpdated, s.Version)
	if err != nil {
		return fmt.Errorf("write stats: %w", err)
	}

	return tx.Commit()
}

func (p *PostgresStore) ListOrders(ctx context.Context, f OrderFilter) ([]*Order, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Maker != "" {
		args = append(args, strings.ToLower(f.Maker))
		where = append(where, fmt.Sprintf("maker = $%d", len(args)))
	}
	if f.Taker != "" {
		args = append(args, strings.ToLower(f.Taker))
		where = append(where, fmt.Sprintf("taker = $%d", len(args)))
	}
	if f.After != nil {
		args = append(args, f.After.CreatedAt, f.After.ID)
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}
	q := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, clampLimit(f.Limit))
	q += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListEvents(ctx context.Context, orderID string, limit int) ([]*OrderEvent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, order_id, event_type, maker, COALESCE(taker, ''), block_number, block_timestamp,
		       transaction_hash, log_index, gas_used, gas_price
		FROM order_events WHERE order_id = $1
		ORDER BY block_number DESC, log_index DESC
		LIMIT $2
	`, orderID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []*OrderEvent
	for rows.Next() {
		ev := &OrderEvent{}
		var blockNumber, logIndex, gasUsed int64
		if err := rows.Scan(&ev.ID, &ev.OrderID, &ev.EventType, &ev.Maker, &ev.Taker, &blockNumber,
			&ev.BlockTimestamp, &ev.TransactionHash, &logIndex, &gasUsed, &ev.GasPrice); err != nil {
			return nil, err
		}
		ev.BlockNumber = uint64(blockNumber)
		ev.LogIndex = uint(logIndex)
		ev.GasUsed = uint64(gasUsed)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetCursor(ctx context.Context, name string) (uint64, bool, error) {
	var block int64
	err := p.db.QueryRowContext(ctx,
		`SELECT block_number FROM indexer_cursors WHERE name = $1`, name).Scan(&block)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get cursor: %w", err)
	}
	return uint64(block), true, nil
}

func (p *PostgresStore) SetCursor(ctx context.Context, name string, block uint64) error {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO indexer_cursors (name, block_number, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE SET block_number = EXCLUDED.block_number, updated_at = NOW()
		WHERE indexer_cursors.block_number <= EXCLUDED.block_number
	`, name, int64(block))
	if err != nil {
		return fmt.Errorf("set cursor: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrCursorRegression
	}
	return nil
}

func (p *PostgresStore) RecordConfirmation(ctx context.Context, c *PaymentConfirmation) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payment_confirmations (order_id, taker_address, proof_hash, resolution, confirmed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (order_id) DO UPDATE SET
			taker_address = EXCLUDED.taker_address,
			proof_hash    = EXCLUDED.proof_hash,
			resolution    = EXCLUDED.resolution,
			confirmed_at  = EXCLUDED.confirmed_at
	`, c.OrderID, strings.ToLower(c.TakerAddress), c.ProofHash, c.Resolution, c.ConfirmedAt)
	if err != nil {
		return fmt.Errorf("record confirmation: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetConfirmation(ctx context.Context, orderID string) (*PaymentConfirmation, error) {
	c := &PaymentConfirmation{}
	err := p.db.QueryRowContext(ctx, `
		SELECT order_id, taker_address, proof_hash, resolution, confirmed_at
		FROM payment_confirmations WHERE order_id = $1
	`, orderID).Scan(&c.OrderID, &c.TakerAddress, &c.ProofHash, &c.Resolution, &c.ConfirmedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get confirmation: %w", err)
	}
	return c, nil
}

func (p *PostgresStore) RecordResolution(ctx context.Context, r *ResolutionRecord) error {
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO resolution_records (order_id, verdict, trigger, outcome, tx_hash, reason, resolved_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7)
		RETURNING id
	`, r.OrderID, r.Verdict, r.Trigger, r.Outcome, r.TxHash, r.Reason, r.ResolvedAt).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("record resolution: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListResolutions(ctx context.Context, orderID string) ([]*ResolutionRecord, error) {
	q := `SELECT id, order_id, verdict, trigger, outcome, COALESCE(tx_hash, ''), COALESCE(reason, ''), resolved_at
		FROM resolution_records`
	var args []any
	if orderID != "" {
		q += ` WHERE order_id = $1`
		args = append(args, orderID)
	}
	q += ` ORDER BY id DESC LIMIT 200`

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list resolutions: %w", err)
	}
	defer rows.Close()

	var out []*ResolutionRecord
	for rows.Next() {
		r := &ResolutionRecord{}
		if err := rows.Scan(&r.ID, &r.OrderID, &r.Verdict, &r.Trigger, &r.Outcome,
			&r.TxHash, &r.Reason, &r.ResolvedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func nullToPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func ptrToNull(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}
