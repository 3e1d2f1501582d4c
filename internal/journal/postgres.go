package journal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"stopguard/internal/types"
)

// Journal records watchdog decisions to PostgreSQL for audit: order
// attempts and results, fired tranches, and reconciliation changes. The
// journal is optional — a nil *Journal is safe to call and writes nothing,
// since the broker remains the source of truth for state rebuilds.
type Journal struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New connects to PostgreSQL and verifies the connection
func New(ctx context.Context, dsn string, logger *slog.Logger) (*Journal, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse journal DSN: %w", err)
	}

	poolConfig.MaxConns = 4
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create journal pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping journal database: %w", err)
	}

	logger.Info("[JOURNAL] Connected to database")
	return &Journal{pool: pool, logger: logger}, nil
}

// RecordOrder journals one order attempt and its outcome. Failures to
// write are logged and swallowed — the journal never blocks an exit.
func (j *Journal) RecordOrder(ctx context.Context, req types.OrderRequest, result *types.OrderResult, attemptErr error) {
	if j == nil {
		return
	}

	var orderID, status, errText string
	var filledQty float64
	if result != nil {
		orderID = result.OrderID
		status = string(result.Status)
		filledQty = result.FilledQty
	}
	if attemptErr != nil {
		errText = attemptErr.Error()
	}

	_, err := j.pool.Exec(ctx, `
		INSERT INTO watchdog_orders (
			id, symbol, side, quantity, price, reason, tranche_id,
			broker_order_id, status, filled_qty, error, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
	`,
		uuid.NewString(), req.Symbol, string(req.Side), req.Quantity, req.Price,
		string(req.Reason), req.TrancheID, orderID, status, filledQty, errText,
	)
	if err != nil {
		j.logger.Error("[JOURNAL] Failed to record order", "symbol", req.Symbol, "error", err)
	}
}

// RecordReconciliation journals one reconciliation event (import, prune
// or quantity correction)
func (j *Journal) RecordReconciliation(ctx context.Context, event, symbol string, product types.Product, quantity float64) {
	if j == nil {
		return
	}

	_, err := j.pool.Exec(ctx, `
		INSERT INTO watchdog_reconciliations (id, event, symbol, product, quantity, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, uuid.NewString(), event, symbol, string(product), quantity)
	if err != nil {
		j.logger.Error("[JOURNAL] Failed to record reconciliation", "symbol", symbol, "error", err)
	}
}

// Close releases the connection pool
func (j *Journal) Close() {
	if j == nil || j.pool == nil {
		return
	}
	j.pool.Close()
}
