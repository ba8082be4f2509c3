package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

var (
	ErrTransactionNotFound = errors.New("payment transaction not found")
	ErrRecordNotFound      = errors.New("idempotency record not found")
	ErrDuplicateKey        = errors.New("idempotency key already exists")
	ErrVersionConflict     = errors.New("payment transaction version conflict")
)

// TransactionStore persists payment transactions.
type TransactionStore interface {
	CreateTransaction(ctx context.Context, t *Transaction) error
	GetTransaction(ctx context.Context, id uuid.UUID) (*Transaction, error)
	GetTransactionByGatewayID(ctx context.Context, gatewayID string) (*Transaction, error)
	LatestTransactionByOrder(ctx context.Context, orderID uuid.UUID) (*Transaction, error)
	LatestCompletedByOrder(ctx context.Context, orderID uuid.UUID) (*Transaction, error)
	UpdateTransactionStatus(ctx context.Context, id uuid.UUID, status TransactionStatus, expectedVersion int64) error
	SetTransactionGatewayID(ctx context.Context, id uuid.UUID, gatewayID string) error
	// FinalizeCharge lands the transaction outcome and the idempotency
	// outcome in one database transaction, so a crash can never leave one
	// updated without the other.
	FinalizeCharge(ctx context.Context, t *Transaction, rec *IdempotencyRecord) error
}

// IdempotencyStore persists idempotency records. Insert must fail with
// ErrDuplicateKey on a live key so check-and-create stays atomic.
type IdempotencyStore interface {
	InsertIdempotency(ctx context.Context, rec *IdempotencyRecord) error
	GetIdempotencyByKey(ctx context.Context, key string) (*IdempotencyRecord, error)
	UpdateIdempotency(ctx context.Context, rec *IdempotencyRecord) error
	DeleteIdempotency(ctx context.Context, id uuid.UUID) error
	DeleteExpiredIdempotencies(ctx context.Context, now time.Time) (int64, error)
}

type Repository interface {
	TransactionStore
	IdempotencyStore
}

type postgresRepository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) Repository {
	return &postgresRepository{db: db}
}

func (r *postgresRepository) CreateTransaction(ctx context.Context, t *Transaction) error {
	if t.ID == uuid.Nil {
		id, err := uuid.NewV4()
		if err != nil {
			return fmt.Errorf("repository: failed to generate transaction id: %w", err)
		}
		t.ID = id
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	t.Version = 1
	if t.Status == "" {
		t.Status = TxPending
	}

	metadata, err := json.Marshal(t.Metadata)
	if err != nil {
		return fmt.Errorf("repository: failed to marshal transaction metadata: %w", err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO payment_transactions (id, order_id, amount, method, gateway_id, status, metadata, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10)
	`, t.ID, t.OrderID, t.Amount, t.Method, t.GatewayID, string(t.Status), metadata, t.Version, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("repository: failed to insert transaction %s: %w", t.ID, err)
	}
	return nil
}

const transactionColumns = `id, order_id, amount, method, COALESCE(gateway_id, ''), status, metadata, version, created_at, updated_at`

func scanTransaction(row pgx.Row) (*Transaction, error) {
	var t Transaction
	var status string
	var metadata []byte
	err := row.Scan(&t.ID, &t.OrderID, &t.Amount, &t.Method, &t.GatewayID, &status, &metadata, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = TransactionStatus(status)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
			return nil, fmt.Errorf("repository: failed to unmarshal transaction metadata: %w", err)
		}
	}
	return &t, nil
}

func (r *postgresRepository) getTransaction(ctx context.Context, where string, arg any) (*Transaction, error) {
	t, err := scanTransaction(r.db.QueryRow(ctx, `
		SELECT `+transactionColumns+`
		FROM payment_transactions
		WHERE `+where+`
		ORDER BY created_at DESC
		LIMIT 1
	`, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("repository: failed to select transaction: %w", err)
	}
	return t, nil
}

func (r *postgresRepository) GetTransaction(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	return r.getTransaction(ctx, "id = $1", id)
}

func (r *postgresRepository) GetTransactionByGatewayID(ctx context.Context, gatewayID string) (*Transaction, error) {
	return r.getTransaction(ctx, "gateway_id = $1", gatewayID)
}

func (r *postgresRepository) LatestTransactionByOrder(ctx context.Context, orderID uuid.UUID) (*Transaction, error) {
	return r.getTransaction(ctx, "order_id = $1", orderID)
}

func (r *postgresRepository) LatestCompletedByOrder(ctx context.Context, orderID uuid.UUID) (*Transaction, error) {
	return r.getTransaction(ctx, "order_id = $1 AND status IN ('completed', 'pending_refund', 'refund_failed')", orderID)
}

func (r *postgresRepository) UpdateTransactionStatus(ctx context.Context, id uuid.UUID, status TransactionStatus, expectedVersion int64) error {
	cmdTag, err := r.db.Exec(ctx, `
		UPDATE payment_transactions
		SET status = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4
	`, string(status), time.Now().UTC(), id, expectedVersion)
	if err != nil {
		return fmt.Errorf("repository: failed to update transaction %s: %w", id, err)
	}
	if cmdTag.RowsAffected() == 0 {
		var exists bool
		if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM payment_transactions WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("repository: failed to check transaction %s: %w", id, err)
		}
		if !exists {
			return ErrTransactionNotFound
		}
		return ErrVersionConflict
	}
	return nil
}

func (r *postgresRepository) SetTransactionGatewayID(ctx context.Context, id uuid.UUID, gatewayID string) error {
	cmdTag, err := r.db.Exec(ctx, `
		UPDATE payment_transactions
		SET gateway_id = $1, updated_at = $2
		WHERE id = $3
	`, gatewayID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("repository: failed to set gateway id on transaction %s: %w", id, err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func (r *postgresRepository) FinalizeCharge(ctx context.Context, t *Transaction, rec *IdempotencyRecord) (err error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("repository: failed to begin finalize transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				log.Error().Err(rbErr).Stringer("transaction_id", t.ID).Msg("repository: failed to rollback finalize")
			}
		}
	}()

	now := time.Now().UTC()
	cmdTag, err := tx.Exec(ctx, `
		UPDATE payment_transactions
		SET status = $1, gateway_id = NULLIF($2, ''), version = version + 1, updated_at = $3
		WHERE id = $4
	`, string(t.Status), t.GatewayID, now, t.ID)
	if err != nil {
		return fmt.Errorf("repository: failed to finalize transaction %s: %w", t.ID, err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}

	cmdTag, err = tx.Exec(ctx, `
		UPDATE payment_idempotencies
		SET status = $1, response_data = $2, gateway_id = COALESCE(NULLIF($3, ''), gateway_id),
		    order_id = COALESCE($4, order_id), transaction_id = $5, interrupted = FALSE, updated_at = $6
		WHERE id = $7
	`, string(rec.Status), []byte(rec.ResponseData), t.GatewayID, t.OrderID, t.ID, now, rec.ID)
	if err != nil {
		return fmt.Errorf("repository: failed to finalize idempotency record %s: %w", rec.ID, err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrRecordNotFound
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("repository: failed to commit finalize: %w", err)
	}
	return nil
}

func (r *postgresRepository) InsertIdempotency(ctx context.Context, rec *IdempotencyRecord) error {
	if rec.ID == uuid.Nil {
		id, err := uuid.NewV4()
		if err != nil {
			return fmt.Errorf("repository: failed to generate idempotency id: %w", err)
		}
		rec.ID = id
	}
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if rec.ExpiresAt.IsZero() {
		rec.ExpiresAt = now.Add(IdempotencyTTL)
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO payment_idempotencies (id, key, user_id, order_id, transaction_id, gateway_id, status, interrupted, request_data, response_data, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, rec.ID, rec.Key, rec.UserID, rec.OrderID, rec.TransactionID, rec.GatewayID,
		string(rec.Status), rec.Interrupted, []byte(rec.RequestData), []byte(rec.ResponseData), rec.ExpiresAt, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return ErrDuplicateKey
		}
		return fmt.Errorf("repository: failed to insert idempotency record for key %q: %w", rec.Key, err)
	}
	return nil
}

func (r *postgresRepository) GetIdempotencyByKey(ctx context.Context, key string) (*IdempotencyRecord, error) {
	var rec IdempotencyRecord
	var status string
	err := r.db.QueryRow(ctx, `
		SELECT id, key, user_id, order_id, transaction_id, gateway_id, status, interrupted, request_data, response_data, expires_at, created_at, updated_at
		FROM payment_idempotencies
		WHERE key = $1
	`, key).Scan(&rec.ID, &rec.Key, &rec.UserID, &rec.OrderID, &rec.TransactionID, &rec.GatewayID,
		&status, &rec.Interrupted, &rec.RequestData, &rec.ResponseData, &rec.ExpiresAt, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("repository: failed to select idempotency record for key %q: %w", key, err)
	}
	rec.Status = IdempotencyStatus(status)
	return &rec, nil
}

func (r *postgresRepository) UpdateIdempotency(ctx context.Context, rec *IdempotencyRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	cmdTag, err := r.db.Exec(ctx, `
		UPDATE payment_idempotencies
		SET status = $1, order_id = $2, transaction_id = $3, gateway_id = $4,
		    interrupted = $5, response_data = $6, updated_at = $7
		WHERE id = $8
	`, string(rec.Status), rec.OrderID, rec.TransactionID, rec.GatewayID, rec.Interrupted, []byte(rec.ResponseData), rec.UpdatedAt, rec.ID)
	if err != nil {
		return fmt.Errorf("repository: failed to update idempotency record %s: %w", rec.ID, err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (r *postgresRepository) DeleteIdempotency(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Exec(ctx, `DELETE FROM payment_idempotencies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("repository: failed to delete idempotency record %s: %w", id, err)
	}
	return nil
}

func (r *postgresRepository) DeleteExpiredIdempotencies(ctx context.Context, now time.Time) (int64, error) {
	cmdTag, err := r.db.Exec(ctx, `DELETE FROM payment_idempotencies WHERE expires_at < $1`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("repository: failed to delete expired idempotency records: %w", err)
	}
	return cmdTag.RowsAffected(), nil
}
