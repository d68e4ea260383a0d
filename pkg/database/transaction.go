package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
)

type TxContextKey string

const txStatusKey = TxContextKey("txStatus")
const txKey = TxContextKey("tx-context-key")

type Tx interface {
	Executor
	IsOpen() bool
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Transaction wraps sqlx.Tx and tracks whether it has been closed.
type Transaction struct {
	*sqlx.Tx
	logger   ectologger.Logger
	isClosed bool
}

func NewTx(tx *sqlx.Tx, logger ectologger.Logger) *Transaction {
	return &Transaction{
		Tx:     tx,
		logger: logger,
	}
}

// GetTx joins the transaction already open on ctx or begins a new one. Only the
// caller that began the transaction can commit or roll it back.
func GetTx(ctx context.Context, logger ectologger.Logger, db DB, opts *sql.TxOptions) (context.Context, Tx, error) {
	if existing, ok := ctx.Value(txKey).(Tx); ok && existing != nil && existing.IsOpen() {
		return ctx, joinedTx{Tx: existing}, nil
	}

	tx, err := db.BeginTxx(ctx, opts)
	if err != nil {
		logger.WithContext(ctx).WithError(err).Errorf("error while beginning transaction")
		return ctx, nil, fmt.Errorf("error while beginning transaction: %w", err)
	}

	newTx := NewTx(tx, logger)
	ctx = context.WithValue(ctx, txStatusKey, "open")
	ctx = context.WithValue(ctx, txKey, Tx(newTx))
	return ctx, newTx, nil
}

func (t *Transaction) IsOpen() bool {
	return !t.isClosed
}

func (t *Transaction) Rollback(ctx context.Context) error {
	if t.isClosed {
		return nil
	}

	if err := t.Tx.Rollback(); err != nil {
		t.logger.WithContext(ctx).WithError(err).Errorf("error while rolling back transaction")
		return fmt.Errorf("error while rolling back transaction")
	}

	t.isClosed = true
	return nil
}

func (t *Transaction) Commit(ctx context.Context) error {
	if t.isClosed {
		return nil
	}

	if err := t.Tx.Commit(); err != nil {
		t.logger.WithContext(ctx).WithError(err).Errorf("error while committing transaction")
		return fmt.Errorf("error while committing transaction: %w", err)
	}

	t.isClosed = true
	return nil
}

// joinedTx is handed to callers that join an outer transaction. Commit and
// Rollback are no-ops; the outer owner closes it.
type joinedTx struct {
	Tx
}

func (joinedTx) Commit(context.Context) error   { return nil }
func (joinedTx) Rollback(context.Context) error { return nil }

// WithTx makes tx the transaction that Conn and GetTx resolve for ctx.
func WithTx(ctx context.Context, tx Tx) context.Context {
	if tx == nil {
		return ctx
	}
	ctx = context.WithValue(ctx, txStatusKey, "open")
	return context.WithValue(ctx, txKey, tx)
}

// Transactor runs a function inside one transaction carried on its context.
type Transactor struct {
	db     DB
	logger ectologger.Logger
}

func NewTransactor(db DB, logger ectologger.Logger) *Transactor {
	return &Transactor{db: db, logger: logger}
}

// WithinTx commits when fn succeeds and rolls back otherwise. A call nested in
// an open transaction joins it.
func (t *Transactor) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	txCtx, tx, err := t.db.GetTx(ctx, nil)
	if err != nil {
		return Classify(err, "begin transaction")
	}
	if err := fn(txCtx); err != nil {
		if rbErr := tx.Rollback(txCtx); rbErr != nil {
			t.logger.WithContext(ctx).WithError(rbErr).Warn("Rollback after failed transaction body")
		}
		return err
	}
	if err := tx.Commit(txCtx); err != nil {
		return Classify(err, "commit transaction")
	}
	return nil
}
