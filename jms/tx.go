package jms

import (
	"context"
	"errors"

	"github.com/trickstertwo/xjms"
)

// Transaction is one unit of transactional work.
type Transaction interface {
	Commit() error
	Rollback() error
}

// TransactionManager begins a transaction that spans each transacted delivery,
// alongside the broker session's own transaction.
type TransactionManager interface {
	Begin(ctx context.Context) (Transaction, error)
}

type txCtxKey struct{}

// withTransaction binds tx to the dispatch of one delivery.
func withTransaction(ctx context.Context, tx Transaction) context.Context {
	return context.WithValue(ctx, txCtxKey{}, tx)
}

// TransactionFromContext returns the transaction of the delivery being dispatched.
func TransactionFromContext(ctx context.Context) (Transaction, bool) {
	tx, ok := ctx.Value(txCtxKey{}).(Transaction)
	return tx, ok && tx != nil
}

// deliveryTx commits or rolls back the session and, when present, the
// external transaction together.
type deliveryTx struct {
	session  xjms.Session
	external Transaction
}

func (t *deliveryTx) Commit() error {
	if t.external != nil {
		if err := t.external.Commit(); err != nil {
			return errors.Join(err, t.session.Rollback())
		}
	}
	return t.session.Commit()
}

func (t *deliveryTx) Rollback() error {
	var errs []error
	if t.external != nil {
		errs = append(errs, t.external.Rollback())
	}
	errs = append(errs, t.session.Rollback())
	return errors.Join(errs...)
}

// Session returns the broker session the delivery was received on.
func (t *deliveryTx) Session() xjms.Session { return t.session }
