package store

import "context"

type txKey struct{}

// WithTx returns a context carrying an open transaction. Operations that
// accept a context read through the transaction when one is present, so a
// multi-item operation (bulk save) sees its own uncommitted writes.
func WithTx(ctx context.Context, tx Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFrom returns the transaction carried by ctx, if any.
func TxFrom(ctx context.Context) (Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(Tx)
	return tx, ok
}

// ReaderFor returns the transaction carried by ctx when present, and the
// store itself otherwise.
func ReaderFor(ctx context.Context, s Store) Reader {
	if tx, ok := TxFrom(ctx); ok {
		return tx
	}
	return s
}
