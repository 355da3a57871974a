package datastore

import (
	"context"
	"database/sql"
	"regexp"
)

var writeStatement = regexp.MustCompile(`(?is)^\s*(insert|update|delete|truncate)\b|^\s*with\b.*\b(insert|update|delete)\b`)

// readOnlyHandler wraps a Handler so that writes fail unless the context was marked with AllowReadOnlyCall.
type readOnlyHandler struct {
	Handler
}

// NewReadOnlyHandler returns a Handler that rejects writes while the registry runs in read-only mode. Rejected writes
// fail with an error for which IsReadOnly returns true.
func NewReadOnlyHandler(h Handler) Handler {
	return &readOnlyHandler{Handler: h}
}

func (h *readOnlyHandler) rejects(ctx context.Context, query string) bool {
	return !ReadOnlyCallAllowed(ctx) && writeStatement.MatchString(query)
}

// ExecContext implements Queryer.
func (h *readOnlyHandler) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	if h.rejects(ctx, query) {
		return nil, ErrReadOnly
	}
	return h.Handler.ExecContext(ctx, query, args...)
}

// QueryContext implements Queryer.
func (h *readOnlyHandler) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	if h.rejects(ctx, query) {
		return nil, ErrReadOnly
	}
	return h.Handler.QueryContext(ctx, query, args...)
}

// QueryRowContext implements Queryer. A rejected write is run inside a read-only transaction so that the returned
// row carries the server side read-only error. The transaction is rolled back as soon as the statement fails.
func (h *readOnlyHandler) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	if !h.rejects(ctx, query) {
		return h.Handler.QueryRowContext(ctx, query, args...)
	}

	txCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	tx, err := h.Handler.BeginTx(txCtx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return h.Handler.QueryRowContext(txCtx, query, args...)
	}
	return tx.QueryRowContext(txCtx, query, args...)
}

// BeginTx implements Handler. Unless ctx allows it, the transaction is started in read-only mode.
func (h *readOnlyHandler) BeginTx(ctx context.Context, opts *sql.TxOptions) (Transactor, error) {
	if ReadOnlyCallAllowed(ctx) {
		return h.Handler.BeginTx(ctx, opts)
	}

	ro := &sql.TxOptions{ReadOnly: true}
	if opts != nil {
		ro.Isolation = opts.Isolation
	}
	return h.Handler.BeginTx(ctx, ro)
}
