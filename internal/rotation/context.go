// Package rotation implements the account-rotation middleware: selection,
// rate-limit failover with buffered retry, and manual account override.
package rotation

import "context"

// AccountHeader forces a specific account, bypassing rotation.
const AccountHeader = "X-Account-Name"

// Selection names the account serving the current request.
type Selection struct {
	Name        string
	AccessToken string
}

type ctxKey int

const selectionKey ctxKey = iota

// WithSelection attaches a selection to the context.
func WithSelection(ctx context.Context, sel Selection) context.Context {
	return context.WithValue(ctx, selectionKey, sel)
}

// SelectionFrom returns the selection for the current request, if any.
func SelectionFrom(ctx context.Context) (Selection, bool) {
	sel, ok := ctx.Value(selectionKey).(Selection)
	return sel, ok
}
