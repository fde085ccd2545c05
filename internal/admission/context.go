package admission

import "context"

type chargeContextKey struct{}

// WithCharge attaches charge to ctx so later middleware in the chain
// (token usage parsing, streaming) can find it and reconcile.
func WithCharge(ctx context.Context, charge *Charge) context.Context {
	return context.WithValue(ctx, chargeContextKey{}, charge)
}

// FromContext retrieves the Charge attached by WithCharge, if any.
func FromContext(ctx context.Context) (*Charge, bool) {
	charge, ok := ctx.Value(chargeContextKey{}).(*Charge)
	return charge, ok
}
