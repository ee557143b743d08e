package tenancy

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Binding is the ephemeral record of which tenant a request is currently
// scoped to. It lives in a request-scoped holder on the context, never in a
// process-wide variable, so concurrent requests cannot observe each other's
// binding.
type Binding struct {
	TenantID  uuid.UUID
	Namespace string
}

type bindingHolderKey struct{}

// bindingHolder is mutable so WithTenant can set and clear the active binding
// for the rest of the request without threading a new context everywhere.
type bindingHolder struct {
	mu      sync.Mutex
	current *Binding
}

func (h *bindingHolder) set(b Binding) {
	h.mu.Lock()
	h.current = &b
	h.mu.Unlock()
}

func (h *bindingHolder) clear() {
	h.mu.Lock()
	h.current = nil
	h.mu.Unlock()
}

func (h *bindingHolder) get() (Binding, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current == nil {
		return Binding{}, false
	}
	return *h.current, true
}

// WithBindingHolder attaches a fresh binding holder to the context. The
// request interceptor installs one per request.
func WithBindingHolder(ctx context.Context) context.Context {
	return context.WithValue(ctx, bindingHolderKey{}, &bindingHolder{})
}

func holderFrom(ctx context.Context) *bindingHolder {
	h, _ := ctx.Value(bindingHolderKey{}).(*bindingHolder)
	return h
}

// CurrentBinding returns the tenant binding active on this context, if any.
// Code deep in a request can re-derive "which tenant am I" without a query.
func CurrentBinding(ctx context.Context) (Binding, bool) {
	if h := holderFrom(ctx); h != nil {
		return h.get()
	}
	return Binding{}, false
}

// ClearBinding resets the holder. Callers that used PreserveBinding are
// responsible for calling this when their call chain finishes.
func ClearBinding(ctx context.Context) {
	if h := holderFrom(ctx); h != nil {
		h.clear()
	}
}
