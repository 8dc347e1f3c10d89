package messaging

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/snehjoshi/syncq/internal/translator"
	"github.com/snehjoshi/syncq/internal/types"
)

// Capabilities are the routing decisions attached to a message type.
type Capabilities struct {
	// Process: messages of this type are processed by a Handler.
	Process bool
	// Assemble: parts of this type may be queued for assembly.
	Assemble bool
	// Synchronous: the device waits for the response instead of polling for it.
	Synchronous bool
	// Secure: payloads are encrypted with the device key.
	Secure bool
	// Archive: a snapshot is kept once the message is processed or downloaded.
	Archive bool
}

// Handler processes one message. tr is bound to the sending device and holds
// its key when the type is secure. A non-nil response is queued for download
// to the same device.
type Handler interface {
	Handle(ctx context.Context, m *types.Message, tr *translator.Translator) (response translator.Payload, err error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, m *types.Message, tr *translator.Translator) (translator.Payload, error)

func (f HandlerFunc) Handle(ctx context.Context, m *types.Message, tr *translator.Translator) (translator.Payload, error) {
	return f(ctx, m, tr)
}

type registration struct {
	caps    Capabilities
	handler Handler
}

// Registry maps message type codes to capabilities and handlers. Types are
// registered once at startup; lookups are safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	types map[string]registration
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]registration)}
}

// Register adds typeID. A processable type needs a handler.
func (r *Registry) Register(typeID string, caps Capabilities, h Handler) error {
	if typeID == "" || len(typeID) > types.MaxTypeIDLength {
		return invalid("type id %q must be 1..%d characters", typeID, types.MaxTypeIDLength)
	}
	if caps.Process && h == nil {
		return invalid("type %q is processable but has no handler", typeID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.types[typeID]; dup {
		return fmt.Errorf("%w: type %q already registered", ErrInvalidArgument, typeID)
	}
	r.types[typeID] = registration{caps: caps, handler: h}
	return nil
}

// MustRegister is Register that panics. Startup wiring only.
func (r *Registry) MustRegister(typeID string, caps Capabilities, h Handler) {
	if err := r.Register(typeID, caps, h); err != nil {
		panic(err)
	}
}

// Capabilities returns the capabilities of typeID; unknown types have none.
func (r *Registry) Capabilities(typeID string) Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.types[typeID].caps
}

// Handler returns the handler registered for typeID.
func (r *Registry) Handler(typeID string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.types[typeID]
	return reg.handler, ok && reg.handler != nil
}

// Types lists the registered type codes in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.types))
	for t := range r.types {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
