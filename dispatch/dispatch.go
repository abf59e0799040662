// Package dispatch routes decoded commands to handlers.
//
// The transport has no opinion on command semantics. Both the client and the
// server hand every decoded command (except Exit) to a Handler; Router maps
// method names to typed handler functions and falls back for unknown methods.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/pithecene-io/tether/types"
)

// Handler consumes decoded commands.
//
// sessionID is the session the command arrived on; it is empty for a
// non-multiplexed server and always empty on the client side.
// Commands from one session are delivered in arrival order. Commands from
// different sessions may be delivered concurrently.
type Handler interface {
	HandleCommand(ctx context.Context, sessionID string, cmd *types.Command) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, sessionID string, cmd *types.Command) error

// HandleCommand calls f.
func (f HandlerFunc) HandleCommand(ctx context.Context, sessionID string, cmd *types.Command) error {
	return f(ctx, sessionID, cmd)
}

// Router dispatches commands by method name.
// Unknown methods go to the fallback, or are ignored when none is set.
type Router struct {
	mu       sync.RWMutex
	routes   map[string]HandlerFunc
	fallback HandlerFunc
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{routes: make(map[string]HandlerFunc)}
}

// Handle registers fn for method, replacing any previous registration.
func (r *Router) Handle(method string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[method] = fn
}

// HandleFallback registers fn for methods with no explicit route.
func (r *Router) HandleFallback(fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = fn
}

// Methods returns the registered method names, sorted.
func (r *Router) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	methods := make([]string, 0, len(r.routes))
	for m := range r.routes {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	return methods
}

// HandleCommand implements Handler.
func (r *Router) HandleCommand(ctx context.Context, sessionID string, cmd *types.Command) error {
	if cmd == nil {
		return nil
	}
	r.mu.RLock()
	fn, ok := r.routes[cmd.Method]
	if !ok {
		fn = r.fallback
	}
	r.mu.RUnlock()

	if fn == nil {
		return nil
	}
	return fn(ctx, sessionID, cmd)
}

// Call invokes h, treating a nil handler as one that drops every command.
func Call(ctx context.Context, h Handler, sessionID string, cmd *types.Command) error {
	if h == nil {
		return nil
	}
	return h.HandleCommand(ctx, sessionID, cmd)
}

// Decode converts opaque params into a typed struct using JSON field tags.
func Decode[T any](params map[string]any, out *T) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to encode params: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode params into %T: %w", out, err)
	}
	return nil
}
