package mcpx

import (
	"fmt"
	"sync"

	"github.com/gobwas/glob"
)

// KindRouter is a MessageReceiver that forwards envelopes to the receivers whose
// kind pattern matches. Patterns use glob syntax where * also matches '/' and ':',
// e.g. "mcp/request:*", "mcp/*:tools/*" or "{chat,presence}".
//
// Every matching route is called, in registration order. Envelopes that match no
// route go to the fallback receiver, if any.
type KindRouter struct {
	mu       sync.RWMutex
	routes   []kindRoute
	fallback MessageReceiver
}

type kindRoute struct {
	pattern  string
	matcher  glob.Glob
	receiver MessageReceiver
}

// NewKindRouter creates an empty router.
func NewKindRouter() *KindRouter {
	return &KindRouter{}
}

// Handle registers receiver for the kinds matching pattern.
func (r *KindRouter) Handle(pattern string, receiver MessageReceiver) error {
	g, err := glob.Compile(pattern)
	if err != nil {
		return fmt.Errorf("invalid kind pattern %q: %w", pattern, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, kindRoute{pattern: pattern, matcher: g, receiver: receiver})
	return nil
}

// HandleFunc registers f for the kinds matching pattern.
func (r *KindRouter) HandleFunc(pattern string, f func(env Envelope)) error {
	return r.Handle(pattern, MessageReceiverFunc(f))
}

// Fallback sets the receiver of envelopes no route matches.
func (r *KindRouter) Fallback(receiver MessageReceiver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = receiver
}

// Patterns returns the registered patterns in registration order.
func (r *KindRouter) Patterns() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	patterns := make([]string, 0, len(r.routes))
	for _, route := range r.routes {
		patterns = append(patterns, route.pattern)
	}
	return patterns
}

// OnMessage implements MessageReceiver.
func (r *KindRouter) OnMessage(env Envelope) {
	r.mu.RLock()
	var matched []MessageReceiver
	for _, route := range r.routes {
		if route.matcher.Match(env.Kind) {
			matched = append(matched, route.receiver)
		}
	}
	fallback := r.fallback
	r.mu.RUnlock()

	if len(matched) == 0 {
		if fallback != nil {
			fallback.OnMessage(env)
		}
		return
	}
	for _, receiver := range matched {
		receiver.OnMessage(env)
	}
}
