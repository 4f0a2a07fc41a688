// Package notification defines the notification envelope, the delivery
// outcome taxonomy, and the channel providers that perform delivery
// (email via SMTP, webhook via HTTP).
package notification

import (
	"context"
	"sync"
)

// Provider is the interface for notification delivery backends. A Provider
// performs exactly one delivery attempt per Send call: it never retries
// internally and never mutates the envelope. Retrying is the worker's job.
type Provider interface {
	// Name returns the provider identifier (e.g. "smtp").
	Name() string
	// Send attempts delivery of the envelope and classifies the result.
	Send(ctx context.Context, env *Envelope) Outcome
}

// Registry selects the Provider responsible for each channel.
type Registry struct {
	mu        sync.RWMutex
	providers map[Channel]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[Channel]Provider)}
}

// Register binds a channel to its provider, replacing any previous binding.
func (r *Registry) Register(ch Channel, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[ch] = p
}

// For returns the provider registered for the channel.
func (r *Registry) For(ch Channel) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[ch]
	return p, ok
}

// Channels returns the channels with a registered provider.
func (r *Registry) Channels() []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	chs := make([]Channel, 0, len(r.providers))
	for ch := range r.providers {
		chs = append(chs, ch)
	}
	return chs
}
