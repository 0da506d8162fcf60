package channel

import (
	"errors"
	"fmt"

	"Deskwire/internal/dispatch"
)

var (
	// ErrNotWritable is returned for outbound attempts on ingest-only
	// channels. History reads are unaffected.
	ErrNotWritable = errors.New("channel is not writable")
	ErrUnknown     = errors.New("unknown channel")
)

// Adapter normalizes provider-specific payloads into the common message shape
// and declares the channel's write capability.
type Adapter interface {
	Channel() string
	// Writable reports whether outbound sends may target this channel.
	Writable() bool
	// Normalize converts a raw provider payload into a dispatchable request.
	Normalize(payload []byte) (dispatch.SendRequest, error)
}

// Registry holds the configured adapters. It implements
// dispatch.ChannelPolicy. Registration happens at wiring time only, so reads
// need no locking.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Channel()] = a
	}
	return r
}

// Get returns the adapter for a channel.
func (r *Registry) Get(channel string) (Adapter, error) {
	a, ok := r.adapters[channel]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknown, channel)
	}
	return a, nil
}

// CheckWritable gates outbound sends by channel capability.
func (r *Registry) CheckWritable(channel string) error {
	a, err := r.Get(channel)
	if err != nil {
		return err
	}
	if !a.Writable() {
		return fmt.Errorf("%w: %s", ErrNotWritable, channel)
	}
	return nil
}
