// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

var (
	// ErrUnknownPlatform is returned for platforms without a registered driver.
	ErrUnknownPlatform = errors.New("unknown platform")
	// ErrDuplicateDriver is returned when two drivers claim the same platform.
	ErrDuplicateDriver = errors.New("driver already registered")
)

// SentMessage identifies a message a driver posted.
type SentMessage struct {
	MessageID string
	UserID    string
}

// Driver is the per-platform send and query contract.
type Driver interface {
	// Platform returns the platform name used in topology rules.
	Platform() string
	Send(ctx context.Context, chatID string, msg *UnifiedMessage) (SentMessage, error)
	IsGroupAdmin(ctx context.Context, chatID, userID string) (bool, error)
	IsGroupOwner(ctx context.Context, chatID, userID string) (bool, error)
}

// Receiver accepts inbound messages from drivers.
type Receiver interface {
	Receive(ctx context.Context, msg *UnifiedMessage)
}

// Runner is implemented by drivers that hold a connection open.
type Runner interface {
	Start(ctx context.Context, recv Receiver) error
	Stop()
}

// Registry maps platform names to drivers.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]Driver)}
}

// Register adds d under d.Platform().
func (r *Registry) Register(d Driver) error {
	name := d.Platform()
	if name == "" {
		return fmt.Errorf("driver has empty platform name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.drivers[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateDriver, name)
	}
	r.drivers[name] = d
	return nil
}

// Get returns the driver for platform.
func (r *Registry) Get(platform string) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[platform]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, platform)
	}
	return d, nil
}

// Platforms lists registered platform names in sorted order.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Send delivers msg to chatID on platform.
func (r *Registry) Send(ctx context.Context, platform, chatID string, msg *UnifiedMessage) (SentMessage, error) {
	d, err := r.Get(platform)
	if err != nil {
		return SentMessage{}, err
	}
	sent, err := d.Send(ctx, chatID, msg)
	if err != nil {
		return SentMessage{}, fmt.Errorf("%s send to %s failed: %w", platform, chatID, err)
	}
	return sent, nil
}

// IsGroupAdmin asks the platform driver whether userID administers chatID.
func (r *Registry) IsGroupAdmin(ctx context.Context, platform, chatID, userID string) (bool, error) {
	d, err := r.Get(platform)
	if err != nil {
		return false, err
	}
	return d.IsGroupAdmin(ctx, chatID, userID)
}

// IsGroupOwner asks the platform driver whether userID owns chatID.
func (r *Registry) IsGroupOwner(ctx context.Context, platform, chatID, userID string) (bool, error) {
	d, err := r.Get(platform)
	if err != nil {
		return false, err
	}
	return d.IsGroupOwner(ctx, chatID, userID)
}
