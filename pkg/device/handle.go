package device

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrNoAddress is returned when a resolver has no address for the device.
var ErrNoAddress = errors.New("device has no known address")

// balena-style UUIDs are 32 or 62 lowercase hex characters without dashes.
var hexUUID = regexp.MustCompile(`^[0-9a-f]{32}([0-9a-f]{30})?$`)

// Resolver looks up the current network address of a device.
type Resolver interface {
	Resolve(ctx context.Context, uuid string) (string, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, uuid string) (string, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(ctx context.Context, uuid string) (string, error) {
	return f(ctx, uuid)
}

// Handle identifies a device under test and tracks its resolved address.
type Handle struct {
	uuid     string
	resolver Resolver

	mu         sync.Mutex
	address    string
	stale      bool
	resolvedAt time.Time
	generation int
}

// NewHandle creates a handle for the given device UUID.
func NewHandle(id string, resolver Resolver) *Handle {
	return &Handle{
		uuid:     id,
		resolver: resolver,
		stale:    true,
	}
}

// ValidateUUID checks that id is either an RFC 4122 UUID or a 32/62
// character hex device UUID.
func ValidateUUID(id string) error {
	if id == "" {
		return fmt.Errorf("device uuid is required")
	}
	if hexUUID.MatchString(id) {
		return nil
	}
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("invalid device uuid %q: %w", id, err)
	}
	return nil
}

// UUID returns the device UUID.
func (h *Handle) UUID() string {
	return h.uuid
}

// ShortUUID returns the first seven characters of the UUID, the form used
// for local hostnames.
func (h *Handle) ShortUUID() string {
	id := strings.ReplaceAll(h.uuid, "-", "")
	if len(id) > 7 {
		return id[:7]
	}
	return id
}

// Address returns the device address, resolving it first if the cached
// value is missing or stale.
func (h *Handle) Address(ctx context.Context) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.stale && h.address != "" {
		return h.address, nil
	}

	if h.resolver == nil {
		if h.address == "" {
			return "", ErrNoAddress
		}
		h.stale = false
		return h.address, nil
	}

	addr, err := h.resolver.Resolve(ctx, h.uuid)
	if err != nil {
		return "", fmt.Errorf("failed to resolve address of %s: %w", h.uuid, err)
	}
	if addr == "" {
		return "", ErrNoAddress
	}

	if addr != h.address {
		log.Debug().
			Str("device", h.uuid).
			Str("previous", h.address).
			Str("address", addr).
			Msg("device address changed")
		h.generation++
	}

	h.address = addr
	h.stale = false
	h.resolvedAt = time.Now()
	return addr, nil
}

// Pin sets the address directly and marks it fresh.
func (h *Handle) Pin(addr string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if addr != h.address {
		h.generation++
	}
	h.address = addr
	h.stale = false
	h.resolvedAt = time.Now()
}

// Invalidate marks the cached address stale so the next Address call
// resolves again.
func (h *Handle) Invalidate() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stale = true
}

// MarkRebooting must be called after any action that reboots the device.
func (h *Handle) MarkRebooting() {
	log.Debug().Str("device", h.uuid).Msg("device rebooting, address invalidated")
	h.Invalidate()
}

// Stale reports whether the cached address needs re-resolution.
func (h *Handle) Stale() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stale || h.address == ""
}

// Generation increments every time the resolved address changes. Transports
// holding connections keyed to an address compare generations to know when
// to redial.
func (h *Handle) Generation() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.generation
}

// ResolvedAt returns when the address was last resolved.
func (h *Handle) ResolvedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resolvedAt
}
