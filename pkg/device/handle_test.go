package device

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sequenceResolver struct {
	addrs []string
	calls int
	err   error
}

func (s *sequenceResolver) Resolve(_ context.Context, _ string) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	idx := s.calls - 1
	if idx >= len(s.addrs) {
		idx = len(s.addrs) - 1
	}
	return s.addrs[idx], nil
}

func TestHandleAddressCachedUntilInvalidated(t *testing.T) {
	res := &sequenceResolver{addrs: []string{"10.0.0.1", "10.0.0.2"}}
	h := NewHandle("0123456789abcdef0123456789abcdef", res)
	ctx := context.Background()

	addr, err := h.Address(ctx)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", addr)

	addr, err = h.Address(ctx)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", addr)
	assert.Equal(t, 1, res.calls, "fresh address must not be re-resolved")

	gen := h.Generation()
	h.MarkRebooting()
	assert.True(t, h.Stale())

	addr, err = h.Address(ctx)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", addr)
	assert.Equal(t, 2, res.calls)
	assert.Equal(t, gen+1, h.Generation())
}

func TestHandleResolveError(t *testing.T) {
	res := &sequenceResolver{err: errors.New("api down")}
	h := NewHandle("0123456789abcdef0123456789abcdef", res)

	_, err := h.Address(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api down")
	assert.True(t, h.Stale())
}

func TestHandlePinWithoutResolver(t *testing.T) {
	h := NewHandle("dev", nil)
	_, err := h.Address(context.Background())
	require.ErrorIs(t, err, ErrNoAddress)

	h.Pin("192.168.1.5")
	addr, err := h.Address(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.5", addr)

	h.Invalidate()
	addr, err = h.Address(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.5", addr)
}

func TestValidateUUID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"hex32", "0123456789abcdef0123456789abcdef", false},
		{"hex62", "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcd", false},
		{"rfc4122", "6ba7b810-9dad-11d1-80b4-00c04fd430c8", false},
		{"empty", "", true},
		{"garbage", "not-a-device", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUUID(tt.id)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCloudResolverPrefix(t *testing.T) {
	src := addressSourceFunc(func(context.Context, string) ([]string, error) {
		return []string{"10.8.0.4", "192.168.1.20"}, nil
	})

	r := NewCloudResolver(src)
	addr, err := r.Resolve(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "10.8.0.4", addr)

	r.Prefix = "192.168."
	addr, err = r.Resolve(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.20", addr)

	r.Prefix = "172."
	_, err = r.Resolve(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNoAddress)
}

type addressSourceFunc func(context.Context, string) ([]string, error)

func (f addressSourceFunc) DeviceAddresses(ctx context.Context, uuid string) ([]string, error) {
	return f(ctx, uuid)
}
