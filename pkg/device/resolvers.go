package device

import (
	"context"
	"fmt"
	"net"
	"strings"
)

// StaticResolver always returns the same address.
type StaticResolver string

// Resolve returns the static address.
func (s StaticResolver) Resolve(_ context.Context, _ string) (string, error) {
	if s == "" {
		return "", ErrNoAddress
	}
	return string(s), nil
}

// AddressSource is the subset of the cloud API needed to look up device IPs.
type AddressSource interface {
	DeviceAddresses(ctx context.Context, uuid string) ([]string, error)
}

// CloudResolver resolves the device address from the cloud API's view of
// the device. The first reported address wins.
type CloudResolver struct {
	source AddressSource
	// Prefix optionally restricts which addresses qualify (e.g. "192.168.").
	Prefix string
}

// NewCloudResolver creates a resolver backed by the cloud API.
func NewCloudResolver(source AddressSource) *CloudResolver {
	return &CloudResolver{source: source}
}

// Resolve implements Resolver.
func (r *CloudResolver) Resolve(ctx context.Context, uuid string) (string, error) {
	addrs, err := r.source.DeviceAddresses(ctx, uuid)
	if err != nil {
		return "", err
	}
	for _, addr := range addrs {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		if r.Prefix != "" && !strings.HasPrefix(addr, r.Prefix) {
			continue
		}
		return addr, nil
	}
	return "", ErrNoAddress
}

// DNSResolver resolves <short-uuid>.local through the system resolver.
type DNSResolver struct {
	Resolver *net.Resolver
	Domain   string
}

// Resolve implements Resolver.
func (r *DNSResolver) Resolve(ctx context.Context, uuid string) (string, error) {
	domain := r.Domain
	if domain == "" {
		domain = "local"
	}
	res := r.Resolver
	if res == nil {
		res = net.DefaultResolver
	}

	short := strings.ReplaceAll(uuid, "-", "")
	if len(short) > 7 {
		short = short[:7]
	}
	host := fmt.Sprintf("%s.%s", short, domain)

	addrs, err := res.LookupHost(ctx, host)
	if err != nil {
		return "", fmt.Errorf("lookup %s: %w", host, err)
	}
	for _, addr := range addrs {
		if ip := net.ParseIP(addr); ip != nil && ip.To4() != nil {
			return addr, nil
		}
	}
	if len(addrs) > 0 {
		return addrs[0], nil
	}
	return "", ErrNoAddress
}
