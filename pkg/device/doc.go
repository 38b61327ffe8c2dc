// Package device holds the device-under-test handle and the state types
// observed on a device.
//
// # Device handle
//
// A Handle pairs the device UUID with its current network address. The
// address is not stable: actions that reboot the device may bring it back
// on a different IP. A Handle therefore never trusts its cached address
// across a reboot boundary. Callers tag such actions with MarkRebooting,
// and the next Address call goes back to the Resolver.
//
//	h := device.NewHandle(uuid, device.NewCloudResolver(api))
//	addr, err := h.Address(ctx)
//	...
//	h.MarkRebooting() // after posting a rebooting target state
//
// # State types
//
// ServiceSnapshot, TargetState, LogEntry and PinLevel are the values the
// transports produce and the observers in package observe compare.
package device
