// Package env defines on-demand compute environments for builds.
//
// Every backend follows the same lifecycle: Acquire requests a
// resource and returns immediately, Address polls until the resource is
// usable, and Close releases it.  Callers must Close every acquired
// Environment exactly once, on every exit path, and never reuse it.
//
//	Acquire -> Address* -> Close
package env

import (
	"context"
	"net/netip"
)

// Address is where a provisioned environment can be reached.
type Address struct {
	// Host is a DNS name.  It may be empty.
	Host string

	// IP is the address builds should connect to.
	IP netip.Addr
}

// String returns Host when set, otherwise the IP.
func (a Address) String() string {
	if a.Host != "" {
		return a.Host
	}
	if a.IP.IsValid() {
		return a.IP.String()
	}
	return ""
}

// Environment is one provisioned resource.
type Environment interface {
	// Address blocks until the resource is reachable, or fails with a
	// fatal error when it never will be.
	Address(ctx context.Context) (Address, error)

	// Close releases the resource.  It does not wait for the release to
	// complete.
	Close(ctx context.Context) error
}

// Environments is a factory of Environment.
type Environments interface {
	Acquire(ctx context.Context) (Environment, error)
}
