// Package discovery is the service-discovery shim (spec §4.7): it
// looks up the local path server's address via the ambient topology
// registry. In this daemon that registry is the static configuration
// loaded by the config package; a live topology/discovery service is
// out of scope (spec §1).
package discovery

import (
	"errors"
	"fmt"
	"net"
)

// ErrServiceLookup is returned when a service kind cannot be resolved
// (spec §7: ServiceLookupError).
var ErrServiceLookup = errors.New("discovery: service lookup failed")

// Kind names the kind of service being resolved. Only the path service
// is in scope for this daemon.
type Kind string

// PathService is the only service kind sciond ever resolves.
const PathService Kind = "path_service"

// Resolver resolves a service kind to a host address.
type Resolver interface {
	Resolve(kind Kind) (*net.UDPAddr, error)
}

// Static is a Resolver backed by a fixed set of addresses, populated
// from the daemon's own configuration file (spec §6: "path-server
// discovery record"). It is a stand-in for the real topology registry,
// which is an out-of-scope external collaborator (spec §1).
type Static struct {
	addrs map[Kind]*net.UDPAddr
}

// NewStatic builds a Static resolver with a single path-service address.
func NewStatic(pathServiceAddr *net.UDPAddr) *Static {
	return &Static{addrs: map[Kind]*net.UDPAddr{PathService: pathServiceAddr}}
}

// Resolve implements Resolver.
func (s *Static) Resolve(kind Kind) (*net.UDPAddr, error) {
	addr, ok := s.addrs[kind]
	if !ok || addr == nil {
		return nil, fmt.Errorf("%w: %s", ErrServiceLookup, kind)
	}
	return addr, nil
}
