// Package pathcombinator joins cached up/down/core segments into full
// forwarding paths, via shortcut and core-path composition (spec
// §4.4). It is a pure function of its inputs: no network I/O, and
// deterministic for a fixed input multiset.
package pathcombinator

import (
	"crypto/sha256"
	"sort"

	"github.com/scionproto-go/sciond/pathseg"
	"github.com/scionproto-go/sciond/scionaddr"
)

// Interface is one hop of a resolved Path's forwarding-interface list:
// the AS it belongs to, and the link (interface) id used there (spec
// §3: "interfaces list of (ISD_AD, link_id) pairs").
type Interface struct {
	IA     scionaddr.IA
	LinkID uint16
}

// Path is the output of the combinator: an ordered composition of one
// up segment, zero or more core segments, and one down segment (spec
// §3). An EmptyPath represents intra-AD delivery.
type Path struct {
	Up         *pathseg.Segment
	Core       []*pathseg.Segment
	Down       *pathseg.Segment
	Interfaces []Interface
}

// EmptyPath returns the path representing intra-AD delivery (spec §3,
// §4.4 "Empty-path rule"): src == dst.
func EmptyPath() Path {
	return Path{}
}

// IsEmpty reports whether p is the empty (intra-AD) path.
func (p Path) IsEmpty() bool {
	return p.Up == nil && len(p.Core) == 0 && p.Down == nil
}

// RawPath is the serialized on-wire path: the concatenation of the up,
// core, and down segments' packed forms, in forwarding order.
func (p Path) RawPath() []byte {
	if p.IsEmpty() {
		return nil
	}
	var out []byte
	out = append(out, p.Up.Pack()...)
	for _, c := range p.Core {
		out = append(out, c.Pack()...)
	}
	out = append(out, p.Down.Pack()...)
	return out
}

// ForwardingInterface returns the first on-wire interface id, used to
// select the local next-hop host address (spec §3: "forwarding
// interface"). Zero for the empty path.
func (p Path) ForwardingInterface() uint16 {
	if p.IsEmpty() {
		return 0
	}
	return p.Up.Hops[0].EgressIFID
}

// HopsHash is the identity used to deduplicate combinator output (spec
// §4.4 step 3).
func (p Path) HopsHash() [32]byte {
	h := sha256.New()
	if !p.IsEmpty() {
		uh := p.Up.HopsHash()
		h.Write(uh[:])
		for _, c := range p.Core {
			ch := c.HopsHash()
			h.Write(ch[:])
		}
		dh := p.Down.HopsHash()
		h.Write(dh[:])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// sharedHop reports whether two segments' hop chains share a common AS,
// returning the shared IA and true if so. Used to find shortcut/peering
// joins between an up- and a down-segment (spec §4.4 step 1).
func sharedHop(a, b *pathseg.Segment) (scionaddr.IA, bool) {
	seen := make(map[scionaddr.IA]struct{}, len(a.Hops))
	for _, h := range a.Hops {
		seen[h.IA] = struct{}{}
	}
	for _, h := range b.Hops {
		if _, ok := seen[h.IA]; ok {
			return h.IA, true
		}
	}
	return scionaddr.IA{}, false
}

// interfacesFor builds the ordered interfaces list for a composed path:
// every hop of the up segment, then of each core segment in order, then
// of the down segment, each as its AS paired with its egress interface
// id.
func interfacesFor(up *pathseg.Segment, core []*pathseg.Segment, down *pathseg.Segment) []Interface {
	var out []Interface
	appendSeg := func(s *pathseg.Segment) {
		for _, h := range s.Hops {
			out = append(out, Interface{IA: h.IA, LinkID: h.EgressIFID})
		}
	}
	appendSeg(up)
	for _, c := range core {
		appendSeg(c)
	}
	appendSeg(down)
	return out
}

// Build runs the combinator over the given segment sets, returning the
// deduplicated (by HopsHash) list of full paths (spec §4.4). up and
// down are assumed already filtered to the request's endpoints; core
// need not be.
func Build(up, down, core []*pathseg.Segment) []Path {
	var out []Path
	seen := make(map[[32]byte]struct{})
	add := func(p Path) {
		h := p.HopsHash()
		if _, ok := seen[h]; ok {
			return
		}
		seen[h] = struct{}{}
		out = append(out, p)
	}

	// 1. shortcut paths: any (u, d) pair whose hop lists intersect.
	for _, u := range up {
		for _, d := range down {
			if _, ok := sharedHop(u, d); ok {
				add(Path{Up: u, Down: d, Interfaces: interfacesFor(u, nil, d)})
			}
		}
	}

	// 2. core paths: for each (u, d), either they already share a core
	// AD (no core segment needed), or join them via any core segment
	// connecting u.FirstHop() to d.FirstHop().
	for _, u := range up {
		for _, d := range down {
			uFirst, dFirst := u.FirstHop(), d.FirstHop()
			if uFirst.Equal(dFirst) {
				add(Path{Up: u, Down: d, Interfaces: interfacesFor(u, nil, d)})
				continue
			}
			for _, c := range core {
				if c.LastHop().Equal(uFirst) && c.FirstHop().Equal(dFirst) {
					add(Path{Up: u, Core: []*pathseg.Segment{c}, Down: d, Interfaces: interfacesFor(u, []*pathseg.Segment{c}, d)})
				}
			}
		}
	}

	return out
}

// CorePairs returns the distinct (srcCoreAD, dstCoreAD) pairs implied
// by the cartesian product of up segments' first hops and down
// segments' first hops, excluding same-AS pairs (spec §4.5 step 5:
// "pairs(up_segs × down_segs)").
func CorePairs(up, down []*pathseg.Segment) []struct{ Src, Dst scionaddr.IA } {
	srcSeen := make(map[scionaddr.IA]struct{})
	dstSeen := make(map[scionaddr.IA]struct{})
	var srcs, dsts []scionaddr.IA
	for _, u := range up {
		ia := u.FirstHop()
		if _, ok := srcSeen[ia]; !ok {
			srcSeen[ia] = struct{}{}
			srcs = append(srcs, ia)
		}
	}
	for _, d := range down {
		ia := d.FirstHop()
		if _, ok := dstSeen[ia]; !ok {
			dstSeen[ia] = struct{}{}
			dsts = append(dsts, ia)
		}
	}
	sort.Slice(srcs, func(i, j int) bool { return iaLess(srcs[i], srcs[j]) })
	sort.Slice(dsts, func(i, j int) bool { return iaLess(dsts[i], dsts[j]) })

	var out []struct{ Src, Dst scionaddr.IA }
	for _, s := range srcs {
		for _, d := range dsts {
			if s.Equal(d) {
				continue
			}
			out = append(out, struct{ Src, Dst scionaddr.IA }{s, d})
		}
	}
	return out
}

func iaLess(a, b scionaddr.IA) bool {
	if a.ISD != b.ISD {
		return a.ISD < b.ISD
	}
	return a.AD < b.AD
}
