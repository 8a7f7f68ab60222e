// Package daemon implements the daemon core (spec §4.5): the three
// segment stores, the request coordinator, and the handlers that wire
// inbound network events and outbound get_paths calls together.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/scionproto-go/sciond/discovery"
	"github.com/scionproto-go/sciond/hashchain"
	"github.com/scionproto-go/sciond/pathcombinator"
	"github.com/scionproto-go/sciond/pathdb"
	"github.com/scionproto-go/sciond/pathseg"
	"github.com/scionproto-go/sciond/ratelimit"
	"github.com/scionproto-go/sciond/request"
	"github.com/scionproto-go/sciond/scionaddr"
)

// Sentinel errors for the daemon-core error kinds spec §7 names.
// ServiceLookupError is discovery.ErrServiceLookup; these three cover
// the remaining kinds that originate inside the daemon core itself.
// None of them ever leave the daemon as a returned error — each kind's
// handling (drop-with-warning, empty result, no-op) is part of the
// daemon's normal, non-exceptional behavior per spec §7 — they exist
// so a log hook, or a caller wrapping these handlers, can errors.Is
// against the kind rather than string-matching a log message.
var (
	ErrMalformedSegmentClass         = errors.New("daemon: malformed segment class")
	ErrRevocationVerificationFailure = errors.New("daemon: revocation verification failed")
	ErrTimeout                       = errors.New("daemon: get_paths coordinator wait timed out")
)

// RevocationVerifier authenticates a revocation itself: whether
// committedToken (the rev_token) is reachable from candidatePreimage
// (the proof) within depth hash iterations (spec §4.1, §9).
// HashChainVerifier is the production implementation;
// AllowAllRevocations exists only to exercise the deletion path in
// tests that don't construct a real proof.
type RevocationVerifier interface {
	Verify(candidatePreimage, committedToken []byte, depth int) bool
}

// HashChainVerifier adapts hashchain.Verify to RevocationVerifier.
type HashChainVerifier struct{}

// Verify implements RevocationVerifier.
func (HashChainVerifier) Verify(candidatePreimage, committedToken []byte, depth int) bool {
	return hashchain.Verify(candidatePreimage, committedToken, depth)
}

// AllowAllRevocations treats every revocation as verified. Spec §9
// flags that the reference implementation ships with verification
// disabled and calls that out as a defect; this type exists only so
// tests can exercise the deletion path without constructing a valid
// proof — cmd/sciond must never wire it in.
type AllowAllRevocations struct{}

// Verify implements RevocationVerifier, unconditionally.
func (AllowAllRevocations) Verify(_, _ []byte, _ int) bool { return true }

// Transport sends an outbound PathRequest to the path server (spec
// §4.5 step 3/6). Implementations own the actual SCION data-plane
// socket; see the scionwire package for the wire encoding.
type Transport interface {
	SendPathRequest(addr *net.UDPAddr, info pathseg.Info) error
}

// Key is the coordinator's request key: a segment class plus the
// source/destination AS pair (spec §3 "request key").
type Key struct {
	Class pathseg.Class
	Src   scionaddr.IA
	Dst   scionaddr.IA
}

// Daemon is the daemon core (spec §4.5's "State").
type Daemon struct {
	LocalIA   scionaddr.IA
	LocalHost scionaddr.HostAddr

	UpStore   *pathdb.Store
	DownStore *pathdb.Store
	CoreStore *pathdb.Store

	Coordinator *request.Coordinator[Key]

	Resolver  discovery.Resolver
	Transport Transport
	Verifier  RevocationVerifier
	Limiter   *ratelimit.Limiter

	Timeout      time.Duration
	NTokensCheck int

	Logger zerolog.Logger

	ifidMu sync.RWMutex
	ifids  map[uint16]*net.UDPAddr
}

// Config bundles the construction-time dependencies for New.
type Config struct {
	LocalIA      scionaddr.IA
	LocalHost    scionaddr.HostAddr
	SegmentTTL   time.Duration
	Timeout      time.Duration
	NTokensCheck int
	Resolver     discovery.Resolver
	Transport    Transport
	Verifier     RevocationVerifier
	Limiter      *ratelimit.Limiter
	Logger       zerolog.Logger
}

// New constructs a Daemon with fresh, empty segment stores and wires
// its coordinator's check/fetch pair to them (spec §4.3, §4.5).
func New(cfg Config) *Daemon {
	d := &Daemon{
		LocalIA:      cfg.LocalIA,
		LocalHost:    cfg.LocalHost,
		UpStore:      pathdb.New(cfg.SegmentTTL),
		DownStore:    pathdb.New(cfg.SegmentTTL),
		CoreStore:    pathdb.New(cfg.SegmentTTL),
		Resolver:     cfg.Resolver,
		Transport:    cfg.Transport,
		Verifier:     cfg.Verifier,
		Limiter:      cfg.Limiter,
		Timeout:      cfg.Timeout,
		NTokensCheck: cfg.NTokensCheck,
		Logger:       cfg.Logger,
		ifids:        make(map[uint16]*net.UDPAddr),
	}
	if d.Verifier == nil {
		d.Verifier = HashChainVerifier{}
	}
	if d.NTokensCheck <= 0 {
		d.NTokensCheck = hashchain.DefaultDepth
	}
	d.Coordinator = request.New(d.check, d.fetch)
	return d
}

// SetNextHop records the next-hop host address reachable via ifid
// (spec §4.5's "ifid → host_addr map"). The daemon never fills this map
// on its own; entries exist only where a caller has set them.
func (d *Daemon) SetNextHop(ifid uint16, addr *net.UDPAddr) {
	d.ifidMu.Lock()
	defer d.ifidMu.Unlock()
	d.ifids[ifid] = addr
}

// NextHop resolves ifid to its next-hop address, if known.
func (d *Daemon) NextHop(ifid uint16) (*net.UDPAddr, bool) {
	d.ifidMu.RLock()
	defer d.ifidMu.RUnlock()
	addr, ok := d.ifids[ifid]
	return addr, ok
}

// check implements request.CheckFunc: whether key's class already has
// at least one matching segment cached (spec §4.3's "check").
func (d *Daemon) check(key Key) bool {
	switch key.Class {
	case pathseg.ClassUpDown:
		return d.UpStore.Len() > 0 && len(d.DownStore.Query(dstFilter(key.Dst))) > 0
	case pathseg.ClassCore:
		return len(coreFilter(d.CoreStore, key.Src, key.Dst)) > 0
	default:
		return false
	}
}

// fetch implements request.FetchFunc: resolves the path service and
// sends one PathRequest (spec §4.3's "fetch").
func (d *Daemon) fetch(ctx context.Context, key Key) {
	if d.Limiter != nil && !d.Limiter.Allow() {
		d.Logger.Warn().Str("request_key", keyString(key)).Msg("outbound path request throttled")
		return
	}
	addr, err := d.Resolver.Resolve(discovery.PathService)
	if err != nil {
		d.Logger.Error().Err(err).Msg("path service lookup failed")
		return
	}
	info := pathseg.Info{Class: key.Class, SrcISD: key.Src.ISD, SrcAD: key.Src.AD, DstISD: key.Dst.ISD, DstAD: key.Dst.AD}
	if err := d.Transport.SendPathRequest(addr, info); err != nil {
		d.Logger.Error().Err(err).Str("request_key", keyString(key)).Msg("path request send failed")
	}
}

// HandlePathReply processes an inbound PathReply (spec §4.5's
// "Handling an inbound path reply"). It is non-blocking: it only
// touches local state.
func (d *Daemon) HandlePathReply(reply pathseg.Reply) {
	for _, pcb := range reply.PCBs {
		d.classifyAndStore(reply.Info.Class, pcb)
	}
	key := Key{Class: reply.Info.Class, Src: scionaddr.IA{ISD: reply.Info.SrcISD, AD: reply.Info.SrcAD}, Dst: scionaddr.IA{ISD: reply.Info.DstISD, AD: reply.Info.DstAD}}
	d.Coordinator.Fulfill(key)
}

// classifyAndStore routes a single PCB per the reply's declared class
// (spec §4.5): UP_DOWN fans out to both the up and down classifiers,
// UP/DOWN/CORE insert directly into their own store. An invalid class
// is dropped with a warning (spec §7: MalformedSegmentClass).
func (d *Daemon) classifyAndStore(class pathseg.Class, pcb *pathseg.Segment) {
	if !pathseg.ValidClass(class) {
		d.Logger.Warn().Err(fmt.Errorf("%w: %d", ErrMalformedSegmentClass, class)).Msg("dropping PCB with malformed segment class")
		return
	}
	first, last := pcb.FirstHop(), pcb.LastHop()
	if class == pathseg.ClassUpDown || class == pathseg.ClassUp {
		if last.Equal(d.LocalIA) {
			d.UpStore.Update(pcb, first.ISD, first.AD, last.ISD, last.AD)
		}
	}
	if class == pathseg.ClassUpDown || class == pathseg.ClassDown {
		if !last.Equal(d.LocalIA) {
			d.DownStore.Update(pcb, first.ISD, first.AD, last.ISD, last.AD)
		}
	}
	if class == pathseg.ClassCore {
		d.CoreStore.Update(pcb, first.ISD, first.AD, last.ISD, last.AD)
	}
}

// HandleRevocation processes an inbound revocation (spec §4.5's
// "Handling a revocation"). It first authenticates the revocation
// itself — proof must hash forward to rev_token within N iterations —
// the step spec §9 flags as shipped disabled in the original and
// requires as a mandatory pluggable boundary in any production
// configuration (RevocationVerificationFailure, spec §7). Only once
// authenticated does it scan every store, checking each segment's
// interface tokens against rev_token, and batch-delete the matches.
// Returns the total number of deletions.
func (d *Daemon) HandleRevocation(revToken, proof []byte) int {
	if !d.Verifier.Verify(proof, revToken, d.NTokensCheck) {
		d.Logger.Warn().Err(ErrRevocationVerificationFailure).Msg("revocation's own proof failed verification, ignoring")
		return 0
	}

	total := 0
	for _, store := range []*pathdb.Store{d.UpStore, d.DownStore, d.CoreStore} {
		var matches [][32]byte
		for _, seg := range store.Iterate() {
			for _, ift := range seg.InterfaceTokens() {
				if hashchain.Verify(revToken, ift, d.NTokensCheck) {
					matches = append(matches, seg.HopsHash())
					break
				}
			}
		}
		total += store.DeleteAll(matches)
	}
	if total == 0 {
		d.Logger.Debug().Msg("revocation matched no cached segments")
	}
	return total
}

// GetPaths resolves forwarding paths to (dstISD, dstAD) (spec §4.5's
// "Resolving get_paths").
func (d *Daemon) GetPaths(ctx context.Context, dstISD uint16, dstAD uint32) []pathcombinator.Path {
	start := time.Now()
	dst := scionaddr.IA{ISD: dstISD, AD: dstAD}

	// Step 1: empty-path rule.
	if dst.Equal(d.LocalIA) {
		return []pathcombinator.Path{pathcombinator.EmptyPath()}
	}

	// Step 2: deadline.
	deadline := start.Add(d.Timeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	// Step 3: submit UP_DOWN, wait.
	key := Key{Class: pathseg.ClassUpDown, Src: d.LocalIA, Dst: dst}
	if !d.Coordinator.Wait(ctx, key, d.Timeout) {
		d.Logger.Error().Err(ErrTimeout).Str("request_key", keyString(key)).Msg("get_paths: UP_DOWN coordinator wait timed out")
		return nil
	}

	// Step 4: snapshot.
	upSegs := d.UpStore.Iterate()
	downSegs := d.DownStore.Query(dstFilter(dst))

	// Step 5: find known/missing core pairs.
	coreSegs, missing := d.findCore(upSegs, downSegs)

	// Step 6: fetch any missing core pairs, re-query; a timeout here
	// does not abort resolution (spec §4.5's "Timeout semantics").
	if len(missing) > 0 {
		remaining := time.Until(deadline)
		var wg sync.WaitGroup
		for _, pair := range missing {
			wg.Add(1)
			go func(pair struct{ Src, Dst scionaddr.IA }) {
				defer wg.Done()
				coreKey := Key{Class: pathseg.ClassCore, Src: pair.Src, Dst: pair.Dst}
				if remaining > 0 {
					d.Coordinator.Wait(ctx, coreKey, remaining)
				}
			}(pair)
		}
		wg.Wait()
		coreSegs, _ = d.findCore(upSegs, downSegs)
	}

	// Step 7: combine.
	paths := pathcombinator.Build(upSegs, downSegs, coreSegs)

	d.Logger.Debug().
		Str("request_key", keyString(key)).
		Int("up_count", len(upSegs)).
		Int("down_count", len(downSegs)).
		Int("core_count", len(coreSegs)).
		Int("path_count", len(paths)).
		Dur("duration_ms", time.Since(start)).
		Msg("get_paths resolved")

	return paths
}

// findCore splits pathcombinator.CorePairs' output into the core
// segments already cached and the pairs still missing (SPEC_FULL.md
// §5's "_find_core_segs / _calc_core_segs split"). coreSegmentsFor
// answers "what do we already have"; missingCorePairs answers "what do
// we still need to fetch".
func (d *Daemon) findCore(upSegs, downSegs []*pathseg.Segment) (known []*pathseg.Segment, missing []struct{ Src, Dst scionaddr.IA }) {
	pairs := pathcombinator.CorePairs(upSegs, downSegs)
	known = d.coreSegmentsFor(pairs)
	missing = d.missingCorePairs(pairs)
	return known, missing
}

// coreSegmentsFor returns every cached core segment whose (first,
// last) hop matches one of pairs.
func (d *Daemon) coreSegmentsFor(pairs []struct{ Src, Dst scionaddr.IA }) []*pathseg.Segment {
	if len(pairs) == 0 {
		return nil
	}
	all := d.CoreStore.Iterate()
	var out []*pathseg.Segment
	for _, seg := range all {
		first, last := seg.FirstHop(), seg.LastHop()
		for _, p := range pairs {
			if last.Equal(p.Src) && first.Equal(p.Dst) {
				out = append(out, seg)
				break
			}
		}
	}
	return out
}

// missingCorePairs returns the subset of pairs for which no cached
// core segment exists yet.
func (d *Daemon) missingCorePairs(pairs []struct{ Src, Dst scionaddr.IA }) []struct{ Src, Dst scionaddr.IA } {
	have := map[scionaddr.IA]map[scionaddr.IA]bool{}
	for _, seg := range d.CoreStore.Iterate() {
		last, first := seg.LastHop(), seg.FirstHop()
		if have[last] == nil {
			have[last] = map[scionaddr.IA]bool{}
		}
		have[last][first] = true
	}
	var out []struct{ Src, Dst scionaddr.IA }
	for _, p := range pairs {
		if have[p.Src] != nil && have[p.Src][p.Dst] {
			continue
		}
		out = append(out, p)
	}
	return out
}

func dstFilter(dst scionaddr.IA) pathdb.Filter {
	isd, ad := dst.ISD, dst.AD
	return pathdb.Filter{LastISD: &isd, LastAD: &ad}
}

func coreFilter(store *pathdb.Store, src, dst scionaddr.IA) []*pathseg.Segment {
	var out []*pathseg.Segment
	for _, seg := range store.Iterate() {
		if seg.LastHop().Equal(src) && seg.FirstHop().Equal(dst) {
			out = append(out, seg)
		}
	}
	return out
}

func keyString(k Key) string {
	return fmt.Sprintf("%s/%s->%s", k.Class, k.Src, k.Dst)
}
