package daemon

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/scionproto-go/sciond/discovery"
	"github.com/scionproto-go/sciond/hashchain"
	"github.com/scionproto-go/sciond/pathseg"
	"github.com/scionproto-go/sciond/scionaddr"
)

// replyingTransport simulates a path server: it immediately (on its
// own goroutine) answers every SendPathRequest by invoking the
// daemon's HandlePathReply with whatever builder returns for that
// request's info, mimicking the reply arriving over the network.
type replyingTransport struct {
	d       *Daemon
	builder func(pathseg.Info) *pathseg.Reply
	sent    chan pathseg.Info
}

func (t *replyingTransport) SendPathRequest(_ *net.UDPAddr, info pathseg.Info) error {
	if t.sent != nil {
		t.sent <- info
	}
	if reply := t.builder(info); reply != nil {
		go t.d.HandlePathReply(*reply)
	}
	return nil
}

type deadTransport struct{ sent chan pathseg.Info }

func (t *deadTransport) SendPathRequest(_ *net.UDPAddr, info pathseg.Info) error {
	if t.sent != nil {
		t.sent <- info
	}
	return nil // swallow: simulates an unreachable path server
}

func newTestDaemon(t *testing.T, localIA scionaddr.IA, transport Transport) *Daemon {
	t.Helper()
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 31000}
	d := New(Config{
		LocalIA:      localIA,
		LocalHost:    scionaddr.HostAddr{IA: localIA, IP: net.IPv4(127, 0, 0, 1), Port: 40000},
		SegmentTTL:   time.Minute,
		Timeout:      2 * time.Second,
		NTokensCheck: hashchain.DefaultDepth,
		Resolver:     discovery.NewStatic(addr),
		Transport:    transport,
		Verifier:     AllowAllRevocations{},
		Logger:       zerolog.Nop(),
	})
	return d
}

func seg(t *testing.T, first, last scionaddr.IA, token []byte) *pathseg.Segment {
	t.Helper()
	if token == nil {
		token = []byte("token")
	}
	return &pathseg.Segment{Hops: []pathseg.HopField{
		{IA: first, IfToken: token, IngressIFID: 0, EgressIFID: 1},
		{IA: last, IfToken: token, IngressIFID: 2, EgressIFID: 0},
	}}
}

func TestGetPaths_IntraADReturnsEmptyPathWithoutNetwork(t *testing.T) {
	local := scionaddr.IA{ISD: 1, AD: 10}
	called := false
	transport := &replyingTransport{builder: func(pathseg.Info) *pathseg.Reply {
		called = true
		return nil
	}}
	d := newTestDaemon(t, local, transport)
	transport.d = d

	paths := d.GetPaths(context.Background(), 1, 10)
	if len(paths) != 1 || !paths[0].IsEmpty() {
		t.Fatalf("expected exactly one empty path, got %+v", paths)
	}
	if called {
		t.Fatal("expected no network traffic for intra-AD resolution")
	}
}

func TestGetPaths_CachedSharedCoreADNeedsNoFetch(t *testing.T) {
	local := scionaddr.IA{ISD: 1, AD: 10}
	dst := scionaddr.IA{ISD: 1, AD: 20}
	transport := &replyingTransport{builder: func(pathseg.Info) *pathseg.Reply {
		t.Fatal("expected no network traffic: UP_DOWN check should already be satisfied")
		return nil
	}}
	d := newTestDaemon(t, local, transport)
	transport.d = d

	up := seg(t, local, local, []byte("up-token"))
	down := seg(t, local, dst, []byte("down-token"))
	d.UpStore.Update(up, local.ISD, local.AD, local.ISD, local.AD)
	d.DownStore.Update(down, local.ISD, local.AD, dst.ISD, dst.AD)

	paths := d.GetPaths(context.Background(), dst.ISD, dst.AD)
	if len(paths) == 0 {
		t.Fatal("expected at least one composed path from cached segments")
	}
	if !paths[0].IsEmpty() && paths[0].Up != up {
		t.Fatalf("expected the cached up segment in the result, got %+v", paths[0])
	}
}

func TestGetPaths_CoalescesConcurrentCallsIntoOneRequest(t *testing.T) {
	local := scionaddr.IA{ISD: 1, AD: 10}
	dst := scionaddr.IA{ISD: 2, AD: 20}
	sent := make(chan pathseg.Info, 16)
	transport := &replyingTransport{sent: sent}
	d := newTestDaemon(t, local, transport)
	transport.d = d
	transport.builder = func(info pathseg.Info) *pathseg.Reply {
		up := seg(t, local, local, []byte("u"))
		down := seg(t, local, dst, []byte("d"))
		return &pathseg.Reply{Info: info, PCBs: []*pathseg.Segment{up, down}}
	}

	const n = 10
	done := make(chan bool, n)
	for i := 0; i < n; i++ {
		go func() {
			paths := d.GetPaths(context.Background(), dst.ISD, dst.AD)
			done <- len(paths) > 0
		}()
	}
	for i := 0; i < n; i++ {
		if ok := <-done; !ok {
			t.Error("expected every coalesced caller to observe a resolved path")
		}
	}
	close(sent)
	count := 0
	for range sent {
		count++
	}
	if count != 1 {
		t.Fatalf("expected exactly one outbound PathRequest, got %d", count)
	}
}

func TestGetPaths_TimeoutReturnsEmptyThenRetriesWithoutNegativeCaching(t *testing.T) {
	local := scionaddr.IA{ISD: 1, AD: 10}
	dst := scionaddr.IA{ISD: 2, AD: 20}
	sent := make(chan pathseg.Info, 16)
	d := newTestDaemon(t, local, &deadTransport{sent: sent})
	d.Timeout = 80 * time.Millisecond

	paths := d.GetPaths(context.Background(), dst.ISD, dst.AD)
	if len(paths) != 0 {
		t.Fatalf("expected empty result on timeout, got %+v", paths)
	}
	deadline := time.Now().Add(200 * time.Millisecond)
	for d.Coordinator.Pending() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if d.Coordinator.Pending() != 0 {
		t.Fatal("expected the pending entry to be evicted shortly after its deadline")
	}

	// A subsequent call within the segment TTL must issue a fresh
	// request rather than reusing any negative result.
	paths = d.GetPaths(context.Background(), dst.ISD, dst.AD)
	if len(paths) != 0 {
		t.Fatalf("expected empty result on second timeout, got %+v", paths)
	}
	close(sent)
	count := 0
	for range sent {
		count++
	}
	if count != 2 {
		t.Fatalf("expected two separate PathRequests across the two calls, got %d", count)
	}
}

func TestHandlePathReply_ClassifiesUpDownByLastHop(t *testing.T) {
	local := scionaddr.IA{ISD: 1, AD: 10}
	other := scionaddr.IA{ISD: 1, AD: 20}
	d := newTestDaemon(t, local, &deadTransport{})

	up := seg(t, other, local, []byte("up"))
	down := seg(t, local, other, []byte("down"))
	d.HandlePathReply(pathseg.Reply{
		Info: pathseg.Info{Class: pathseg.ClassUpDown, SrcISD: local.ISD, SrcAD: local.AD, DstISD: other.ISD, DstAD: other.AD},
		PCBs: []*pathseg.Segment{up, down},
	})

	if d.UpStore.Len() != 1 {
		t.Fatalf("expected the up-classified PCB to land in the up store, got %d entries", d.UpStore.Len())
	}
	if d.DownStore.Len() != 1 {
		t.Fatalf("expected the down-classified PCB to land in the down store, got %d entries", d.DownStore.Len())
	}
}

func TestHandlePathReply_DropsMalformedClass(t *testing.T) {
	local := scionaddr.IA{ISD: 1, AD: 10}
	d := newTestDaemon(t, local, &deadTransport{})
	bogus := seg(t, local, local, []byte("x"))
	d.HandlePathReply(pathseg.Reply{
		Info: pathseg.Info{Class: pathseg.Class(99), SrcISD: 1, SrcAD: 10, DstISD: 1, DstAD: 10},
		PCBs: []*pathseg.Segment{bogus},
	})
	if d.UpStore.Len()+d.DownStore.Len()+d.CoreStore.Len() != 0 {
		t.Fatal("expected a malformed class to be dropped entirely")
	}
}

func TestHandleRevocation_DeletesMatchingSegment(t *testing.T) {
	local := scionaddr.IA{ISD: 1, AD: 10}
	d := newTestDaemon(t, local, &deadTransport{})

	rawSeed := []byte("interface-seed")
	committed := hashchain.Token(rawSeed, 20)
	s := seg(t, local, local, committed)
	d.UpStore.Update(s, local.ISD, local.AD, local.ISD, local.AD)

	deletions := d.HandleRevocation(rawSeed, nil)
	if deletions != 1 {
		t.Fatalf("expected exactly one deletion, got %d", deletions)
	}
	if d.UpStore.Len() != 0 {
		t.Fatal("expected the revoked segment to be gone from the up store")
	}
}

func TestHandleRevocation_NoMatchIsNoop(t *testing.T) {
	local := scionaddr.IA{ISD: 1, AD: 10}
	d := newTestDaemon(t, local, &deadTransport{})
	s := seg(t, local, local, []byte("untouched"))
	d.UpStore.Update(s, local.ISD, local.AD, local.ISD, local.AD)

	deletions := d.HandleRevocation([]byte("unrelated"), nil)
	if deletions != 0 {
		t.Fatalf("expected no deletions, got %d", deletions)
	}
	if d.UpStore.Len() != 1 {
		t.Fatal("expected the unrelated segment to survive")
	}
}
