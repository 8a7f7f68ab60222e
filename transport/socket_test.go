package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/scionproto-go/sciond/daemon"
	"github.com/scionproto-go/sciond/discovery"
	"github.com/scionproto-go/sciond/pathseg"
	"github.com/scionproto-go/sciond/scionaddr"
	"github.com/scionproto-go/sciond/scionwire"
)

func TestSocket_ServeDispatchesPathReply(t *testing.T) {
	local := scionaddr.IA{ISD: 1, AD: 10}
	dst := scionaddr.IA{ISD: 2, AD: 20}

	sock, err := Listen("127.0.0.1:0", zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer sock.Close()

	d := daemon.New(daemon.Config{
		LocalIA:   local,
		LocalHost: scionaddr.HostAddr{IA: local},
		Timeout:   time.Second,
		Resolver:  discovery.NewStatic(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}),
		Transport: sock,
		Logger:    zerolog.Nop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sock.Serve(ctx, d)

	up := &pathseg.Segment{Hops: []pathseg.HopField{
		{IA: dst, IfToken: []byte("a"), EgressIFID: 1},
		{IA: local, IfToken: []byte("b")},
	}}
	reply := pathseg.Reply{
		Info: pathseg.Info{Class: pathseg.ClassUp, SrcISD: local.ISD, SrcAD: local.AD, DstISD: dst.ISD, DstAD: dst.AD},
		PCBs: []*pathseg.Segment{up},
	}

	client, err := net.Dial("udp", sock.conn.LocalAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	if _, err := client.Write(scionwire.EncodePathReply(reply)); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for d.UpStore.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if d.UpStore.Len() != 1 {
		t.Fatalf("expected the reply's PCB to land in the up store, got %d entries", d.UpStore.Len())
	}
}
