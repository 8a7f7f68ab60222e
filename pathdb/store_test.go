package pathdb

import (
	"testing"
	"time"

	"github.com/scionproto-go/sciond/pathseg"
	"github.com/scionproto-go/sciond/scionaddr"
)

func seg(tok string, ia1, ia2 uint32) *pathseg.Segment {
	return &pathseg.Segment{Hops: []pathseg.HopField{
		{IA: scionaddr.IA{ISD: 1, AD: ia1}, IfToken: []byte(tok + "-a")},
		{IA: scionaddr.IA{ISD: 1, AD: ia2}, IfToken: []byte(tok + "-b")},
	}}
}

func u16(v uint16) *uint16 { return &v }
func u32(v uint32) *uint32 { return &v }

func TestStore_UpdateAndQuery(t *testing.T) {
	s := New(time.Minute)
	s1 := seg("s1", 10, 20)
	s.Update(s1, 1, 10, 1, 20)

	got := s.Query(Filter{FirstISD: u16(1), FirstAD: u32(10)})
	if len(got) != 1 {
		t.Fatalf("expected 1 match, got %d", len(got))
	}

	if got := s.Query(Filter{LastAD: u32(999)}); len(got) != 0 {
		t.Fatalf("expected no matches, got %d", len(got))
	}
}

func TestStore_UpdateRefreshesTTLNotIdentity(t *testing.T) {
	s := New(time.Minute)
	fakeNow := time.Unix(1000, 0)
	s.now = func() time.Time { return fakeNow }

	s1 := seg("dup", 10, 20)
	s.Update(s1, 1, 10, 1, 20)
	if s.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", s.Len())
	}

	fakeNow = fakeNow.Add(30 * time.Second)
	s.Update(s1, 1, 10, 1, 20) // same hops hash: refresh, not duplicate
	if s.Len() != 1 {
		t.Fatalf("re-insertion of identical segment should not create a second entry, got %d", s.Len())
	}

	// 75s after the first insertion but 45s after the refresh: still live.
	fakeNow = fakeNow.Add(45 * time.Second)
	if s.Len() != 1 {
		t.Fatalf("refreshed entry should outlive its original TTL, got %d entries", s.Len())
	}
}

func TestStore_LazyExpiry(t *testing.T) {
	s := New(10 * time.Second)
	fakeNow := time.Unix(2000, 0)
	s.now = func() time.Time { return fakeNow }

	s.Update(seg("exp", 10, 20), 1, 10, 1, 20)
	if s.Len() != 1 {
		t.Fatalf("expected 1 entry before expiry")
	}

	fakeNow = fakeNow.Add(11 * time.Second)
	if got := s.Iterate(); len(got) != 0 {
		t.Fatalf("expired entry should not be returned, got %d", len(got))
	}
	if s.Len() != 0 {
		t.Fatalf("expired entry should have been pruned")
	}
}

func TestStore_DeleteAll(t *testing.T) {
	s := New(time.Minute)
	s1 := seg("del1", 10, 20)
	s2 := seg("del2", 11, 21)
	s.Update(s1, 1, 10, 1, 20)
	s.Update(s2, 1, 11, 1, 21)

	n := s.DeleteAll([][32]byte{s1.HopsHash(), {0xff}})
	if n != 1 {
		t.Fatalf("expected 1 deletion, got %d", n)
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 remaining entry, got %d", s.Len())
	}
}
