// Package pathseg models path segments (PCBs): the ordered AS-hop
// chains learned from the path server, their classification into
// up/down/core, and their pack/unpack wire form.
package pathseg

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/scionproto-go/sciond/scionaddr"
)

// Class identifies the role a segment plays in path resolution.
type Class uint8

const (
	// ClassUp is a segment terminating at the local AD.
	ClassUp Class = iota
	// ClassDown is a segment originating from a core AD and ending at a
	// non-local destination.
	ClassDown
	// ClassCore connects two core ADs, possibly across ISDs.
	ClassCore
	// ClassUpDown is a compound reply type the daemon splits into one
	// ClassUp and one ClassDown segment.
	ClassUpDown
)

// String renders the class name used in log fields and error messages.
func (c Class) String() string {
	switch c {
	case ClassUp:
		return "UP"
	case ClassDown:
		return "DOWN"
	case ClassCore:
		return "CORE"
	case ClassUpDown:
		return "UP_DOWN"
	default:
		return fmt.Sprintf("Class(%d)", uint8(c))
	}
}

// ValidClass reports whether c is one of the four declared classes
// (spec §7: MalformedSegmentClass covers anything outside this set).
func ValidClass(c Class) bool {
	switch c {
	case ClassUp, ClassDown, ClassCore, ClassUpDown:
		return true
	default:
		return false
	}
}

// HopField is a single AS hop within a segment: its AS identity and the
// cryptographic interface token committed for that hop.
type HopField struct {
	IA          scionaddr.IA
	IfToken     []byte
	IngressIFID uint16
	EgressIFID  uint16
}

// Segment is a path construction beacon: an ordered chain of hops. The
// core treats everything about a segment's contents as opaque except
// the fields listed in spec §3.
type Segment struct {
	Hops []HopField
}

// FirstHop returns the (ISD, AD) of the segment's first hop.
func (s *Segment) FirstHop() scionaddr.IA {
	return s.Hops[0].IA
}

// LastHop returns the (ISD, AD) of the segment's last hop.
func (s *Segment) LastHop() scionaddr.IA {
	return s.Hops[len(s.Hops)-1].IA
}

// InterfaceTokens returns the ordered set of per-hop interface tokens,
// consumed by revocation processing.
func (s *Segment) InterfaceTokens() [][]byte {
	tokens := make([][]byte, 0, len(s.Hops))
	for _, h := range s.Hops {
		tokens = append(tokens, h.IfToken)
	}
	return tokens
}

// HopsHash is the collision-resistant identity used as the segment
// store key (spec §3: "hops_hash"). It is the SHA-256 of the ordered
// hop list's AS identities, ingress/egress interface ids and interface
// tokens.
func (s *Segment) HopsHash() [32]byte {
	h := sha256.New()
	for _, hop := range s.Hops {
		var buf [8]byte
		binary.BigEndian.PutUint32(buf[0:4], hop.IA.Pack())
		binary.BigEndian.PutUint16(buf[4:6], hop.IngressIFID)
		binary.BigEndian.PutUint16(buf[6:8], hop.EgressIFID)
		h.Write(buf[:])
		h.Write(hop.IfToken)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Pack serializes the segment to its wire form: a 2-byte hop count
// followed by each hop's IA (4B), ingress/egress IFIDs (2B each), a
// 1-byte token length, and the token bytes.
func (s *Segment) Pack() []byte {
	out := make([]byte, 2, 2+len(s.Hops)*16)
	binary.BigEndian.PutUint16(out, uint16(len(s.Hops)))
	for _, hop := range s.Hops {
		var head [9]byte
		binary.BigEndian.PutUint32(head[0:4], hop.IA.Pack())
		binary.BigEndian.PutUint16(head[4:6], hop.IngressIFID)
		binary.BigEndian.PutUint16(head[6:8], hop.EgressIFID)
		head[8] = byte(len(hop.IfToken))
		out = append(out, head[:]...)
		out = append(out, hop.IfToken...)
	}
	return out
}

// Unpack parses the wire form produced by Pack.
func Unpack(raw []byte) (*Segment, error) {
	if len(raw) < 2 {
		return nil, fmt.Errorf("pathseg: truncated segment header")
	}
	n := binary.BigEndian.Uint16(raw[0:2])
	raw = raw[2:]
	hops := make([]HopField, 0, n)
	for i := uint16(0); i < n; i++ {
		if len(raw) < 9 {
			return nil, fmt.Errorf("pathseg: truncated hop field %d", i)
		}
		ia := scionaddr.IAFromPacked(binary.BigEndian.Uint32(raw[0:4]))
		ingress := binary.BigEndian.Uint16(raw[4:6])
		egress := binary.BigEndian.Uint16(raw[6:8])
		tokLen := int(raw[8])
		raw = raw[9:]
		if len(raw) < tokLen {
			return nil, fmt.Errorf("pathseg: truncated token for hop %d", i)
		}
		token := make([]byte, tokLen)
		copy(token, raw[:tokLen])
		raw = raw[tokLen:]
		hops = append(hops, HopField{IA: ia, IfToken: token, IngressIFID: ingress, EgressIFID: egress})
	}
	if len(hops) == 0 {
		return nil, fmt.Errorf("pathseg: segment has no hops")
	}
	return &Segment{Hops: hops}, nil
}

// Info identifies a path-segment request/reply: the class being
// requested and the source/destination AS pair (spec §3: "request key").
type Info struct {
	Class  Class
	SrcISD uint16
	SrcAD  uint32
	DstISD uint16
	DstAD  uint32
}

// Reply is an inbound PathReply message (spec §6): the info the
// request was made under, and the PCBs the path server found.
type Reply struct {
	Info Info
	PCBs []*Segment
}
