// Package scionwire encodes and decodes the control-plane messages
// exchanged between the daemon and the path server (spec §6): path
// requests/replies and revocations. Unlike the local API (spec §4.6),
// spec.md leaves this wire format unspecified beyond the message
// shapes in §6; this package picks one self-describing binary layout,
// in the same type-tag-prefixed style the local API itself uses.
package scionwire

import (
	"encoding/binary"
	"fmt"

	"github.com/scionproto-go/sciond/pathseg"
)

// Message type tags, the first byte of every datagram exchanged with
// the path server.
const (
	TypePathRequest byte = 0x01
	TypePathReply   byte = 0x02
	TypeRevocation  byte = 0x03
)

// Revocation is an inbound Revocation message (spec §6): a published
// hash-chain preimage (rev_token) plus its own proof of validity.
type Revocation struct {
	RevToken []byte
	Proof    []byte
}

// EncodePathRequest serializes an outbound PathRequest (spec §6).
func EncodePathRequest(info pathseg.Info) []byte {
	out := make([]byte, 1, 1+infoLen)
	out[0] = TypePathRequest
	out = appendInfo(out, info)
	return out
}

// EncodePathReply serializes a PathReply for test fixtures / a
// simulated path server.
func EncodePathReply(reply pathseg.Reply) []byte {
	out := make([]byte, 1, 64)
	out[0] = TypePathReply
	out = appendInfo(out, reply.Info)
	var countBuf [2]byte
	binary.BigEndian.PutUint16(countBuf[:], uint16(len(reply.PCBs)))
	out = append(out, countBuf[:]...)
	for _, pcb := range reply.PCBs {
		packed := pcb.Pack()
		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(len(packed)))
		out = append(out, lenBuf[:]...)
		out = append(out, packed...)
	}
	return out
}

// EncodeRevocation serializes a Revocation message.
func EncodeRevocation(rev Revocation) []byte {
	out := make([]byte, 1, 4+len(rev.RevToken)+len(rev.Proof))
	out[0] = TypeRevocation
	out = append(out, byte(len(rev.RevToken)))
	out = append(out, rev.RevToken...)
	var plen [2]byte
	binary.BigEndian.PutUint16(plen[:], uint16(len(rev.Proof)))
	out = append(out, plen[:]...)
	out = append(out, rev.Proof...)
	return out
}

// Decode parses an inbound datagram into exactly one of the three
// message shapes, dispatching is left to the caller (spec §9: model as
// a tagged sum, with a single dispatch point).
func Decode(raw []byte) (msgType byte, pathRequestInfo pathseg.Info, reply pathseg.Reply, rev Revocation, err error) {
	if len(raw) == 0 {
		return 0, pathseg.Info{}, pathseg.Reply{}, Revocation{}, fmt.Errorf("scionwire: empty datagram")
	}
	msgType = raw[0]
	body := raw[1:]
	switch msgType {
	case TypePathRequest:
		pathRequestInfo, err = decodeInfo(body)
	case TypePathReply:
		reply, err = decodePathReply(body)
	case TypeRevocation:
		rev, err = decodeRevocation(body)
	default:
		err = fmt.Errorf("scionwire: unknown message type 0x%02x", msgType)
	}
	return
}

const infoLen = 1 + 2 + 4 + 2 + 4 // class(1) srcISD(2) srcAD(4) dstISD(2) dstAD(4)

func appendInfo(out []byte, info pathseg.Info) []byte {
	var b [infoLen]byte
	b[0] = byte(info.Class)
	binary.BigEndian.PutUint16(b[1:3], info.SrcISD)
	binary.BigEndian.PutUint32(b[3:7], info.SrcAD)
	binary.BigEndian.PutUint16(b[7:9], info.DstISD)
	binary.BigEndian.PutUint32(b[9:13], info.DstAD)
	return append(out, b[:]...)
}

func decodeInfo(raw []byte) (pathseg.Info, error) {
	if len(raw) < infoLen {
		return pathseg.Info{}, fmt.Errorf("scionwire: truncated info")
	}
	return pathseg.Info{
		Class:  pathseg.Class(raw[0]),
		SrcISD: binary.BigEndian.Uint16(raw[1:3]),
		SrcAD:  binary.BigEndian.Uint32(raw[3:7]),
		DstISD: binary.BigEndian.Uint16(raw[7:9]),
		DstAD:  binary.BigEndian.Uint32(raw[9:13]),
	}, nil
}

func decodePathReply(raw []byte) (pathseg.Reply, error) {
	info, err := decodeInfo(raw)
	if err != nil {
		return pathseg.Reply{}, err
	}
	raw = raw[infoLen:]
	if len(raw) < 2 {
		return pathseg.Reply{}, fmt.Errorf("scionwire: truncated pcb count")
	}
	n := binary.BigEndian.Uint16(raw[0:2])
	raw = raw[2:]
	pcbs := make([]*pathseg.Segment, 0, n)
	for i := uint16(0); i < n; i++ {
		if len(raw) < 2 {
			return pathseg.Reply{}, fmt.Errorf("scionwire: truncated pcb length for pcb %d", i)
		}
		l := binary.BigEndian.Uint16(raw[0:2])
		raw = raw[2:]
		if len(raw) < int(l) {
			return pathseg.Reply{}, fmt.Errorf("scionwire: truncated pcb body for pcb %d", i)
		}
		pcb, err := pathseg.Unpack(raw[:l])
		if err != nil {
			return pathseg.Reply{}, fmt.Errorf("scionwire: pcb %d: %w", i, err)
		}
		pcbs = append(pcbs, pcb)
		raw = raw[l:]
	}
	return pathseg.Reply{Info: info, PCBs: pcbs}, nil
}

func decodeRevocation(raw []byte) (Revocation, error) {
	if len(raw) < 1 {
		return Revocation{}, fmt.Errorf("scionwire: truncated revocation")
	}
	tokLen := int(raw[0])
	raw = raw[1:]
	if len(raw) < tokLen+2 {
		return Revocation{}, fmt.Errorf("scionwire: truncated revocation token/proof length")
	}
	token := append([]byte(nil), raw[:tokLen]...)
	raw = raw[tokLen:]
	proofLen := int(binary.BigEndian.Uint16(raw[0:2]))
	raw = raw[2:]
	if len(raw) < proofLen {
		return Revocation{}, fmt.Errorf("scionwire: truncated revocation proof")
	}
	proof := append([]byte(nil), raw[:proofLen]...)
	return Revocation{RevToken: token, Proof: proof}, nil
}
