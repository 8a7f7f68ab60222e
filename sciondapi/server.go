// Package sciondapi implements the local API: a UDP-bound socket
// speaking the fixed binary protocol spec §4.6 describes, translating
// each datagram into a daemon.Daemon call and a single reply datagram.
package sciondapi

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/rs/zerolog"

	"github.com/scionproto-go/sciond/daemon"
	"github.com/scionproto-go/sciond/pathcombinator"
	"github.com/scionproto-go/sciond/scionaddr"
)

// ErrUnknownAPIDiscriminator is spec §7's "UnknownAPIDiscriminator"
// kind: the first byte of an inbound local API datagram matched none
// of the known request discriminators. The datagram is dropped with a
// warning, not surfaced as an error to any caller — this sentinel
// exists so a log hook can errors.Is against the kind.
var ErrUnknownAPIDiscriminator = errors.New("sciondapi: unknown local API discriminator")

// Request discriminators, the first byte of every inbound datagram
// (spec §4.6).
const (
	discPathRequest    byte = 0x00
	discAddressRequest byte = 0x01
)

// maxPathLenUnits is the largest raw_path length the 1-byte,
// 8-byte-unit path_len field can express: 255 * 8 = 2040 bytes (spec
// §9: "Paths exceeding this will silently corrupt the stream;
// implementations should reject").
const maxPathLenUnits = 255

// Server binds the fixed local API endpoint and dispatches inbound
// datagrams to the daemon core.
type Server struct {
	Daemon *daemon.Daemon
	Logger zerolog.Logger
}

// ListenAndServe binds addr (normally config.DefaultLocalAPIAddress at
// config.DefaultLocalAPIPort) and serves until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return err
	}
	s.Logger.Info().Str("addr", addr).Msg("local API listening")
	return s.Serve(ctx, conn)
}

// Serve runs the datagram dispatch loop on an already-bound conn until
// ctx is canceled. Exposed separately from ListenAndServe so tests can
// bind an ephemeral port themselves.
func (s *Server) Serve(ctx context.Context, conn net.PacketConn) error {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, 2048)
	for {
		n, raddr, err := conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.Logger.Error().Err(err).Msg("local API read failed")
				continue
			}
		}
		raw := append([]byte(nil), buf[:n]...)
		// Each request gets its own worker so a slow resolution never
		// blocks others sharing the socket (spec §4.6).
		go s.handleDatagram(ctx, conn, raddr, raw)
	}
}

func (s *Server) handleDatagram(ctx context.Context, conn net.PacketConn, raddr net.Addr, raw []byte) {
	if len(raw) == 0 {
		s.Logger.Warn().Msg("local API: empty datagram dropped")
		return
	}
	switch raw[0] {
	case discPathRequest:
		s.handlePathRequest(ctx, conn, raddr, raw[1:])
	case discAddressRequest:
		s.handleAddressRequest(conn, raddr)
	default:
		s.Logger.Warn().Err(fmt.Errorf("%w: %#x", ErrUnknownAPIDiscriminator, raw[0])).Msg("local API: unknown request discriminator dropped")
	}
}

func (s *Server) handlePathRequest(ctx context.Context, conn net.PacketConn, raddr net.Addr, body []byte) {
	ia, err := scionaddr.IAFromBytes(body)
	if err != nil {
		s.Logger.Warn().Err(err).Msg("local API: malformed path_request body dropped")
		return
	}
	reqCtx, cancel := context.WithTimeout(ctx, s.Daemon.Timeout)
	defer cancel()
	paths := s.Daemon.GetPaths(reqCtx, ia.ISD, ia.AD)
	resp := s.encodePaths(paths)
	if _, err := conn.WriteTo(resp, raddr); err != nil {
		s.Logger.Error().Err(err).Msg("local API: path_request reply send failed")
	}
}

func (s *Server) handleAddressRequest(conn net.PacketConn, raddr net.Addr) {
	if _, err := conn.WriteTo(s.Daemon.LocalHost.Pack(), raddr); err != nil {
		s.Logger.Error().Err(err).Msg("local API: address_request reply send failed")
	}
}

// encodePaths renders the path_request response body (spec §4.6): the
// concatenation of per-path entries, empty for "no path found".
func (s *Server) encodePaths(paths []pathcombinator.Path) []byte {
	var out []byte
	for _, p := range paths {
		entry, ok := s.encodePathEntry(p)
		if !ok {
			continue
		}
		out = append(out, entry...)
	}
	return out
}

func (s *Server) encodePathEntry(p pathcombinator.Path) ([]byte, bool) {
	raw := p.RawPath()
	if len(raw)%8 != 0 {
		s.Logger.Error().Int("len", len(raw)).Msg("local API: raw path length not a multiple of 8, dropping path")
		return nil, false
	}
	units := len(raw) / 8
	if units > maxPathLenUnits {
		s.Logger.Warn().Int("units", units).Msg("local API: path exceeds the 1-byte path_len field, rejecting")
		return nil, false
	}

	fhIP := net.IPv4zero.To4()
	var fhPort uint16
	if !p.IsEmpty() {
		if addr, ok := s.Daemon.NextHop(p.ForwardingInterface()); ok {
			if v4 := addr.IP.To4(); v4 != nil {
				fhIP = v4
			}
			fhPort = uint16(addr.Port)
		}
	}

	ifaces := p.Interfaces
	if len(ifaces) > 255 {
		s.Logger.Warn().Int("if_count", len(ifaces)).Msg("local API: interface count exceeds the 1-byte if_count field, truncating")
		ifaces = ifaces[:255]
	}

	out := make([]byte, 0, 1+len(raw)+4+2+1+len(ifaces)*5)
	out = append(out, byte(units))
	out = append(out, raw...)
	out = append(out, fhIP...)
	out = append(out, byte(fhPort>>8), byte(fhPort))
	out = append(out, byte(len(ifaces)))
	for _, iface := range ifaces {
		var buf [5]byte
		binary.LittleEndian.PutUint32(buf[0:4], iface.IA.Pack())
		buf[4] = byte(iface.LinkID)
		out = append(out, buf[:]...)
	}
	return out, true
}
