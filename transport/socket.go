// Package transport owns the daemon's SCION data-plane socket: sending
// outbound PathRequests and dispatching inbound PathReply/Revocation
// datagrams (spec §5: "one listener thread per bound socket").
package transport

import (
	"context"
	"net"

	"github.com/rs/zerolog"

	"github.com/scionproto-go/sciond/daemon"
	"github.com/scionproto-go/sciond/pathseg"
	"github.com/scionproto-go/sciond/scionwire"
)

// Socket is a daemon.Transport backed by a real UDP connection, and
// also the listener that feeds inbound messages back into a Daemon.
type Socket struct {
	conn   net.PacketConn
	logger zerolog.Logger
}

// Listen binds addr for both sending PathRequests and receiving
// PathReply/Revocation datagrams.
func Listen(addr string, logger zerolog.Logger) (*Socket, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, err
	}
	return &Socket{conn: conn, logger: logger}, nil
}

// Close releases the underlying socket.
func (s *Socket) Close() error {
	return s.conn.Close()
}

// SendPathRequest implements daemon.Transport.
func (s *Socket) SendPathRequest(addr *net.UDPAddr, info pathseg.Info) error {
	_, err := s.conn.WriteTo(scionwire.EncodePathRequest(info), addr)
	return err
}

// Serve reads datagrams until ctx is canceled, dispatching each to d
// (spec §4.5's "handle_path_reply" / "handle_revocation"). Both
// handlers are non-blocking, so the dispatch happens inline rather
// than on a per-datagram worker — the spec reserves per-request
// workers for the local API's get_paths calls, not this socket.
func (s *Socket) Serve(ctx context.Context, d *daemon.Daemon) error {
	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	buf := make([]byte, 65536)
	for {
		n, _, err := s.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.logger.Error().Err(err).Msg("scion socket read failed")
				continue
			}
		}
		raw := append([]byte(nil), buf[:n]...)
		s.dispatch(d, raw)
	}
}

func (s *Socket) dispatch(d *daemon.Daemon, raw []byte) {
	msgType, _, reply, rev, err := scionwire.Decode(raw)
	if err != nil {
		s.logger.Warn().Err(err).Msg("scion socket: dropping undecodable datagram")
		return
	}
	switch msgType {
	case scionwire.TypePathReply:
		d.HandlePathReply(reply)
	case scionwire.TypeRevocation:
		deletions := d.HandleRevocation(rev.RevToken, rev.Proof)
		s.logger.Debug().Int("deletions", deletions).Msg("processed revocation")
	default:
		s.logger.Warn().Uint8("type", msgType).Msg("scion socket: unexpected message type, dropping")
	}
}
