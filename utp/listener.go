package utp

import (
	"fmt"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/quietharbor/goutp/packet"
	"github.com/quietharbor/goutp/utplog"
)

// Listener owns a UDP socket on a public address and hands off each
// accepted connection to its own ephemeral socket, per §4.6.
type Listener struct {
	conn     *net.UDPConn
	log      *logrus.Entry
	incoming chan *Endpoint
}

// Listen opens a uTP listener bound to addr.
func Listen(addr string) (*Listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("utp: resolve listen address: %w", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("utp: listen: %w", err)
	}
	return &Listener{
		conn: conn,
		log:  utplog.Listener(conn.LocalAddr().String()),
	}, nil
}

// LocalAddr returns the listener's bound address.
func (l *Listener) LocalAddr() net.Addr { return l.conn.LocalAddr() }

// Close releases the listener's socket. It does not affect endpoints
// already accepted from it, which each own a distinct socket.
func (l *Listener) Close() error { return l.conn.Close() }

// Accept waits for a single inbound Syn, hands it a fresh ephemeral UDP
// socket, and drives the handshake to completion. The remote peer must
// address subsequent traffic to that new socket's port, not the
// listener's (noted as a design caveat in §4.6).
func (l *Listener) Accept() (*Endpoint, error) {
	buf := make([]byte, 65535)
	for {
		n, from, err := l.conn.ReadFrom(buf)
		if err != nil {
			return nil, fmt.Errorf("utp: accept: %w", err)
		}

		p, err := packet.Decode(buf[:n])
		if err != nil {
			l.log.Debug("dropped malformed packet during accept")
			continue
		}
		if p.Type != packet.Syn {
			l.log.Warn("rejected non-syn packet during accept")
			return nil, packet.ErrInvalidPacket
		}

		local, ok := l.conn.LocalAddr().(*net.UDPAddr)
		if !ok {
			return nil, fmt.Errorf("utp: accept: unexpected local address type %T", l.conn.LocalAddr())
		}
		ephemeral, err := net.ListenUDP("udp", &net.UDPAddr{IP: local.IP})
		if err != nil {
			return nil, fmt.Errorf("utp: accept: open ephemeral socket: %w", err)
		}

		e := newEndpoint(ephemeral, from)
		if err := e.handlePacket(p); err != nil {
			ephemeral.Close()
			return nil, err
		}
		l.log.WithField("remote_addr", from.String()).Info("accepted connection")
		return e, nil
	}
}

// Incoming returns an unbounded stream of accepted endpoints, spawning the
// single background goroutine that pumps Accept into the channel — the
// one authorized concurrency exception to the single-threaded model,
// mirroring the shape of net.Listener-style accept loops.
func (l *Listener) Incoming() <-chan *Endpoint {
	if l.incoming == nil {
		l.incoming = make(chan *Endpoint)
		go func() {
			defer close(l.incoming)
			for {
				e, err := l.Accept()
				if err != nil {
					return
				}
				l.incoming <- e
			}
		}()
	}
	return l.incoming
}
