// Package transport provides the external datagram collaborators the
// core consumes as a capability: a plain UDP socket and a
// DTLS-protected socket behind the same shape, so the core never has
// to know which one produced a given buffer.
package transport

import (
	"net"

	"github.com/meshlink/coapcore"
)

// Conn is the minimal shape the core's Sender and a receive loop need:
// send a datagram to a peer, and read the next inbound datagram with
// its originating peer.
type Conn interface {
	Send(packet []byte, peer coap.Peer) error
	ReadFrom(buf []byte) (n int, peer coap.Peer, err error)
	Close() error
}

// UDPConn is a Conn backed by a plain net.UDPConn.
type UDPConn struct {
	conn *net.UDPConn
}

// ListenUDP opens a UDP socket on addr (e.g. ":5683") for use as a
// server transport, or an unbound socket (addr "") for client use.
func ListenUDP(addr string) (*UDPConn, error) {
	var laddr *net.UDPAddr
	if addr != "" {
		a, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return nil, err
		}
		laddr = a
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	return &UDPConn{conn: conn}, nil
}

// Send writes packet to peer, resolving peer's string form as a UDP
// address.
func (u *UDPConn) Send(packet []byte, peer coap.Peer) error {
	addr, err := net.ResolveUDPAddr("udp", string(peer))
	if err != nil {
		return err
	}
	_, err = u.conn.WriteToUDP(packet, addr)
	return err
}

// ReadFrom reads the next inbound datagram into buf.
func (u *UDPConn) ReadFrom(buf []byte) (int, coap.Peer, error) {
	n, addr, err := u.conn.ReadFromUDP(buf)
	if err != nil {
		return 0, "", err
	}
	return n, coap.Peer(addr.String()), nil
}

// Close releases the underlying socket.
func (u *UDPConn) Close() error { return u.conn.Close() }

// LocalAddr returns the socket's bound local address.
func (u *UDPConn) LocalAddr() net.Addr { return u.conn.LocalAddr() }
