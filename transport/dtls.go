package transport

import (
	"net"

	"github.com/pion/dtls/v2"

	"github.com/meshlink/coapcore"
)

// DTLSConn is a Conn backed by a single pion/dtls/v2 association. Unlike
// UDPConn, a DTLS association is tied to one peer for its lifetime, so
// Send ignores its peer argument and ReadFrom always reports the same
// peer. A server accepting many
// associations runs one DTLSConn per accepted connection.
type DTLSConn struct {
	conn net.Conn
	peer coap.Peer
}

// DialDTLS dials a DTLS association to addr (e.g. "host:5684").
// insecureSkipVerify mirrors the CLI's -k/--insecure flag, disabling
// certificate verification for test/lab servers.
func DialDTLS(addr string, insecureSkipVerify bool) (*DTLSConn, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	cfg := &dtls.Config{InsecureSkipVerify: insecureSkipVerify}
	conn, err := dtls.Dial("udp", raddr, cfg)
	if err != nil {
		return nil, err
	}
	return &DTLSConn{conn: conn, peer: coap.Peer(addr)}, nil
}

// ListenDTLS opens a DTLS listener on addr using cfg (PSK or
// certificate-based; key material is supplied by the caller).
// The listener's Accept is called in a loop to pick up associations, and
// each accepted conn is wrapped with AcceptDTLS.
func ListenDTLS(addr string, cfg *dtls.Config) (net.Listener, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	return dtls.Listen("udp", laddr, cfg)
}

// AcceptDTLS wraps an accepted net.Conn as a Conn.
func AcceptDTLS(conn net.Conn) *DTLSConn {
	return &DTLSConn{conn: conn, peer: coap.Peer(conn.RemoteAddr().String())}
}

// Send writes packet over the DTLS association.
func (d *DTLSConn) Send(packet []byte, _ coap.Peer) error {
	_, err := d.conn.Write(packet)
	return err
}

// ReadFrom reads the next datagram from the DTLS association, always
// reporting the association's fixed peer.
func (d *DTLSConn) ReadFrom(buf []byte) (int, coap.Peer, error) {
	n, err := d.conn.Read(buf)
	if err != nil {
		return 0, "", err
	}
	return n, d.peer, nil
}

// Close shuts down the DTLS association.
func (d *DTLSConn) Close() error { return d.conn.Close() }
