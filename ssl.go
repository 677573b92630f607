package pgdispatch

import (
	"crypto/tls"
	"fmt"
	"net"

	"github.com/pgdispatch/pgdispatch/pkg/buffer"
	"github.com/pgdispatch/pgdispatch/pkg/types"
)

// sslIdentifier represents a the bytes identifying whether the given connection
// supports SSL.
type sslIdentifier []byte

var (
	sslSupported   sslIdentifier = []byte{'S'}
	sslUnsupported sslIdentifier = []byte{'N'}
)

// negotiateSSL sends an SSLRequest (the untyped message preceding the
// startup message whose version is VersionSSLRequest) and, if the server
// agrees, upgrades conn to TLS using config. TLS handshake mechanics
// proper are out of scope (spec section 1) -- negotiation is the one
// piece of the exchange the wire protocol itself defines, so it lives
// here rather than being pushed onto the caller.
func negotiateSSL(conn net.Conn, config *tls.Config) (net.Conn, error) {
	w := buffer.NewWriter(nil)
	w.StartUntyped()
	w.AddInt32(int32(types.VersionSSLRequest))
	frame, err := w.Finish()
	if err != nil {
		return nil, err
	}

	if _, err := conn.Write(frame); err != nil {
		return nil, NewTransportError(err)
	}

	reply := make([]byte, 1)
	if _, err := readFull(conn, reply); err != nil {
		return nil, NewTransportError(err)
	}

	switch {
	case reply[0] == sslSupported[0]:
		return tls.Client(conn, config), nil
	case reply[0] == sslUnsupported[0]:
		return nil, fmt.Errorf("server does not support SSL")
	default:
		return nil, NewProtocolError("unexpected SSL negotiation response byte %q", reply[0])
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
