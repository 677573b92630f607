package pgdispatch

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"net"

	"github.com/pgdispatch/pgdispatch/pkg/buffer"
	"github.com/pgdispatch/pgdispatch/pkg/types"
)

// Authentication request sub-codes sent in the body of an
// AuthenticationRequest ('R') message.
const (
	authOK                authType = 0
	authCleartextPassword authType = 3
	authMD5Password       authType = 5
)

type authType int32

// handshakeResult carries everything the startup exchange learns before
// the Dispatcher's loops exist to own it.
type handshakeResult struct {
	params     map[string]string
	backendPID int32
	backendKey int32
}

// Connect dials settings' endpoint, performs the wire protocol's startup
// and authentication exchange synchronously (there is no pipelining to
// preserve before ReadyForQuery), and returns a running Dispatcher.
// Connection-string parsing is explicitly out of scope (spec section 1):
// a Raw settings value must already have been resolved into Host/Port by
// the external collaborator that owns that concern.
func Connect(ctx context.Context, settings Settings) (*Dispatcher, error) {
	if settings.Raw != "" {
		return nil, errors.New("pgdispatch: Connect requires a resolved (host, port) endpoint; parse Raw externally first")
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", settings.address())
	if err != nil {
		return nil, NewTransportError(err)
	}

	if settings.TLSConfig != nil {
		conn, err = negotiateSSL(conn, settings.TLSConfig)
		if err != nil {
			return nil, err
		}
	}

	hs, err := startup(conn, settings)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	d := newDispatcher(conn, settings)
	for k, v := range hs.params {
		d.setParameter(k, v)
	}
	d.backendPID = hs.backendPID
	d.backendKey = hs.backendKey
	d.start()

	return d, nil
}

// startup performs the synchronous StartupMessage/authentication exchange
// over the raw connection, before any of the five loops exist. It ends
// once ReadyForQuery is observed.
func startup(conn net.Conn, settings Settings) (*handshakeResult, error) {
	w := buffer.NewWriter(settings.logger())
	if err := writeStartupMessage(w, conn, settings); err != nil {
		return nil, err
	}

	reader := buffer.NewReader(settings.logger(), conn, settings.bufferSize())
	hs := &handshakeResult{params: map[string]string{}}

	for {
		tag, _, err := reader.ReadTypedMsg()
		if err != nil {
			return nil, NewTransportError(err)
		}

		switch tag {
		case types.ServerAuth:
			done, err := handleAuthMessage(reader, w, conn, settings)
			if err != nil {
				return nil, err
			}
			if done {
				continue
			}

		case types.ServerParameterStatus:
			name, err := reader.GetString()
			if err != nil {
				return nil, NewProtocolError("malformed ParameterStatus: %s", err)
			}
			value, err := reader.GetString()
			if err != nil {
				return nil, NewProtocolError("malformed ParameterStatus: %s", err)
			}
			hs.params[name] = value

		case types.ServerBackendKeyData:
			pid, err := reader.GetInt32()
			if err != nil {
				return nil, NewProtocolError("malformed BackendKeyData: %s", err)
			}
			secret, err := reader.GetInt32()
			if err != nil {
				return nil, NewProtocolError("malformed BackendKeyData: %s", err)
			}
			hs.backendPID = pid
			hs.backendKey = secret

		case types.ServerNoticeResponse:
			// ignored during startup, same as once connected.

		case types.ServerErrorResponse:
			be, err := parseErrorResponse(reader)
			if err != nil {
				return nil, NewProtocolError("malformed ErrorResponse: %s", err)
			}
			return nil, be

		case types.ServerReady:
			return hs, nil

		default:
			return nil, NewProtocolError("unexpected message %s during startup", tag)
		}
	}
}

// writeStartupMessage sends the untyped StartupMessage: protocol version
// followed by NUL-terminated key/value pairs, closed by a final NUL.
func writeStartupMessage(w *buffer.Writer, conn net.Conn, settings Settings) error {
	w.StartUntyped()
	w.AddInt32(int32(types.Version30))
	for k, v := range settings.startupMessageParams() {
		w.AddString(k)
		w.AddNullTerminate()
		w.AddString(v)
		w.AddNullTerminate()
	}
	w.AddNullTerminate()

	frame, err := w.Finish()
	if err != nil {
		return err
	}
	if _, err := conn.Write(frame); err != nil {
		return NewTransportError(err)
	}
	return nil
}

// handleAuthMessage responds to one AuthenticationRequest variant. done
// reports whether authentication is complete (authOK); the caller
// continues reading either way.
func handleAuthMessage(reader *buffer.Reader, w *buffer.Writer, conn net.Conn, settings Settings) (done bool, err error) {
	code, err := reader.GetInt32()
	if err != nil {
		return false, NewProtocolError("malformed AuthenticationRequest: %s", err)
	}

	switch authType(code) {
	case authOK:
		return true, nil

	case authCleartextPassword:
		return false, sendPasswordMessage(w, conn, settings.Password)

	case authMD5Password:
		salt, err := reader.GetBytes(4)
		if err != nil {
			return false, NewProtocolError("malformed AuthenticationMD5Password: %s", err)
		}
		return false, sendPasswordMessage(w, conn, md5Password(settings.User, settings.Password, salt))

	default:
		return false, fmt.Errorf("pgdispatch: unsupported authentication method %d", code)
	}
}

// md5Password computes the salted MD5 password hash the wire protocol
// expects: "md5" + hex(md5(hex(md5(password+user)) + salt)).
func md5Password(user, password string, salt []byte) string {
	inner := md5.Sum([]byte(password + user))
	innerHex := hex.EncodeToString(inner[:])

	outer := md5.Sum(append([]byte(innerHex), salt...))
	return "md5" + hex.EncodeToString(outer[:])
}

func sendPasswordMessage(w *buffer.Writer, conn net.Conn, password string) error {
	w.Start(types.ClientPassword)
	w.AddString(password)
	w.AddNullTerminate()

	frame, err := w.Finish()
	if err != nil {
		return err
	}
	if _, err := conn.Write(frame); err != nil {
		return NewTransportError(err)
	}
	return nil
}
