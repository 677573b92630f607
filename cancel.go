package pgdispatch

import (
	"context"
	"net"

	"github.com/pgdispatch/pgdispatch/pkg/buffer"
	"github.com/pgdispatch/pgdispatch/pkg/types"
)

// CancelRequest implements the out-of-band cancellation sub-protocol (spec
// SUPPLEMENTED FEATURES item 4): it dials a fresh connection to the same
// endpoint, sends an untyped CancelRequest carrying the BackendKeyData
// captured during startup, and closes the connection without waiting for a
// reply -- the protocol defines none, successful or otherwise. This is
// deliberately independent of the running Dispatcher's five loops: a
// client cancelling a long-running query must not itself go through the
// pipeline it is trying to interrupt.
func (d *Dispatcher) CancelRequest(ctx context.Context, settings Settings) error {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", settings.address())
	if err != nil {
		return err
	}
	defer conn.Close()

	w := buffer.NewWriter(nil)
	w.StartUntyped()
	w.AddInt32(int32(types.VersionCancel))
	w.AddInt32(d.backendPID)
	w.AddInt32(d.backendKey)

	frame, err := w.Finish()
	if err != nil {
		return err
	}

	_, err = conn.Write(frame)
	return err
}
