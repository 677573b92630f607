package pgdispatch

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgdispatch/pgdispatch/pkg/buffer"
	"github.com/pgdispatch/pgdispatch/pkg/dispatchtest"
	"github.com/pgdispatch/pgdispatch/pkg/types"
)

func TestCancelRequestSendsBackendKeyData(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	client, _ := dispatchtest.NewPipe()
	defer client.Close()
	d := newDispatcher(client, Settings{})
	d.backendPID = 111
	d.backendKey = 222

	addr := ln.Addr().(*net.TCPAddr)
	settings := NewSettings(addr.IP.String(), addr.Port, "", "", "")

	require.NoError(t, d.CancelRequest(context.Background(), settings))

	conn := <-accepted
	defer conn.Close()

	reader := buffer.NewReader(nil, conn, buffer.DefaultBufferSize)
	_, err = reader.ReadUntypedMsg()
	require.NoError(t, err)

	version, err := reader.GetInt32()
	require.NoError(t, err)
	assert.EqualValues(t, types.VersionCancel, version)

	pid, err := reader.GetInt32()
	require.NoError(t, err)
	assert.EqualValues(t, 111, pid)

	secret, err := reader.GetInt32()
	require.NoError(t, err)
	assert.EqualValues(t, 222, secret)
}
