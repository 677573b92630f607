package pgdispatch

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgdispatch/pgdispatch/pkg/buffer"
	"github.com/pgdispatch/pgdispatch/pkg/dispatchtest"
	"github.com/pgdispatch/pgdispatch/pkg/types"
)

// readStartupMessage reads the untyped StartupMessage written by
// writeStartupMessage, returning the protocol version and the key/value
// parameters.
func readStartupMessage(t *testing.T, conn net.Conn) (int32, map[string]string) {
	t.Helper()

	reader := buffer.NewReader(nil, conn, buffer.DefaultBufferSize)
	_, err := reader.ReadUntypedMsg()
	require.NoError(t, err)

	version, err := reader.GetInt32()
	require.NoError(t, err)

	params := map[string]string{}
	for {
		key, err := reader.GetString()
		require.NoError(t, err)
		if key == "" {
			break
		}
		value, err := reader.GetString()
		require.NoError(t, err)
		params[key] = value
	}

	return version, params
}

func TestStartupTrustAuth(t *testing.T) {
	client, server := dispatchtest.NewPipe()
	defer client.Close()
	defer server.Close()

	go func() {
		_, _ = readStartupMessage(t, server)

		peer := dispatchtest.NewPeer(server)
		_ = peer.TrustHandshake(1234, 5678, map[string]string{"server_version": "16.0"})
	}()

	settings := NewSettings("", 0, "alice", "", "orders")
	hs, err := startup(client, settings)
	require.NoError(t, err)
	assert.Equal(t, int32(1234), hs.backendPID)
	assert.Equal(t, int32(5678), hs.backendKey)
	assert.Equal(t, "16.0", hs.params["server_version"])
}

func TestStartupSendsUserAndDatabase(t *testing.T) {
	client, server := dispatchtest.NewPipe()
	defer client.Close()
	defer server.Close()

	done := make(chan map[string]string, 1)
	go func() {
		version, params := readStartupMessage(t, server)
		assert.EqualValues(t, types.Version30, version)
		done <- params

		peer := dispatchtest.NewPeer(server)
		_ = peer.TrustHandshake(1, 1, nil)
	}()

	settings := NewSettings("", 0, "alice", "", "orders")
	_, err := startup(client, settings)
	require.NoError(t, err)

	params := <-done
	assert.Equal(t, "alice", params["user"])
	assert.Equal(t, "orders", params["database"])
}

func TestStartupCleartextPassword(t *testing.T) {
	client, server := dispatchtest.NewPipe()
	defer client.Close()
	defer server.Close()

	go func() {
		_, _ = readStartupMessage(t, server)

		peer := dispatchtest.NewPeer(server)
		require.NoError(t, peer.WriteAuthenticationCleartextPassword())

		tag, reader, err := peer.ReadClientMessage()
		require.NoError(t, err)
		assert.Equal(t, types.ClientPassword, tag)
		password, err := reader.GetString()
		require.NoError(t, err)
		assert.Equal(t, "hunter2", password)

		_ = peer.TrustHandshake(1, 1, nil)
	}()

	settings := NewSettings("", 0, "alice", "hunter2", "")
	_, err := startup(client, settings)
	require.NoError(t, err)
}

func TestStartupMD5Password(t *testing.T) {
	client, server := dispatchtest.NewPipe()
	defer client.Close()
	defer server.Close()

	salt := [4]byte{1, 2, 3, 4}
	want := md5Password("alice", "hunter2", salt[:])

	go func() {
		_, _ = readStartupMessage(t, server)

		peer := dispatchtest.NewPeer(server)
		require.NoError(t, peer.WriteAuthenticationMD5Password(salt))

		tag, reader, err := peer.ReadClientMessage()
		require.NoError(t, err)
		assert.Equal(t, types.ClientPassword, tag)
		hashed, err := reader.GetString()
		require.NoError(t, err)
		assert.Equal(t, want, hashed)

		_ = peer.TrustHandshake(1, 1, nil)
	}()

	settings := NewSettings("", 0, "alice", "hunter2", "")
	_, err := startup(client, settings)
	require.NoError(t, err)
}

func TestMD5PasswordKnownVector(t *testing.T) {
	got := md5Password("alice", "hunter2", []byte{0, 0, 0, 0})
	assert.Len(t, got, 35)
	assert.Equal(t, "md5", got[:3])
	assert.Equal(t, "md5f6a332c74f479b2f728b6db23aab115a", got)
}

func TestStartupErrorResponseFailsHandshake(t *testing.T) {
	client, server := dispatchtest.NewPipe()
	defer client.Close()
	defer server.Close()

	go func() {
		_, _ = readStartupMessage(t, server)

		peer := dispatchtest.NewPeer(server)
		_ = peer.WriteErrorResponse("FATAL", "28P01", "password authentication failed", "", "", "")
	}()

	settings := NewSettings("", 0, "alice", "wrong", "")
	_, err := startup(client, settings)
	require.Error(t, err)

	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "28P01", string(be.SQLState))
}

func TestStartupUnsupportedAuthMethod(t *testing.T) {
	client, server := dispatchtest.NewPipe()
	defer client.Close()
	defer server.Close()

	go func() {
		_, _ = readStartupMessage(t, server)

		w := buffer.NewWriter(nil)
		w.Start(types.ClientMessage(types.ServerAuth))
		w.AddInt32(99)
		frame, _ := w.Finish()
		_, _ = server.Write(frame)
	}()

	settings := NewSettings("", 0, "alice", "", "")
	_, err := startup(client, settings)
	require.Error(t, err)
}
