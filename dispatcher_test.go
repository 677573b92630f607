package pgdispatch

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgdispatch/pgdispatch/pkg/buffer"
	"github.com/pgdispatch/pgdispatch/pkg/dispatchtest"
	"github.com/pgdispatch/pgdispatch/pkg/types"
)

func int32Bytes(v int32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(v))
	return b
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *dispatchtest.Peer) {
	t.Helper()

	client, server := dispatchtest.NewPipe()
	t.Cleanup(func() { _ = server.Close() })

	d := newDispatcher(client, NewSettings("", 0, "", "", "", WithLogger(slogt.New(t))))
	d.start()
	t.Cleanup(d.Stop)

	return d, dispatchtest.NewPeer(server)
}

func TestScenarioSimpleQuery(t *testing.T) {
	d, peer := newTestDispatcher(t)

	go func() {
		_, _, _ = peer.ReadClientMessage() // Query

		require.NoError(t, peer.WriteRowDescription([]dispatchtest.ColumnSpec{
			{Name: "?column?", TypeOID: 23, TypeSize: 4, TypeMod: -1},
		}))
		require.NoError(t, peer.WriteDataRow([][]byte{[]byte("1")}))
		require.NoError(t, peer.WriteCommandComplete("SELECT 1"))
		require.NoError(t, peer.WriteReadyForQuery('I'))
	}()

	statements, err := PerformRequest(context.Background(), d, QueryRequest("SELECT 1"))
	require.NoError(t, err)
	require.Len(t, statements, 1)
	assert.Equal(t, []byte("1"), statements[0].Rows[0].Column(0))
	assert.Equal(t, CommandTag("SELECT 1"), statements[0].Tag)
}

func TestScenarioParameterisedQuery(t *testing.T) {
	d, peer := newTestDispatcher(t)

	go func() {
		_, _, _ = peer.ReadClientMessage() // Parse
		require.NoError(t, peer.WriteParseComplete())

		_, _, _ = peer.ReadClientMessage() // Bind
		require.NoError(t, peer.WriteBindComplete())

		_, _, _ = peer.ReadClientMessage() // Execute
		require.NoError(t, peer.WriteRowDescription([]dispatchtest.ColumnSpec{
			{Name: "?column?", TypeOID: 23, TypeSize: 4, TypeMod: -1, Format: int16(BinaryFormat)},
		}))
		require.NoError(t, peer.WriteDataRow([][]byte{int32Bytes(5)}))
		require.NoError(t, peer.WriteCommandComplete("SELECT 1"))

		_, _, _ = peer.ReadClientMessage() // Sync
		require.NoError(t, peer.WriteReadyForQuery('I'))
	}()

	params := []Parameter{NewParameter(BinaryFormat, int32Bytes(2)), NewParameter(BinaryFormat, int32Bytes(3))}
	req := ExtendedQueryRequest("stmt1", "SELECT $1::int + $2::int", []uint32{23, 23}, params, []FormatCode{BinaryFormat}, 0)

	result, err := PerformRequest(context.Background(), d, req)
	require.NoError(t, err)
	require.NotNil(t, result.Query)
	require.Len(t, result.Query.Rows, 1)

	value := int32(binary.BigEndian.Uint32(result.Query.Rows[0].Column(0)))
	assert.EqualValues(t, 5, value)
	assert.Equal(t, byte('I'), result.Sync.Status)
}

// TestFramingFragmentation writes a complete CommandComplete+ReadyForQuery
// reply one byte at a time, exercising the Receiver/Slicer split
// (loops.go's chanReader reassembling incomingBytesQ chunks via
// buffer.Reader.ReadTypedMsg) rather than handing the parser one
// already-whole frame per conn.Write the way the other scenarios do.
func TestFramingFragmentation(t *testing.T) {
	client, server := dispatchtest.NewPipe()
	t.Cleanup(func() { _ = server.Close() })

	d := newDispatcher(client, NewSettings("", 0, "", "", "", WithLogger(slogt.New(t))))
	d.start()
	t.Cleanup(d.Stop)

	peer := dispatchtest.NewPeer(server)

	go func() {
		_, _, _ = peer.ReadClientMessage()

		w := buffer.NewWriter(nil)
		w.Start(types.ClientMessage(types.ServerCommandComplete))
		w.AddString("SELECT 1")
		w.AddNullTerminate()
		commandComplete, err := w.Finish()
		require.NoError(t, err)
		commandComplete = append([]byte(nil), commandComplete...)

		w.Start(types.ClientMessage(types.ServerReady))
		w.AddByte('I')
		readyForQuery, err := w.Finish()
		require.NoError(t, err)

		full := append(commandComplete, readyForQuery...)
		for i := range full {
			_, werr := server.Write(full[i : i+1])
			require.NoError(t, werr)
		}
	}()

	statements, err := PerformRequest(context.Background(), d, QueryRequest("SELECT 1"))
	require.NoError(t, err)
	require.Len(t, statements, 1)
	assert.Equal(t, CommandTag("SELECT 1"), statements[0].Tag)
}

func TestScenarioBackendErrorMidPipeline(t *testing.T) {
	d, peer := newTestDispatcher(t)

	go func() {
		_, _, _ = peer.ReadClientMessage() // Query A
		require.NoError(t, peer.WriteRowDescription([]dispatchtest.ColumnSpec{{Name: "?column?", TypeOID: 23, TypeSize: 4, TypeMod: -1}}))
		require.NoError(t, peer.WriteDataRow([][]byte{[]byte("1")}))
		require.NoError(t, peer.WriteCommandComplete("SELECT 1"))
		require.NoError(t, peer.WriteReadyForQuery('I'))

		_, _, _ = peer.ReadClientMessage() // Query B
		require.NoError(t, peer.WriteErrorResponse("ERROR", "22012", "division by zero", "", "", ""))
		require.NoError(t, peer.WriteReadyForQuery('I'))

		_, _, _ = peer.ReadClientMessage() // Query C
		require.NoError(t, peer.WriteCommandComplete("SELECT 0"))
		require.NoError(t, peer.WriteReadyForQuery('I'))
	}()

	ctx := context.Background()

	a, err := PerformRequest(ctx, d, QueryRequest("SELECT 1"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, a[0].Tag.RowsAffected())

	b, err := PerformRequest(ctx, d, QueryRequest("SELECT 1/0"))
	require.NoError(t, err, "a BackendError is a successful parse, not a request error")
	require.NotNil(t, b[0].Backend)
	assert.Equal(t, "22012", string(b[0].Backend.SQLState))

	c, err := PerformRequest(ctx, d, QueryRequest("SELECT"))
	require.NoError(t, err)
	assert.Equal(t, CommandTag("SELECT 0"), c[0].Tag)
}

func TestScenarioSocketClosedMidResponse(t *testing.T) {
	d, peer := newTestDispatcher(t)

	go func() {
		_, _, _ = peer.ReadClientMessage()
		_ = peer.WriteRowDescription([]dispatchtest.ColumnSpec{{Name: "x", TypeOID: 23}})
		// close without completing the reply
	}()

	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = PerformRequest(ctx, d, QueryRequest("SELECT 1"))
	}()
	go func() {
		defer wg.Done()
		time.Sleep(20 * time.Millisecond)
		_, errs[1] = PerformRequest(ctx, d, QueryRequest("SELECT 2"))
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, peer.Close())

	wg.Wait()
	for _, err := range errs {
		require.Error(t, err)
		var terr *TransportError
		require.ErrorAs(t, err, &terr)
	}

	doneCh := make(chan struct{})
	go func() { d.Stop(); close(doneCh) }()
	select {
	case <-doneCh:
	case <-time.After(time.Second):
		t.Fatal("Stop should return promptly after a transport error")
	}
}

func TestScenarioNotificationWhileIdle(t *testing.T) {
	var mu sync.Mutex
	var got *Notification

	client, server := dispatchtest.NewPipe()
	t.Cleanup(func() { _ = server.Close() })

	settings := NewSettings("", 0, "", "", "", WithLogger(slogt.New(t)), WithOnNotification(func(n Notification) {
		mu.Lock()
		got = &n
		mu.Unlock()
	}))

	d := newDispatcher(client, settings)
	d.start()
	t.Cleanup(d.Stop)

	peer := dispatchtest.NewPeer(server)
	require.NoError(t, peer.WriteNotificationResponse(42, "ch", "p"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int32(42), got.PID)
	assert.Equal(t, "ch", got.Channel)
	assert.Equal(t, "p", got.Payload)
}

// TestPipelineOrderingAcrossConcurrentCallers fires many concurrent
// PerformRequest calls at one dispatcher and checks that every caller
// receives its own reply -- not a sibling's -- even though admission order
// across goroutines is nondeterministic. The server replies to each
// request with a command tag echoing the query it just read, so a mixed-up
// pipeline would surface as a caller observing someone else's tag.
func TestPipelineOrderingAcrossConcurrentCallers(t *testing.T) {
	d, peer := newTestDispatcher(t)

	const n = 20
	go func() {
		for i := 0; i < n; i++ {
			_, reader, err := peer.ReadClientMessage()
			require.NoError(t, err)
			sql, err := reader.GetString()
			require.NoError(t, err)

			require.NoError(t, peer.WriteCommandComplete(sql))
			require.NoError(t, peer.WriteReadyForQuery('I'))
		}
	}()

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sql := fmt.Sprintf("SELECT %d", i)
			statements, err := PerformRequest(ctx, d, QueryRequest(sql))
			require.NoError(t, err)
			require.Len(t, statements, 1)
			assert.Equal(t, CommandTag(sql), statements[0].Tag)
		}(i)
	}
	wg.Wait()
}

