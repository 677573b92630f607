package pgdispatch

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgdispatch/pgdispatch/pkg/buffer"
	"github.com/pgdispatch/pgdispatch/pkg/types"
)

func TestEncodeParseFrameRoundTrips(t *testing.T) {
	w := buffer.NewWriter(nil)
	frame, err := encodeParseFrame(w, "stmt1", "SELECT $1", []uint32{23})
	require.NoError(t, err)

	reader := readOneFrame(t, frame)
	assert.Equal(t, types.ClientParse, types.ClientMessage(mustReadType(t, reader)))

	name, err := reader.GetString()
	require.NoError(t, err)
	assert.Equal(t, "stmt1", name)

	query, err := reader.GetString()
	require.NoError(t, err)
	assert.Equal(t, "SELECT $1", query)

	count, err := reader.GetInt16()
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	oid, err := reader.GetInt32()
	require.NoError(t, err)
	assert.EqualValues(t, 23, oid)
}

func TestEncodeBindFrameWithNullParameter(t *testing.T) {
	w := buffer.NewWriter(nil)
	params := []Parameter{NewParameter(BinaryFormat, nil), NewParameter(TextFormat, []byte("5"))}
	frame, err := encodeBindFrame(w, "", "stmt1", params, []FormatCode{TextFormat})
	require.NoError(t, err)

	reader := readOneFrame(t, frame)
	mustReadType(t, reader)

	portal, _ := reader.GetString()
	assert.Equal(t, "", portal)
	stmt, _ := reader.GetString()
	assert.Equal(t, "stmt1", stmt)

	formatCount, _ := reader.GetInt16()
	assert.EqualValues(t, 2, formatCount)
	f0, _ := reader.GetInt16()
	f1, _ := reader.GetInt16()
	assert.EqualValues(t, BinaryFormat, f0)
	assert.EqualValues(t, TextFormat, f1)

	valueCount, _ := reader.GetInt16()
	assert.EqualValues(t, 2, valueCount)

	size0, _ := reader.GetInt32()
	assert.EqualValues(t, -1, size0, "nil parameter value encodes as -1 length")

	size1, _ := reader.GetInt32()
	assert.EqualValues(t, 1, size1)
	val1, _ := reader.GetBytes(1)
	assert.Equal(t, []byte("5"), val1)
}

func TestEncodeQueryFrame(t *testing.T) {
	w := buffer.NewWriter(nil)
	frame, err := encodeQueryFrame(w, "SELECT 1")
	require.NoError(t, err)

	reader := readOneFrame(t, frame)
	tag := mustReadType(t, reader)
	assert.Equal(t, types.ClientSimpleQuery, types.ClientMessage(tag))

	sql, err := reader.GetString()
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", sql)
}

func TestEncodeDescribeFrame(t *testing.T) {
	w := buffer.NewWriter(nil)
	frame, err := encodeDescribeFrame(w, types.DescribeStatement, "stmt1")
	require.NoError(t, err)

	reader := readOneFrame(t, frame)
	mustReadType(t, reader)

	kind, err := reader.GetByte()
	require.NoError(t, err)
	assert.Equal(t, byte(types.DescribeStatement), kind)

	name, err := reader.GetString()
	require.NoError(t, err)
	assert.Equal(t, "stmt1", name)
}

func TestExtendedQueryRequestEncodesFourFrames(t *testing.T) {
	req := ExtendedQueryRequest("stmt1", "SELECT $1", []uint32{23}, []Parameter{NewParameter(TextFormat, []byte("5"))}, []FormatCode{TextFormat}, 0)

	w := buffer.NewWriter(nil)
	frames, err := req.encode(w)
	require.NoError(t, err)
	require.Len(t, frames, 4)

	tags := []types.ClientMessage{types.ClientParse, types.ClientBind, types.ClientExecute, types.ClientSync}
	for i, frame := range frames {
		reader := readOneFrame(t, frame)
		tag := mustReadType(t, reader)
		assert.Equal(t, tags[i], types.ClientMessage(tag))
	}
}

// readOneFrame wraps a single already-finished frame in a buffer.Reader
// positioned to read its type byte next via mustReadType.
func readOneFrame(t *testing.T, frame []byte) *buffer.Reader {
	t.Helper()
	return buffer.NewReader(nil, bytes.NewReader(frame), buffer.DefaultBufferSize)
}

func mustReadType(t *testing.T, reader *buffer.Reader) types.ServerMessage {
	t.Helper()
	tag, _, err := reader.ReadTypedMsg()
	require.NoError(t, err)
	return tag
}
