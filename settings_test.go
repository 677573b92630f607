package pgdispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSettingsStringOmitsEmptyFields(t *testing.T) {
	s := NewSettings("", 0, "", "", "")
	assert.Equal(t, "", s.String())
}

func TestSettingsStringFieldOrder(t *testing.T) {
	s := NewSettings("db.internal", 5433, "alice", "hunter2", "orders")
	assert.Equal(t, "host=db.internal port=5433 user=alice password=hunter2 dbname=orders", s.String())
}

func TestSettingsStringOmitsZeroPortAndBlankFields(t *testing.T) {
	s := NewSettings("db.internal", 0, "alice", "", "orders")
	assert.Equal(t, "host=db.internal user=alice dbname=orders", s.String())
}

func TestSettingsStringRawPassesThrough(t *testing.T) {
	s := NewRawSettings("postgres://alice@db.internal/orders")
	assert.Equal(t, "postgres://alice@db.internal/orders", s.String())
}

func TestSettingsAddressDefaults(t *testing.T) {
	s := NewSettings("", 0, "alice", "", "")
	assert.Equal(t, "localhost:5432", s.address())
}

func TestSettingsAddressExplicit(t *testing.T) {
	s := NewSettings("db.internal", 6543, "alice", "", "")
	assert.Equal(t, "db.internal:6543", s.address())
}

func TestSettingsStartupMessageParams(t *testing.T) {
	s := NewSettings("db.internal", 5432, "alice", "", "orders",
		WithStartupParameter("application_name", "pgdispatch-test"))

	params := s.startupMessageParams()
	assert.Equal(t, "alice", params["user"])
	assert.Equal(t, "orders", params["database"])
	assert.Equal(t, "pgdispatch-test", params["application_name"])
}

func TestSettingsStartupMessageParamsDefaultsDatabase(t *testing.T) {
	s := NewSettings("db.internal", 5432, "alice", "", "")
	params := s.startupMessageParams()
	_, hasDatabase := params["database"]
	assert.False(t, hasDatabase, "database key omitted when unset, server defaults it to user")
}

func TestSettingsBufferSizeDefault(t *testing.T) {
	s := NewSettings("", 0, "", "", "")
	assert.Equal(t, 8192, s.bufferSize())
}

func TestSettingsBufferSizeOverride(t *testing.T) {
	s := NewSettings("", 0, "", "", "", WithBufferSize(65536))
	assert.Equal(t, 65536, s.bufferSize())
}
