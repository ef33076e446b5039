package memory

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	assert.False(t, Fact{}.Expired(now), "a fact with no valid_until never expires")
	assert.False(t, Fact{ValidUntil: &future}.Expired(now))
	assert.True(t, Fact{ValidUntil: &past}.Expired(now))
	assert.False(t, Fact{ValidUntil: &now}.Expired(now), "expiry is strict: now > valid_until")
}

func TestFactDecodeValue(t *testing.T) {
	obj, err := Fact{Value: json.RawMessage(`{"cuisine":"mild"}`)}.DecodeValue()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"cuisine": "mild"}, obj)

	// Legacy rows hold a bare JSON-encoded string; it is wrapped on read.
	obj, err = Fact{Value: json.RawMessage(`"dark"`)}.DecodeValue()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"value": "dark"}, obj)

	obj, err = Fact{}.DecodeValue()
	require.NoError(t, err)
	assert.Empty(t, obj)

	_, err = Fact{Value: json.RawMessage(`not json`)}.DecodeValue()
	require.Error(t, err)
}
