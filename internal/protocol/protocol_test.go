// ABOUTME: Tests for wire envelope encoding and decoding
// ABOUTME: Covers type dispatch and malformed input

package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_AgentMessages(t *testing.T) {
	env, err := Encode(TypeConfigStatus, ConfigStatus{AgentID: "a1", AppliedHash: "h1", Outcome: OutcomeApplied})
	require.NoError(t, err)

	raw, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"config_status","payload":{"agent_id":"a1","applied_hash":"h1","outcome":"applied"}}`, string(raw))

	msg, err := Decode(env)
	require.NoError(t, err)
	status, ok := msg.(*ConfigStatus)
	require.True(t, ok)
	assert.True(t, status.Succeeded())
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode(Envelope{Type: "bogus", Payload: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = Decode(Envelope{Type: TypeHeartbeat})
	assert.ErrorContains(t, err, "empty payload")

	_, err = Decode(Envelope{Type: TypeAgentDescription, Payload: json.RawMessage(`{"labels":"nope"}`)})
	assert.ErrorContains(t, err, "decoding agent_description")
}
