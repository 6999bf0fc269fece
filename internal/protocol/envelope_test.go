package protocol

import (
	"encoding/json"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope(KindSessionStart, SessionStart{
		SessionID:       7,
		DurationMinutes: 30,
		HourlyRate:      120,
	})
	require.NoError(t, err)

	assert.Equal(t, KindSessionStart, env.Kind)
	assert.JSONEq(t, `{"session_id":7,"duration_minutes":30,"is_unlimited":false,"hourly_rate":120,"free_mode":false}`, string(env.Payload))

	ts, err := time.Parse(time.RFC3339Nano, env.Timestamp)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), ts, time.Second)
}

func TestNewEnvelope_NilPayload(t *testing.T) {
	env, err := NewEnvelope(KindUnlock, nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(env.Payload))
	assert.NoError(t, env.Validate())
}

func TestNewEnvelope_EmptyKind(t *testing.T) {
	_, err := NewEnvelope("", nil)
	assert.ErrorIs(t, err, ErrEmptyKind)
}

func TestEnvelope_WireShape(t *testing.T) {
	env, err := NewEnvelope(KindAck, Ack{AgentID: 3, Status: "registered"})
	require.NoError(t, err)

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Contains(t, fields, "kind")
	assert.Contains(t, fields, "payload")
	assert.Contains(t, fields, "timestamp")
	assert.Equal(t, `"ack"`, string(fields["kind"]))
}

func TestEnvelope_Decode(t *testing.T) {
	env := &Envelope{
		Kind:    KindHeartbeat,
		Payload: json.RawMessage(`{"status":"in_session","remaining_seconds":95}`),
	}

	var hb Heartbeat
	require.NoError(t, env.Decode(&hb))
	assert.Equal(t, "in_session", hb.Status)
	require.NotNil(t, hb.RemainingSeconds)
	assert.Equal(t, 95, *hb.RemainingSeconds)
}

func TestEnvelope_DecodeNullRemaining(t *testing.T) {
	env := &Envelope{Kind: KindHeartbeat, Payload: json.RawMessage(`{"status":"online","remaining_seconds":null}`)}

	var hb Heartbeat
	require.NoError(t, env.Decode(&hb))
	assert.Nil(t, hb.RemainingSeconds)
}

func TestEnvelope_DecodeEmptyPayload(t *testing.T) {
	env := &Envelope{Kind: KindPing}
	var v map[string]any
	assert.NoError(t, env.Decode(&v))
	assert.Nil(t, v)
}

func TestEnvelope_DecodeBadPayload(t *testing.T) {
	env := &Envelope{Kind: KindRegister, Payload: json.RawMessage(`{"hardware_id":12}`)}
	var reg Register
	assert.Error(t, env.Decode(&reg))
}

func TestEnvelope_Validate(t *testing.T) {
	tests := []struct {
		name    string
		env     Envelope
		wantErr error
	}{
		{"flat payload", Envelope{Kind: KindRegister, Payload: json.RawMessage(`{"hardware_id":"abc"}`)}, nil},
		{"missing payload", Envelope{Kind: KindPing}, nil},
		{"unknown kind is still valid", Envelope{Kind: "future_kind", Payload: json.RawMessage(`{}`)}, nil},
		{"empty kind", Envelope{Payload: json.RawMessage(`{}`)}, ErrEmptyKind},
		{"array payload", Envelope{Kind: KindPing, Payload: json.RawMessage(`[1,2]`)}, ErrInvalidJSON},
		{"nested object", Envelope{Kind: KindRegister, Payload: json.RawMessage(`{"a":{"b":1}}`)}, ErrNestedPayload},
		{"nested array", Envelope{Kind: KindRegister, Payload: json.RawMessage(`{"a":[1]}`)}, ErrNestedPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.env.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestKindCatalog(t *testing.T) {
	assert.True(t, KindRegister.Known())
	assert.False(t, Kind("bogus").Known())
	assert.Equal(t, DirectionUnknown, Kind("bogus").Direction())

	assert.True(t, KindHeartbeat.Direction().FromAgent())
	assert.False(t, KindHeartbeat.Direction().FromCoordinator())
	assert.True(t, KindSessionStop.Direction().FromCoordinator())
	assert.False(t, KindSessionStop.Direction().FromAgent())
	assert.True(t, KindPing.Direction().FromAgent())
	assert.True(t, KindPing.Direction().FromCoordinator())

	kinds := Kinds()
	assert.Len(t, kinds, 15)
	assert.True(t, sort.SliceIsSorted(kinds, func(i, j int) bool { return kinds[i] < kinds[j] }))
}
