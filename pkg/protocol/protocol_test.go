package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	frame, err := Encode(TypeHeartbeat, Heartbeat{Status: "IDLE", ActiveJobs: 2, Timestamp: Now()})
	require.NoError(t, err)

	env, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, TypeHeartbeat, env.Type)

	var hb Heartbeat
	require.NoError(t, env.Unmarshal(&hb))
	assert.Equal(t, "IDLE", hb.Status)
	assert.Equal(t, 2, hb.ActiveJobs)
}

func TestDecodeRejectsUntaggedFrame(t *testing.T) {
	_, err := Decode([]byte(`{"payload":{}}`))
	assert.Error(t, err)

	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestUnknownFieldsIgnored(t *testing.T) {
	frame := []byte(`{"type":"execution_result","payload":{"execution_id":"e1","success":true,"exit_code":0,"future_field":"x"}}`)
	env, err := Decode(frame)
	require.NoError(t, err)

	var res ExecutionResult
	require.NoError(t, env.Unmarshal(&res))
	assert.True(t, res.Success)
}

func TestTimestampRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 26, 53, 589793, time.UTC)
	ts := FromTime(at)
	assert.Equal(t, at.Unix(), ts.Seconds)
	assert.True(t, ts.Time().Equal(at))
}
