package kiosk

import (
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeServerEvent(t *testing.T) {
	tests := []struct {
		name         string
		raw          string
		wantErr      bool
		expectedType ServerEventType
		expectedData map[string]any
	}{
		{
			name:         "Namespaced shape",
			raw:          `{"type":"response.output_audio_transcript.delta","event_id":"ev_1","data":{"response_id":"r1","delta":"Hel"}}`,
			expectedType: ServerEventTypeResponseOutputAudioTranscriptDelta,
			expectedData: map[string]any{"response_id": "r1", "delta": "Hel"},
		},
		{
			name:         "Legacy flat shape",
			raw:          `{"type":"response.output_audio_transcript.delta","response_id":"r1","delta":"Hel"}`,
			expectedType: ServerEventTypeResponseOutputAudioTranscriptDelta,
			expectedData: map[string]any{"response_id": "r1", "delta": "Hel"},
		},
		{
			name:         "Empty payload",
			raw:          `{"type":"session.created"}`,
			expectedType: ServerEventTypeSessionCreated,
			expectedData: map[string]any{},
		},
		{
			name:         "Unknown type is preserved",
			raw:          `{"type":"something.new","data":{"k":"v"}}`,
			expectedType: ServerEventType("something.new"),
			expectedData: map[string]any{"k": "v"},
		},
		{
			name:    "Malformed JSON",
			raw:     `{"type":`,
			wantErr: true,
		},
		{
			name:    "Missing type",
			raw:     `{"data":{}}`,
			wantErr: true,
		},
		{
			name:    "Empty type",
			raw:     `{"type":""}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := DecodeServerEvent([]byte(tt.raw))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expectedType, event.Type)
			assert.Equal(t, tt.expectedData, event.Data)
		})
	}
}

func TestEncodeClientEvent(t *testing.T) {
	raw, err := EncodeClientEvent(ClientEventTypeInputAudioBufferAppend, map[string]any{"audio": "QUJD"})
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, sonic.Unmarshal(raw, &frame))
	assert.Equal(t, map[string]any{
		"type": "input_audio_buffer.append",
		"data": map[string]any{"audio": "QUJD"},
	}, frame)

	raw, err = EncodeClientEvent(ClientEventTypeResponseCreate, nil)
	require.NoError(t, err)
	frame = nil
	require.NoError(t, sonic.Unmarshal(raw, &frame))
	assert.Equal(t, map[string]any{"type": "response.create"}, frame)

	_, err = EncodeClientEvent("", nil)
	assert.Error(t, err)
}

func TestErrorParam(t *testing.T) {
	tests := []struct {
		name     string
		data     map[string]any
		expected ErrorParam
	}{
		{
			name:     "Nested error object",
			data:     map[string]any{"error": map[string]any{"code": "bad_request", "message": "nope"}},
			expected: ErrorParam{Code: "bad_request", Message: "nope"},
		},
		{
			name:     "Flattened keys",
			data:     map[string]any{"code": "expired", "message": "token expired"},
			expected: ErrorParam{Code: "expired", Message: "token expired"},
		},
		{
			name:     "Reason fallback",
			data:     map[string]any{"reason": "balance exhausted"},
			expected: ErrorParam{Message: "balance exhausted"},
		},
		{
			name:     "Empty payload",
			data:     map[string]any{},
			expected: ErrorParam{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p ErrorParam
			require.NoError(t, p.New(tt.data))
			assert.Equal(t, tt.expected, p)
		})
	}
}

func TestConnectionSuccessParam(t *testing.T) {
	var p ConnectionSuccessParam
	require.NoError(t, p.New(map[string]any{
		"ice_servers": []any{
			map[string]any{"urls": "stun:stun.example.com:3478"},
			map[string]any{
				"urls":       []any{"turn:turn.example.com:3478"},
				"username":   "kiosk",
				"credential": "secret",
			},
			map[string]any{"username": "no-urls"},
		},
	}))
	require.Len(t, p.ICEServers, 2)
	assert.Equal(t, []string{"stun:stun.example.com:3478"}, p.ICEServers[0].URLs)
	assert.Equal(t, "kiosk", p.ICEServers[1].Username)
	assert.Equal(t, "secret", p.ICEServers[1].Credential)

	var empty ConnectionSuccessParam
	require.NoError(t, empty.New(map[string]any{}))
	assert.Empty(t, empty.ICEServers)
}

func TestTranscriptParams(t *testing.T) {
	var delta TranscriptDeltaParam
	require.NoError(t, delta.New(map[string]any{"response_id": "r1", "delta": "Hi"}))
	assert.Equal(t, TranscriptDeltaParam{ResponseId: "r1", Delta: "Hi"}, delta)
	assert.Error(t, delta.New(map[string]any{"delta": "Hi"}))

	var done TranscriptDoneParam
	require.NoError(t, done.New(map[string]any{"id": "r1", "transcript": "Hi there"}))
	assert.Equal(t, TranscriptDoneParam{ResponseId: "r1", Transcript: "Hi there"}, done)

	var completed TranscriptionCompletedParam
	require.NoError(t, completed.New(map[string]any{"item_id": "i1", "transcript": "hello"}))
	assert.Equal(t, TranscriptionCompletedParam{ItemId: "i1", Transcript: "hello"}, completed)
	assert.Error(t, completed.New(map[string]any{"item_id": "i1"}))
}

func TestFunctionCallParams(t *testing.T) {
	var delta FunctionCallDeltaParam
	require.NoError(t, delta.New(map[string]any{"call_id": "c1", "delta": `{"rea`}))
	assert.Equal(t, FunctionCallDeltaParam{CallId: "c1", Delta: `{"rea`}, delta)
	assert.Error(t, delta.New(map[string]any{"delta": "x"}))

	var done FunctionCallDoneParam
	require.NoError(t, done.New(map[string]any{"call_id": "c1", "name": "end_conversation", "arguments": `{}`}))
	assert.Equal(t, FunctionCallDoneParam{CallId: "c1", Name: "end_conversation", Arguments: `{}`}, done)

	// Every field is optional on the terminal event.
	var bare FunctionCallDoneParam
	require.NoError(t, bare.New(map[string]any{}))
	assert.Equal(t, FunctionCallDoneParam{}, bare)
}

func TestSignalCandidateParam(t *testing.T) {
	tests := []struct {
		name          string
		data          map[string]any
		wantErr       bool
		candidate     string
		mid           string
		hasMid        bool
		mlineIndex    uint16
		hasMlineIndex bool
	}{
		{
			name: "Flattened",
			data: map[string]any{
				"candidate": "candidate:1 1 udp 2130706431 192.0.2.1 54400 typ host",
				"sdpMid":    "0",
			},
			candidate: "candidate:1 1 udp 2130706431 192.0.2.1 54400 typ host",
			mid:       "0",
			hasMid:    true,
		},
		{
			name: "Nested init object",
			data: map[string]any{
				"candidate": map[string]any{
					"candidate":     "candidate:2 1 udp 1694498815 198.51.100.1 61000 typ srflx",
					"sdp_mid":       "audio",
					"sdpMLineIndex": float64(1),
				},
			},
			candidate:     "candidate:2 1 udp 1694498815 198.51.100.1 61000 typ srflx",
			mid:           "audio",
			hasMid:        true,
			mlineIndex:    1,
			hasMlineIndex: true,
		},
		{
			name:    "Missing candidate",
			data:    map[string]any{"sdpMid": "0"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p SignalCandidateParam
			err := p.New(tt.data)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.candidate, p.Candidate)
			if tt.hasMid {
				require.NotNil(t, p.SDPMid)
				assert.Equal(t, tt.mid, *p.SDPMid)
			} else {
				assert.Nil(t, p.SDPMid)
			}
			if tt.hasMlineIndex {
				require.NotNil(t, p.SDPMLineIndex)
				assert.Equal(t, tt.mlineIndex, *p.SDPMLineIndex)
			} else {
				assert.Nil(t, p.SDPMLineIndex)
			}
		})
	}
}

func TestSignalDescriptionParam(t *testing.T) {
	var p SignalDescriptionParam
	require.NoError(t, p.New(map[string]any{"sdp": "v=0...", "type": "offer"}))
	assert.Equal(t, "v=0...", p.SDP)
	assert.Error(t, p.New(map[string]any{"type": "offer"}))
	assert.Error(t, p.New(map[string]any{"sdp": ""}))
}
