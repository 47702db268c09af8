package kiosk

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

type EventType string

type ServerEventType EventType

type ClientEventType EventType

// Server event types
const (
	ServerEventTypeError                                            ServerEventType = "error"
	ServerEventTypeConnectionSuccess                                ServerEventType = "connection.success"
	ServerEventTypeConnectionFailed                                 ServerEventType = "connection.failed"
	ServerEventTypeConnectionClose                                  ServerEventType = "connection.close"
	ServerEventTypeInsufficientBalance                              ServerEventType = "insufficient_balance"
	ServerEventTypeSessionCreated                                   ServerEventType = "session.created"
	ServerEventTypeSessionUpdated                                   ServerEventType = "session.updated"
	ServerEventTypeInputAudioBufferSpeechStarted                    ServerEventType = "input_audio_buffer.speech_started"
	ServerEventTypeInputAudioBufferSpeechStopped                    ServerEventType = "input_audio_buffer.speech_stopped"
	ServerEventTypeConversationItemInputAudioTranscriptionCompleted ServerEventType = "conversation.item.input_audio_transcription.completed"
	ServerEventTypeResponseOutputAudioTranscriptDelta               ServerEventType = "response.output_audio_transcript.delta"
	ServerEventTypeResponseOutputAudioTranscriptDone                ServerEventType = "response.output_audio_transcript.done"
	ServerEventTypeResponseOutputAudioDelta                         ServerEventType = "response.output_audio.delta"
	ServerEventTypeResponseOutputAudioDone                          ServerEventType = "response.output_audio.done"
	ServerEventTypeResponseDone                                     ServerEventType = "response.done"
	ServerEventTypeResponseFunctionCallArgumentsDelta               ServerEventType = "response.function_call_arguments.delta"
	ServerEventTypeResponseFunctionCallArgumentsDone                ServerEventType = "response.function_call_arguments.done"
	ServerEventTypeWebRTCOffer                                      ServerEventType = "webrtc.offer"
	ServerEventTypeWebRTCAnswer                                     ServerEventType = "webrtc.answer"
	ServerEventTypeWebRTCICECandidate                               ServerEventType = "webrtc.ice_candidate"
)

// Client event types
const (
	ClientEventTypeSessionUpdate          ClientEventType = "session.update"
	ClientEventTypeConversationItemCreate ClientEventType = "conversation.item.create"
	ClientEventTypeResponseCreate         ClientEventType = "response.create"
	ClientEventTypeInputAudioBufferAppend ClientEventType = "input_audio_buffer.append"
	ClientEventTypeWebRTCOffer            ClientEventType = "webrtc.offer"
	ClientEventTypeWebRTCAnswer           ClientEventType = "webrtc.answer"
	ClientEventTypeWebRTCICECandidate     ClientEventType = "webrtc.ice_candidate"
)

// ServerEvent is one decoded control-channel frame. Data holds the event
// payload regardless of which wire shape carried it.
type ServerEvent struct {
	EventId string
	Type    ServerEventType
	Data    map[string]any
}

// DecodeServerEvent parses a text frame. Two shapes are in active use across
// protocol revisions: the namespaced form {"type": ..., "data": {...}} and a
// legacy flat form carrying the payload fields at the top level. Both are
// accepted; the payload is read from "data" when present, otherwise from the
// remaining top-level keys.
func DecodeServerEvent(raw []byte) (*ServerEvent, error) {
	var m map[string]any
	if err := sonic.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unmarshaling frame: %w", err)
	}
	e := new(ServerEvent)
	t, ok := m["type"].(string)
	if !ok || t == "" {
		return nil, errors.New("missing type")
	}
	e.Type = ServerEventType(t)
	delete(m, "type")
	if id, ok := m["event_id"].(string); ok {
		e.EventId = id
		delete(m, "event_id")
	}
	if data, ok := m["data"].(map[string]any); ok {
		e.Data = data
	} else {
		e.Data = m
	}
	return e, nil
}

// EncodeClientEvent serializes an outbound frame in the canonical namespaced
// form. The legacy flat form is never emitted.
func EncodeClientEvent(t ClientEventType, data map[string]any) ([]byte, error) {
	if t == "" {
		return nil, errors.New("missing type")
	}
	frame := map[string]any{"type": t}
	if len(data) > 0 {
		frame["data"] = data
	}
	return sonic.Marshal(frame)
}

// EventParam extracts one event type's payload from the decoded Data map.
type EventParam interface {
	New(map[string]any) error
}

func stringField(m map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := m[k].(string); ok {
			return v, true
		}
	}
	return "", false
}

// ErrorParam covers "error", "connection.failed" and "insufficient_balance",
// which all carry a human-readable message in one of a few historical spots.
type ErrorParam struct {
	Code    string
	Message string
}

func (p *ErrorParam) New(m map[string]any) error {
	if errObj, ok := m["error"].(map[string]any); ok {
		p.Code, _ = stringField(errObj, "code")
		p.Message, _ = stringField(errObj, "message")
		return nil
	}
	p.Code, _ = stringField(m, "code")
	p.Message, _ = stringField(m, "message", "reason")
	return nil
}

// ICEServerParam mirrors one RTCIceServer descriptor.
type ICEServerParam struct {
	URLs       []string
	Username   string
	Credential string
}

// ConnectionSuccessParam may advertise custom ICE servers for the peer
// media channel. An empty list means the defaults stay in effect.
type ConnectionSuccessParam struct {
	ICEServers []ICEServerParam
}

func (p *ConnectionSuccessParam) New(m map[string]any) error {
	raw, ok := m["ice_servers"].([]any)
	if !ok {
		return nil
	}
	for _, entry := range raw {
		desc, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		var server ICEServerParam
		switch urls := desc["urls"].(type) {
		case string:
			server.URLs = []string{urls}
		case []any:
			for _, u := range urls {
				if s, ok := u.(string); ok {
					server.URLs = append(server.URLs, s)
				}
			}
		}
		if len(server.URLs) == 0 {
			continue
		}
		server.Username, _ = stringField(desc, "username")
		server.Credential, _ = stringField(desc, "credential")
		p.ICEServers = append(p.ICEServers, server)
	}
	return nil
}

// session.created / session.updated
type SessionParam struct {
	Session map[string]any
}

func (p *SessionParam) New(m map[string]any) error {
	if session, ok := m["session"].(map[string]any); ok {
		p.Session = session
	}
	return nil
}

// conversation.item.input_audio_transcription.completed
type TranscriptionCompletedParam struct {
	ItemId     string
	Transcript string
}

func (p *TranscriptionCompletedParam) New(m map[string]any) error {
	p.ItemId, _ = stringField(m, "item_id")
	transcript, ok := stringField(m, "transcript", "text")
	if !ok {
		return errors.New("missing transcript")
	}
	p.Transcript = transcript
	return nil
}

// response.output_audio_transcript.delta
type TranscriptDeltaParam struct {
	ResponseId string
	Delta      string
}

func (p *TranscriptDeltaParam) New(m map[string]any) error {
	id, ok := stringField(m, "response_id", "id")
	if !ok {
		return errors.New("missing response_id")
	}
	p.ResponseId = id
	p.Delta, _ = stringField(m, "delta")
	return nil
}

// response.output_audio_transcript.done
type TranscriptDoneParam struct {
	ResponseId string
	Transcript string
}

func (p *TranscriptDoneParam) New(m map[string]any) error {
	id, ok := stringField(m, "response_id", "id")
	if !ok {
		return errors.New("missing response_id")
	}
	p.ResponseId = id
	p.Transcript, _ = stringField(m, "transcript")
	return nil
}

// response.function_call_arguments.delta
type FunctionCallDeltaParam struct {
	CallId string
	Delta  string
}

func (p *FunctionCallDeltaParam) New(m map[string]any) error {
	id, ok := stringField(m, "call_id")
	if !ok {
		return errors.New("missing call_id")
	}
	p.CallId = id
	p.Delta, _ = stringField(m, "delta")
	return nil
}

// response.function_call_arguments.done. Arguments may be empty when the
// terminal event relies on previously streamed deltas.
type FunctionCallDoneParam struct {
	CallId    string
	Name      string
	Arguments string
}

func (p *FunctionCallDoneParam) New(m map[string]any) error {
	p.CallId, _ = stringField(m, "call_id")
	p.Name, _ = stringField(m, "name")
	p.Arguments, _ = stringField(m, "arguments")
	return nil
}

// webrtc.offer / webrtc.answer
type SignalDescriptionParam struct {
	SDP string
}

func (p *SignalDescriptionParam) New(m map[string]any) error {
	sdp, ok := stringField(m, "sdp")
	if !ok || sdp == "" {
		return errors.New("missing sdp")
	}
	p.SDP = sdp
	return nil
}

// webrtc.ice_candidate. The candidate may arrive nested under "candidate"
// (an RTCIceCandidateInit object) or flattened at the payload level.
type SignalCandidateParam struct {
	Candidate     string
	SDPMid        *string
	SDPMLineIndex *uint16
}

func (p *SignalCandidateParam) New(m map[string]any) error {
	if nested, ok := m["candidate"].(map[string]any); ok {
		m = nested
	}
	candidate, ok := stringField(m, "candidate")
	if !ok {
		return errors.New("missing candidate")
	}
	p.Candidate = candidate
	if mid, ok := stringField(m, "sdpMid", "sdp_mid"); ok {
		p.SDPMid = &mid
	}
	for _, key := range []string{"sdpMLineIndex", "sdp_mline_index"} {
		if f, ok := m[key].(float64); ok {
			idx := uint16(f)
			p.SDPMLineIndex = &idx
			break
		}
	}
	return nil
}

// connection.close
type CloseParam struct {
	Reason string
}

func (p *CloseParam) New(m map[string]any) error {
	p.Reason, _ = stringField(m, "reason", "message")
	return nil
}
