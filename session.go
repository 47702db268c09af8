package kiosk

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bt-bridge/kiosk-realtime/shared"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Status is the session lifecycle state. Transitions are driven only by the
// session itself: Idle -> Connecting -> Connected -> {Idle, Error}; Error
// resets to a fresh attempt only through a user-initiated Connect.
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

const (
	// hangupDelay defers a remote-requested hangup past the end of the
	// assistant's farewell audio.
	hangupDelay = 5 * time.Second
	// contextReplayLimit caps how many prior user messages are replayed to
	// the remote after session.created.
	contextReplayLimit = 3

	defaultHangupReason = "The guest ended the conversation."
	defaultSTUNServer   = "stun:stun.l.google.com:19302"

	toolEndConversation = "end_conversation"
)

// Collaborators are the session's injected dependencies. Zero fields fall
// back to the production implementations (and a no-op sink/history).
type Collaborators struct {
	Dialer  TransportDialer
	Media   MediaFactory
	Audio   AudioFactory
	Clock   Clock
	History HistoryStore
	Sink    MediaSink
}

// Session is the realtime session orchestrator. It owns the control
// transport, the chat log, the fragment reconciler, and drives the media
// channel and the audio pipeline under a single lifecycle.
//
// Every state mutation happens under mu; async completions (dial, microphone
// start, timer fire) re-check the session epoch or the live resource identity
// before mutating, so a completion that outlived its session is discarded.
type Session struct {
	logger  shared.LoggerAdapter
	cfg     *Config
	dialer  TransportDialer
	media   MediaFactory
	audio   AudioFactory
	clock   Clock
	history HistoryStore
	sink    MediaSink

	mu            sync.Mutex
	status        Status
	errMsg        string
	epoch         uint64
	transport     ControlTransport
	peer          MediaChannel
	pipeline      AudioPipeline
	messages      []ChatMessage
	rec           *Reconciler
	iceServers    []webrtc.ICEServer
	iceRefreshed  bool
	pendingUserID string
	speaking      bool
	thinking      bool
	hangupReason  string
	hangupTimer   Timer
	onUpdate      func()
}

// NewSession builds an idle session. The previously persisted transcript, if
// any, seeds the chat log.
func NewSession(logger shared.LoggerAdapter, cfg *Config, collab Collaborators) (*Session, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg == nil {
		return nil, shared.ErrNoConfig
	}
	s := &Session{
		logger:  logger,
		cfg:     cfg,
		dialer:  collab.Dialer,
		media:   collab.Media,
		audio:   collab.Audio,
		clock:   collab.Clock,
		history: collab.History,
		sink:    collab.Sink,
		rec:     NewReconciler(),
		status:  StatusIdle,
	}
	if s.dialer == nil {
		s.dialer = NewWebsocketDialer(logger)
	}
	if s.media == nil {
		s.media = NewPeerChannel
	}
	if s.audio == nil {
		s.audio = NewCapturePipeline
	}
	if s.clock == nil {
		s.clock = SystemClock()
	}
	if s.history != nil {
		messages, err := s.history.Load()
		if err != nil {
			logger.Warn("loading chat history", zap.Error(err))
		} else {
			s.messages = messages
		}
	}
	return s, nil
}

// OnUpdate registers a hook fired (on its own goroutine) after each state
// change, for UI refreshes.
func (s *Session) OnUpdate(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUpdate = fn
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Active reports whether a call is fully established.
func (s *Session) Active() bool {
	return s.Status() == StatusConnected
}

func (s *Session) Connecting() bool {
	return s.Status() == StatusConnecting
}

// Configured reports whether an access credential is present.
func (s *Session) Configured() bool {
	return s.cfg.Configured()
}

func (s *Session) ErrorMessage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errMsg
}

func (s *Session) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

func (s *Session) Thinking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.thinking
}

// Messages returns a snapshot of the chat log.
func (s *Session) Messages() []ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChatMessage, len(s.messages))
	copy(out, s.messages)
	return out
}

// Connect starts a new call attempt. It is an idempotent no-op while a call
// is already connecting or connected, and refuses to start without an access
// credential. From an error state it resets and retries.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.status {
	case StatusConnecting, StatusConnected:
		return nil
	}
	if !s.cfg.Configured() {
		s.errMsg = "missing access credential"
		s.notifyLocked()
		return shared.ErrNoCredential
	}

	s.rec.Reset()
	s.cancelHangupLocked()
	s.iceServers = []webrtc.ICEServer{{URLs: []string{defaultSTUNServer}}}
	s.iceRefreshed = false
	s.errMsg = ""
	s.epoch++
	s.status = StatusConnecting

	peer := s.media(s.logger, s.sink)
	peer.SetICEServers(s.iceServers)
	peer.Bind(MediaEvents{
		OnLocalCandidate: func(init webrtc.ICECandidateInit) { s.onLocalCandidate(peer, init) },
		OnLocalOffer:     func(sdp string) { s.onLocalOffer(peer, sdp) },
	})
	s.peer = peer

	go s.dial(ctx, s.epoch)
	s.notifyLocked()
	return nil
}

// dial runs the asynchronous part of connect: the optional ticket exchange
// and the websocket dial. Completion is discarded when the session has moved
// on (epoch mismatch).
func (s *Session) dial(ctx context.Context, epoch uint64) {
	token := s.cfg.LicenseKey
	if s.cfg.TicketPath != "" {
		issued, err := FetchSessionTicket(ctx, s.logger, s.cfg)
		if err != nil {
			s.failDial(epoch, "authorizing session: "+err.Error())
			return
		}
		token = issued
	}
	rawURL, err := s.cfg.ControlURL()
	if err != nil {
		s.failDial(epoch, "building control URL: "+err.Error())
		return
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	transport, err := s.dialer.Dial(ctx, rawURL, header)

	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		// Superseded while dialing; do not resurrect a dead session.
		if err == nil {
			transport.Bind(TransportEvents{})
			if closeErr := transport.Close(); closeErr != nil {
				s.logger.Warn("closing superseded transport", zap.Error(closeErr))
			}
		}
		return
	}
	if err != nil {
		s.teardownLocked(StatusError, "opening control channel: "+err.Error())
		s.mu.Unlock()
		return
	}
	s.transport = transport
	s.mu.Unlock()

	// Bound outside the lock: the first bind replays any frames the remote
	// sent before it, and their handlers take the lock again.
	transport.Bind(TransportEvents{
		OnMessage: func(data []byte, text bool) { s.onTransportMessage(transport, data, text) },
		OnError:   func(err error) { s.onTransportError(transport, err) },
		OnClose:   func() { s.onTransportClose(transport) },
	})
	s.logger.Info("control channel open", zap.String("url", rawURL))
}

func (s *Session) failDial(epoch uint64, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		return
	}
	s.teardownLocked(StatusError, reason)
}

// Disconnect tears the session down to idle. Safe to call in any state, any
// number of times, including from inside event handlers.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownLocked(StatusIdle, "")
}

// ToggleSession disconnects an active or connecting call, otherwise connects.
func (s *Session) ToggleSession(ctx context.Context) error {
	s.mu.Lock()
	active := s.status == StatusConnecting || s.status == StatusConnected
	s.mu.Unlock()
	if active {
		s.Disconnect()
		return nil
	}
	return s.Connect(ctx)
}

// SendTextMessage appends a user message and asks the remote for a response.
// Blank input is ignored.
func (s *Session) SendTextMessage(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport == nil {
		s.errMsg = "not connected"
		s.notifyLocked()
		return shared.ErrNotConnected
	}
	s.messages = append(s.messages, ChatMessage{
		Id:        uuid.NewString(),
		Role:      RoleUser,
		Text:      text,
		Timestamp: s.clock.Now(),
	})
	s.saveHistoryLocked()
	s.sendEventLocked(ClientEventTypeConversationItemCreate, map[string]any{
		"item": userTextItem(text),
	})
	s.sendEventLocked(ClientEventTypeResponseCreate, nil)
	s.thinking = true
	s.notifyLocked()
	return nil
}

// ClearHistory empties the chat log and its persisted copy.
func (s *Session) ClearHistory() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	s.saveHistoryLocked()
	s.notifyLocked()
}

// ----- transport callbacks -----

func (s *Session) onTransportMessage(t ControlTransport, data []byte, text bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport != t {
		return
	}
	if !text {
		s.logger.Trace("ignoring binary control frame", zap.Int("bytes", len(data)))
		return
	}
	event, err := DecodeServerEvent(data)
	if err != nil {
		// Decode failures are soft: log, drop, carry on.
		s.logger.Error("decoding control frame", err, zap.ByteString("data", data))
		return
	}
	s.handleEventLocked(event)
}

func (s *Session) onTransportError(t ControlTransport, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport != t {
		return
	}
	s.teardownLocked(StatusError, "control channel error: "+err.Error())
}

func (s *Session) onTransportClose(t ControlTransport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport != t {
		return
	}
	s.teardownLocked(StatusError, "connection closed unexpectedly")
}

// ----- media callbacks -----

func (s *Session) onLocalCandidate(peer MediaChannel, init webrtc.ICECandidateInit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peer != peer {
		return
	}
	payload := map[string]any{"candidate": init.Candidate}
	if init.SDPMid != nil {
		payload["sdpMid"] = *init.SDPMid
	}
	if init.SDPMLineIndex != nil {
		payload["sdpMLineIndex"] = *init.SDPMLineIndex
	}
	s.sendEventLocked(ClientEventTypeWebRTCICECandidate, payload)
}

func (s *Session) onLocalOffer(peer MediaChannel, sdp string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peer != peer {
		return
	}
	s.sendEventLocked(ClientEventTypeWebRTCOffer, map[string]any{"sdp": sdp, "type": "offer"})
}

// emitAudioChunk is the audio pipeline's sink. The open check happens at send
// time; frames produced while the channel is closed are dropped, not queued.
func (s *Session) emitAudioChunk(chunk string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusConnected || s.transport == nil {
		return
	}
	s.sendEventLocked(ClientEventTypeInputAudioBufferAppend, map[string]any{"audio": chunk})
}

// ----- inbound event dispatch -----

func (s *Session) handleEventLocked(event *ServerEvent) {
	s.logger.Trace("received event", zap.String("type", string(event.Type)))
	switch event.Type {
	case ServerEventTypeConnectionSuccess:
		s.handleConnectionSuccessLocked(event)
	case ServerEventTypeConnectionFailed:
		s.teardownLocked(StatusError, remoteMessage(event, "connection failed"))
	case ServerEventTypeInsufficientBalance:
		s.teardownLocked(StatusError, remoteMessage(event, "insufficient balance"))
	case ServerEventTypeError:
		s.teardownLocked(StatusError, remoteMessage(event, "remote error"))
	case ServerEventTypeConnectionClose:
		s.teardownLocked(StatusIdle, "")
	case ServerEventTypeSessionCreated:
		s.sendSessionUpdateLocked()
		s.replayContextLocked()
	case ServerEventTypeSessionUpdated:
		s.handleSessionUpdatedLocked()
	case ServerEventTypeInputAudioBufferSpeechStarted:
		s.handleSpeechStartedLocked()
	case ServerEventTypeInputAudioBufferSpeechStopped:
		s.speaking = false
		s.notifyLocked()
	case ServerEventTypeConversationItemInputAudioTranscriptionCompleted:
		s.handleTranscriptionCompletedLocked(event)
	case ServerEventTypeResponseOutputAudioTranscriptDelta:
		s.handleTranscriptDeltaLocked(event)
	case ServerEventTypeResponseOutputAudioTranscriptDone:
		s.handleTranscriptDoneLocked(event)
	case ServerEventTypeResponseOutputAudioDelta:
		// Assistant audio travels over the peer media channel; the control
		// copy is ignored.
	case ServerEventTypeResponseOutputAudioDone, ServerEventTypeResponseDone:
		s.thinking = false
		s.attemptAutoHangupLocked()
		s.notifyLocked()
	case ServerEventTypeResponseFunctionCallArgumentsDelta:
		s.handleFunctionCallDeltaLocked(event)
	case ServerEventTypeResponseFunctionCallArgumentsDone:
		s.handleFunctionCallDoneLocked(event)
	case ServerEventTypeWebRTCOffer:
		s.handleRemoteOfferLocked(event)
	case ServerEventTypeWebRTCAnswer:
		s.handleRemoteAnswerLocked(event)
	case ServerEventTypeWebRTCICECandidate:
		s.handleRemoteCandidateLocked(event)
	default:
		// Unknown tags are accepted for forward compatibility.
		s.logger.Debug("ignoring unknown event", zap.String("type", string(event.Type)))
	}
}

func remoteMessage(event *ServerEvent, fallback string) string {
	var p ErrorParam
	_ = p.New(event.Data)
	if p.Message != "" {
		return p.Message
	}
	return fallback
}

func (s *Session) handleConnectionSuccessLocked(event *ServerEvent) {
	var p ConnectionSuccessParam
	if err := p.New(event.Data); err != nil {
		s.logger.Error("parsing connection.success", err)
		return
	}
	// The ICE server set refreshes at most once per handshake.
	if s.iceRefreshed || len(p.ICEServers) == 0 {
		return
	}
	servers := make([]webrtc.ICEServer, 0, len(p.ICEServers))
	for _, desc := range p.ICEServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       desc.URLs,
			Username:   desc.Username,
			Credential: desc.Credential,
		})
	}
	s.iceServers = servers
	s.iceRefreshed = true
	if s.peer != nil {
		s.peer.SetICEServers(servers)
	}
	s.logger.Info("ICE servers refreshed", zap.Int("count", len(servers)))
}

func (s *Session) handleSessionUpdatedLocked() {
	if s.status != StatusConnecting {
		return
	}
	s.status = StatusConnected
	s.startAudioLocked()
	s.notifyLocked()
}

func (s *Session) startAudioLocked() {
	pipeline := s.audio(s.logger, s.emitAudioChunk)
	s.pipeline = pipeline
	epoch := s.epoch
	go func() {
		err := pipeline.Start(context.Background())
		if err == nil {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.epoch != epoch || s.pipeline != pipeline {
			return
		}
		s.teardownLocked(StatusError, "acquiring microphone: "+err.Error())
	}()
}

func (s *Session) handleSpeechStartedLocked() {
	s.speaking = true
	// At most one live "listening" placeholder exists at a time.
	if s.pendingUserID == "" {
		id := uuid.NewString()
		s.messages = append(s.messages, ChatMessage{
			Id:        id,
			Role:      RoleUser,
			Streaming: true,
			Timestamp: s.clock.Now(),
		})
		s.pendingUserID = id
		s.saveHistoryLocked()
	}
	s.notifyLocked()
}

func (s *Session) handleTranscriptionCompletedLocked(event *ServerEvent) {
	var p TranscriptionCompletedParam
	if err := p.New(event.Data); err != nil {
		s.logger.Error("parsing transcription completion", err)
		return
	}
	text := strings.TrimSpace(p.Transcript)
	if s.pendingUserID != "" {
		idx := s.messageIndexLocked(s.pendingUserID)
		switch {
		case idx < 0:
			// Placeholder vanished (history cleared mid-call); fall through
			// to appending a fresh message below.
		case text == "":
			// An empty transcription removes the placeholder outright.
			s.messages = append(s.messages[:idx], s.messages[idx+1:]...)
		default:
			s.messages[idx].Text = text
			s.messages[idx].Streaming = false
		}
		if idx >= 0 {
			s.pendingUserID = ""
			s.thinking = text != ""
			s.saveHistoryLocked()
			s.notifyLocked()
			return
		}
		s.pendingUserID = ""
	}
	if text != "" {
		id := p.ItemId
		if id == "" {
			id = uuid.NewString()
		}
		s.messages = append(s.messages, ChatMessage{
			Id:        id,
			Role:      RoleUser,
			Text:      text,
			Timestamp: s.clock.Now(),
		})
		s.thinking = true
		s.saveHistoryLocked()
	}
	s.notifyLocked()
}

func (s *Session) handleTranscriptDeltaLocked(event *ServerEvent) {
	var p TranscriptDeltaParam
	if err := p.New(event.Data); err != nil {
		s.logger.Error("parsing transcript delta", err)
		return
	}
	accumulated := s.rec.AppendTranscript(p.ResponseId, p.Delta)
	idx := s.messageIndexLocked(p.ResponseId)
	if idx < 0 {
		s.messages = append(s.messages, ChatMessage{
			Id:        p.ResponseId,
			Role:      RoleAssistant,
			Streaming: true,
			Timestamp: s.clock.Now(),
		})
		idx = len(s.messages) - 1
	}
	s.messages[idx].Text = accumulated
	s.thinking = true
	s.saveHistoryLocked()
	s.notifyLocked()
}

func (s *Session) handleTranscriptDoneLocked(event *ServerEvent) {
	var p TranscriptDoneParam
	if err := p.New(event.Data); err != nil {
		s.logger.Error("parsing transcript done", err)
		return
	}
	idx := s.messageIndexLocked(p.ResponseId)
	if idx < 0 {
		return
	}
	if final := strings.TrimSpace(p.Transcript); final != "" {
		s.messages[idx].Text = final
	}
	s.messages[idx].Streaming = false
	s.saveHistoryLocked()
	s.notifyLocked()
}

// ----- tool-call dispatch -----

func (s *Session) handleFunctionCallDeltaLocked(event *ServerEvent) {
	var p FunctionCallDeltaParam
	if err := p.New(event.Data); err != nil {
		s.logger.Error("parsing function-call delta", err)
		return
	}
	s.rec.AppendCallArgs(p.CallId, p.Delta)
}

func (s *Session) handleFunctionCallDoneLocked(event *ServerEvent) {
	var p FunctionCallDoneParam
	if err := p.New(event.Data); err != nil {
		s.logger.Error("parsing function-call done", err)
		return
	}
	arguments := p.Arguments
	buffered := s.rec.TakeCallArgs(p.CallId) // retired unconditionally
	if arguments == "" {
		arguments = buffered
	}
	args := map[string]any{}
	if arguments != "" {
		if err := sonic.UnmarshalString(arguments, &args); err != nil {
			s.logger.Error("parsing tool arguments", err, zap.String("arguments", arguments))
			args = map[string]any{}
		}
	}
	if p.Name == "" {
		if p.CallId != "" {
			s.sendFunctionResultLocked(p.CallId, "ignored: missing function name")
		}
		return
	}
	switch p.Name {
	case toolEndConversation:
		reason, _ := args["reason"].(string)
		reason = strings.TrimSpace(reason)
		if reason == "" {
			reason = defaultHangupReason
		}
		s.cancelHangupLocked()
		s.hangupReason = reason
		s.logger.Info("hangup requested", zap.String("reason", reason))
		if p.CallId != "" {
			s.sendFunctionResultLocked(p.CallId, "acknowledged: the call will end after the farewell")
		}
	default:
		// Unrecognized tools never terminate the session.
		s.logger.Warn("unhandled function call", zap.String("name", p.Name))
		if p.CallId != "" {
			s.sendFunctionResultLocked(p.CallId, "ignored: unhandled function "+p.Name)
		}
	}
}

// sendFunctionResultLocked ships a tool result and asks for a new response,
// matching the conversational turn-taking contract.
func (s *Session) sendFunctionResultLocked(callId, output string) {
	s.sendEventLocked(ClientEventTypeConversationItemCreate, map[string]any{
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callId,
			"output":  output,
		},
	})
	s.sendEventLocked(ClientEventTypeResponseCreate, nil)
}

// ----- auto-hangup -----

// attemptAutoHangupLocked (re)arms the deferred hangup. Called on every
// response/audio terminal event; a no-op unless a reason is pending and the
// session is still connected.
func (s *Session) attemptAutoHangupLocked() {
	if s.hangupReason == "" || s.status != StatusConnected {
		return
	}
	if s.hangupTimer != nil {
		s.hangupTimer.Stop()
	}
	epoch := s.epoch
	s.hangupTimer = s.clock.AfterFunc(hangupDelay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.epoch != epoch || s.hangupReason == "" {
			return
		}
		s.logger.Info("auto hangup", zap.String("reason", s.hangupReason))
		s.hangupReason = ""
		s.teardownLocked(StatusIdle, "")
	})
}

func (s *Session) cancelHangupLocked() {
	if s.hangupTimer != nil {
		s.hangupTimer.Stop()
		s.hangupTimer = nil
	}
	s.hangupReason = ""
}

// ----- WebRTC signaling -----

func (s *Session) handleRemoteOfferLocked(event *ServerEvent) {
	var p SignalDescriptionParam
	if err := p.New(event.Data); err != nil {
		s.logger.Error("parsing remote offer", err)
		return
	}
	if s.peer == nil {
		s.logger.Warn("remote offer without a media channel")
		return
	}
	answer, err := s.peer.ApplyOffer(p.SDP)
	if err != nil {
		// The control channel owns the retry/failure path; a signaling
		// failure is not itself fatal.
		s.logger.Error("applying remote offer", err)
		return
	}
	s.sendEventLocked(ClientEventTypeWebRTCAnswer, map[string]any{"sdp": answer, "type": "answer"})
}

func (s *Session) handleRemoteAnswerLocked(event *ServerEvent) {
	var p SignalDescriptionParam
	if err := p.New(event.Data); err != nil {
		s.logger.Error("parsing remote answer", err)
		return
	}
	if s.peer == nil {
		s.logger.Warn("remote answer without a media channel")
		return
	}
	if err := s.peer.ApplyAnswer(p.SDP); err != nil {
		s.logger.Error("applying remote answer", err)
	}
}

func (s *Session) handleRemoteCandidateLocked(event *ServerEvent) {
	var p SignalCandidateParam
	if err := p.New(event.Data); err != nil {
		s.logger.Error("parsing remote ICE candidate", err)
		return
	}
	if s.peer == nil {
		s.logger.Debug("dropping early ICE candidate")
		return
	}
	err := s.peer.AddCandidate(webrtc.ICECandidateInit{
		Candidate:     p.Candidate,
		SDPMid:        p.SDPMid,
		SDPMLineIndex: p.SDPMLineIndex,
	})
	if err != nil {
		s.logger.Warn("dropping ICE candidate", zap.Error(err))
	}
}

// ----- handshake replies -----

func (s *Session) sendSessionUpdateLocked() {
	raw, err := s.cfg.sessionParam().MarshalJSON()
	if err != nil {
		s.logger.Error("marshaling session config", err)
		return
	}
	var session map[string]any
	if err := sonic.Unmarshal(raw, &session); err != nil {
		s.logger.Error("unmarshaling session config", err)
		return
	}
	session["tools"] = []map[string]any{{
		"type":        "function",
		"name":        toolEndConversation,
		"description": "End the current conversation once the guest is done. Call this only after saying goodbye.",
		"parameters": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"reason": map[string]any{
					"type":        "string",
					"description": "Short reason the conversation ended.",
				},
			},
		},
	}}
	s.sendEventLocked(ClientEventTypeSessionUpdate, map[string]any{"session": session})
}

// replayContextLocked re-sends up to the last contextReplayLimit finalized
// user messages so the remote picks the conversation back up.
func (s *Session) replayContextLocked() {
	var replay []string
	for i := len(s.messages) - 1; i >= 0 && len(replay) < contextReplayLimit; i-- {
		m := s.messages[i]
		if m.Role != RoleUser || m.Streaming || strings.TrimSpace(m.Text) == "" {
			continue
		}
		replay = append(replay, m.Text)
	}
	for i := len(replay) - 1; i >= 0; i-- {
		s.sendEventLocked(ClientEventTypeConversationItemCreate, map[string]any{
			"item": userTextItem(replay[i]),
		})
	}
}

func userTextItem(text string) map[string]any {
	return map[string]any{
		"type": "message",
		"role": "user",
		"content": []map[string]any{
			{"type": "input_text", "text": text},
		},
	}
}

// ----- internals -----

func (s *Session) messageIndexLocked(id string) int {
	for i := range s.messages {
		if s.messages[i].Id == id {
			return i
		}
	}
	return -1
}

func (s *Session) sendEventLocked(t ClientEventType, data map[string]any) {
	if s.transport == nil {
		return
	}
	raw, err := EncodeClientEvent(t, data)
	if err != nil {
		s.logger.Error("encoding client event", err, zap.String("type", string(t)))
		return
	}
	if err := s.transport.Send(raw); err != nil {
		s.logger.Warn("sending client event", zap.String("type", string(t)), zap.Error(err))
	}
}

func (s *Session) saveHistoryLocked() {
	if s.history == nil {
		return
	}
	snapshot := make([]ChatMessage, len(s.messages))
	copy(snapshot, s.messages)
	if err := s.history.Save(snapshot); err != nil {
		s.logger.Warn("saving chat history", zap.Error(err))
	}
}

func (s *Session) notifyLocked() {
	if s.onUpdate != nil {
		go s.onUpdate()
	}
}

// settleStreamingLocked resolves chat entries that were still streaming when
// the session ended. The listening placeholder has no transcript coming
// anymore and is dropped; a partially streamed assistant transcript is kept
// and finalized.
func (s *Session) settleStreamingLocked() {
	changed := false
	if s.pendingUserID != "" {
		if idx := s.messageIndexLocked(s.pendingUserID); idx >= 0 {
			s.messages = append(s.messages[:idx], s.messages[idx+1:]...)
			changed = true
		}
		s.pendingUserID = ""
	}
	for i := range s.messages {
		if s.messages[i].Streaming {
			s.messages[i].Streaming = false
			changed = true
		}
	}
	if changed {
		s.saveHistoryLocked()
	}
}

// teardownLocked releases every downstream resource and settles the session
// in the given status. It is idempotent and total: each resource is detached
// (callbacks cleared) before it is closed, so a close-triggered callback can
// never re-enter teardown.
func (s *Session) teardownLocked(status Status, reason string) {
	s.epoch++
	if s.pipeline != nil {
		pipeline := s.pipeline
		s.pipeline = nil
		// Stopped off the lock: the capture device joins its data callback,
		// which may be blocked on this mutex right now.
		go pipeline.Stop()
	}
	if s.transport != nil {
		transport := s.transport
		s.transport = nil
		transport.Bind(TransportEvents{})
		if err := transport.Close(); err != nil {
			s.logger.Warn("closing control transport", zap.Error(err))
		}
	}
	if s.peer != nil {
		peer := s.peer
		s.peer = nil
		peer.Bind(MediaEvents{})
		if err := peer.Close(); err != nil {
			s.logger.Warn("closing media channel", zap.Error(err))
		}
	}
	if s.sink != nil {
		s.sink.Clear()
	}
	s.rec.Reset()
	s.settleStreamingLocked()
	s.cancelHangupLocked()
	s.speaking = false
	s.thinking = false
	s.status = status
	s.errMsg = reason
	s.notifyLocked()
}
