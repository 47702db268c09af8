package agents

import (
	"context"
	"errors"
	"sync"

	pkg "github.com/bt-bridge/kiosk-realtime"
	"github.com/bt-bridge/kiosk-realtime/shared"
	"github.com/bt-bridge/kiosk-realtime/tools"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Playback configuration
const (
	playbackOtoBufferMs       int = 100
	playbackRingBufferSeconds int = 2
)

// playbackSink renders the assistant's incoming audio tracks on the default
// output device. Video tracks are acknowledged and left to the embedder.
type playbackSink struct {
	logger shared.LoggerAdapter

	mu     sync.Mutex
	cancel context.CancelFunc
}

func newPlaybackSink(logger shared.LoggerAdapter) *playbackSink {
	return &playbackSink{logger: logger}
}

func (s *playbackSink) AttachTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		s.logger.Info("ignoring non-audio track", zap.String("kind", track.Kind().String()))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go tools.PlayRemoteTrack(ctx, s.logger, track, playbackOtoBufferMs, playbackRingBufferSeconds)
}

func (s *playbackSink) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// KioskAgent wires a Session to real collaborators: microphone capture,
// speaker playback, file-backed chat history and a transcript printer.
type KioskAgent struct {
	logger  shared.LoggerAdapter
	printer *shared.Printer
	session *pkg.Session
	sink    *playbackSink

	mu        sync.Mutex
	printed   map[string]bool
	wasActive bool
	done      chan struct{}
	doneOnce  sync.Once
}

func (a *KioskAgent) Spawn(
	ctx context.Context,
	logger shared.LoggerAdapter,
	cfg *pkg.Config,
	printer *shared.Printer,
) (<-chan struct{}, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg == nil {
		return nil, shared.ErrNoConfig
	}
	if printer == nil {
		return nil, errors.New("no printer provided")
	}
	a.logger = logger
	a.printer = printer
	a.printed = make(map[string]bool)
	a.done = make(chan struct{})
	a.sink = newPlaybackSink(logger)
	a.logger.Info("spawning kiosk agent")
	if err := a.printer.Writeln("🤖 Spawning kiosk agent...\n", 0); err != nil {
		a.logger.Error("printing spawning message", err)
	}

	session, err := pkg.NewSession(logger, cfg, pkg.Collaborators{
		History: pkg.NewFileHistoryStore(cfg.HistoryPath),
		Sink:    a.sink,
	})
	if err != nil {
		a.logger.Error("creating session", err)
		return nil, err
	}
	a.session = session
	session.OnUpdate(a.onUpdate)

	if err := session.Connect(ctx); err != nil {
		a.logger.Error("connecting session", err)
		return nil, err
	}
	if err := a.printer.Writeln("📞 Connecting...\n", 0); err != nil {
		a.logger.Error("printing connecting message", err)
	}
	return a.done, nil
}

// SendText forwards one line of typed guest input to the session.
func (a *KioskAgent) SendText(text string) error {
	if a.session == nil {
		return shared.ErrNotConnected
	}
	return a.session.SendTextMessage(text)
}

// Done closes once the call has ended, whether remotely or via Close.
func (a *KioskAgent) Done() <-chan struct{} {
	return a.done
}

func (a *KioskAgent) Close() error {
	if a.session != nil {
		a.session.Disconnect()
	}
	if a.sink != nil {
		a.sink.Clear()
	}
	a.doneOnce.Do(func() { close(a.done) })
	return nil
}

// onUpdate prints each newly finalized transcript entry and resolves Done
// when an established call winds back down to idle.
func (a *KioskAgent) onUpdate() {
	status := a.session.Status()
	messages := a.session.Messages()

	a.mu.Lock()
	if status == pkg.StatusConnected {
		a.wasActive = true
	}
	ended := a.wasActive && status == pkg.StatusIdle
	var fresh []pkg.ChatMessage
	for _, m := range messages {
		if m.Streaming || m.Text == "" || a.printed[m.Id] {
			continue
		}
		a.printed[m.Id] = true
		fresh = append(fresh, m)
	}
	a.mu.Unlock()

	for _, m := range fresh {
		if err := a.printer.Message(string(m.Role), m.Text); err != nil {
			a.logger.Error("printing transcript entry", err)
		}
	}
	if status == pkg.StatusError {
		if err := a.printer.Writeln("❌ "+a.session.ErrorMessage(), 0); err != nil {
			a.logger.Error("printing error message", err)
		}
		ended = true
	}
	if ended {
		a.doneOnce.Do(func() { close(a.done) })
	}
}
