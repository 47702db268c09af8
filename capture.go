package kiosk

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bt-bridge/kiosk-realtime/shared"
	"github.com/bt-bridge/kiosk-realtime/tools"
	"github.com/gen2brain/malgo"
	"go.uber.org/zap"
)

// Wire audio format: 24 kHz mono PCM16LE, shipped base64-encoded in chunks of
// at most audioChunkSize characters per control-channel frame.
const (
	captureSampleRate = 24000
	captureChannels   = 1
	audioChunkSize    = 8192
)

// AudioPipeline captures microphone audio and emits transport-ready chunks.
// Start is a no-op when already running; Stop releases every native resource
// and is safe to call repeatedly.
type AudioPipeline interface {
	Start(ctx context.Context) error
	Stop()
}

// AudioFactory builds an AudioPipeline whose encoded chunks are delivered to
// emit. The emitter owns the "is the channel still open" check.
type AudioFactory func(logger shared.LoggerAdapter, emit func(chunk string)) AudioPipeline

// NewCapturePipeline is the production AudioFactory backed by malgo.
func NewCapturePipeline(logger shared.LoggerAdapter, emit func(chunk string)) AudioPipeline {
	return &capturePipeline{logger: logger, emit: emit}
}

type capturePipeline struct {
	logger shared.LoggerAdapter
	emit   func(chunk string)

	mu      sync.Mutex
	actx    *malgo.AllocatedContext
	device  *malgo.Device
	running bool
	stopped atomic.Bool
}

var _ AudioPipeline = (*capturePipeline)(nil)

func (p *capturePipeline) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	p.stopped.Store(false)

	actx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("initializing audio context: %w", err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = captureChannels
	deviceConfig.SampleRate = captureSampleRate
	deviceConfig.PeriodSizeInMilliseconds = 20
	deviceConfig.Alsa.NoMMap = 1

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			if p.stopped.Load() {
				return
			}
			pcm := tools.PCM16FromFloat32(tools.Float32FromLE(input))
			for _, chunk := range tools.EncodeChunks(pcm, audioChunkSize) {
				p.emit(chunk)
			}
		},
	}

	device, err := malgo.InitDevice(actx.Context, deviceConfig, callbacks)
	if err != nil {
		if uninitErr := actx.Uninit(); uninitErr != nil {
			p.logger.Warn("uninitializing audio context", zap.Error(uninitErr))
		}
		actx.Free()
		return fmt.Errorf("acquiring microphone: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		if uninitErr := actx.Uninit(); uninitErr != nil {
			p.logger.Warn("uninitializing audio context", zap.Error(uninitErr))
		}
		actx.Free()
		return fmt.Errorf("starting microphone capture: %w", err)
	}

	p.actx = actx
	p.device = device
	p.running = true
	p.logger.Info(
		"microphone capture started",
		zap.Uint32("sampleRate", captureSampleRate),
		zap.Int("channels", captureChannels),
	)
	return nil
}

func (p *capturePipeline) Stop() {
	// Mark stopped before touching the device so in-flight data callbacks
	// drop their frames instead of emitting into a dying session.
	p.stopped.Store(true)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.device != nil {
		if err := p.device.Stop(); err != nil {
			p.logger.Warn("stopping capture device", zap.Error(err))
		}
		p.device.Uninit()
		p.device = nil
	}
	if p.actx != nil {
		if err := p.actx.Uninit(); err != nil {
			p.logger.Warn("uninitializing audio context", zap.Error(err))
		}
		p.actx.Free()
		p.actx = nil
	}
	p.running = false
}
