package tools

import (
	"context"
	"encoding/binary"
	"io"
	"sync"
	"time"

	"github.com/bt-bridge/kiosk-realtime/shared"
	"github.com/ebitengine/oto/v3"
	"github.com/hraban/opus"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// ringBuffer is a bounded PCM buffer between the RTP reader and the oto
// player. When the player falls behind, the oldest audio is dropped.
type ringBuffer struct {
	buffer []byte
	mu     sync.Mutex
	cond   *sync.Cond
	size   int
	cap    int
	closed bool
}

func newRingBuffer(fixedCap int) *ringBuffer {
	rb := &ringBuffer{
		buffer: make([]byte, 0, fixedCap),
		cap:    fixedCap,
	}
	rb.cond = sync.NewCond(&rb.mu)
	return rb
}

func (rb *ringBuffer) Write(data []byte) (dropped int) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.size+len(data) > rb.cap {
		drop := rb.size + len(data) - rb.cap
		rb.buffer = rb.buffer[drop:]
		rb.size -= drop
		dropped = drop
	}
	rb.buffer = append(rb.buffer, data...)
	rb.size += len(data)
	rb.cond.Signal()
	return dropped
}

// Read blocks until data arrives or the buffer is closed. Remaining data is
// drained before EOF.
func (rb *ringBuffer) Read(p []byte) (n int, err error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	for rb.size == 0 {
		if rb.closed {
			return 0, io.EOF
		}
		rb.cond.Wait()
	}
	n = copy(p, rb.buffer)
	rb.buffer = rb.buffer[n:]
	rb.size -= n
	return n, nil
}

// Close wakes a reader parked in Read so the player goroutine does not
// outlive the track.
func (rb *ringBuffer) Close() {
	rb.mu.Lock()
	rb.closed = true
	rb.cond.Broadcast()
	rb.mu.Unlock()
}

// PlayRemoteTrack decodes the assistant's Opus audio track and plays it on
// the default output device. It returns when the track ends or ctx is done.
func PlayRemoteTrack(ctx context.Context, logger shared.LoggerAdapter, track *webrtc.TrackRemote, otoBufferMs, ringBufferSeconds int) {
	var (
		codec      = track.Codec()
		sampleRate = int(codec.ClockRate)
		channels   = int(codec.Channels)
	)
	logger.Info("playing remote track",
		zap.String("codec", codec.MimeType),
		zap.Int("sampleRate", sampleRate),
		zap.Int("channels", channels),
	)
	decoder, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		logger.Error("creating Opus decoder", err)
		return
	}

	otoCtx, ready, err := oto.NewContext(
		&oto.NewContextOptions{
			SampleRate:   sampleRate,
			ChannelCount: channels,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   time.Duration(otoBufferMs) * time.Millisecond,
		},
	)
	if err != nil {
		logger.Error("creating oto context", err)
		return
	}
	ring := newRingBuffer(ringBufferSeconds * sampleRate * channels * 2)
	defer ring.Close()
	pcm := make([]int16, FrameSamples(time.Duration(otoBufferMs)*time.Millisecond, sampleRate, channels))

	<-ready
	player := otoCtx.NewPlayer(ring)
	player.Play()
	defer func() { _ = player.Close() }()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		rtp, _, err := track.ReadRTP()
		if err != nil {
			if err != io.EOF {
				logger.Error("reading RTP packet", err)
			}
			return
		}
		if len(rtp.Payload) == 0 {
			continue
		}
		n, err := decoder.Decode(rtp.Payload, pcm)
		if err != nil {
			logger.Error("decoding Opus", err)
			continue
		}
		pcmSlice := pcm[:n*channels]
		pcmBytes := make([]byte, len(pcmSlice)*2)
		for i := range len(pcmSlice) {
			binary.LittleEndian.PutUint16(pcmBytes[i*2:], uint16(pcmSlice[i]))
		}
		if dropped := ring.Write(pcmBytes); dropped > 0 {
			logger.Warn("playback buffer dropped data", zap.Int("droppedBytes", dropped))
		}
	}
}
