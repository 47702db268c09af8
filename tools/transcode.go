package tools

import (
	"encoding/base64"
	"encoding/binary"
	"math"
	"time"
)

// PCM16FromFloat32 converts floating-point samples in [-1, 1] to the wire's
// signed 16-bit little-endian encoding. Out-of-range samples are clamped.
func PCM16FromFloat32(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(s * math.MaxInt16)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// Float32FromLE reinterprets little-endian IEEE 754 bytes as float32 samples.
// Trailing bytes that do not form a full sample are ignored.
func Float32FromLE(data []byte) []float32 {
	n := len(data) / 4
	out := make([]float32, n)
	for i := range n {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}

// EncodeChunks base64-encodes pcm and splits the encoded text into chunks of
// at most size characters, so no single control-channel frame grows unbounded.
func EncodeChunks(pcm []byte, size int) []string {
	if len(pcm) == 0 || size <= 0 {
		return nil
	}
	encoded := base64.StdEncoding.EncodeToString(pcm)
	chunks := make([]string, 0, (len(encoded)+size-1)/size)
	for len(encoded) > size {
		chunks = append(chunks, encoded[:size])
		encoded = encoded[size:]
	}
	return append(chunks, encoded)
}

func FrameSamples(duration time.Duration, rate, channels int) int {
	return int(duration.Seconds() * float64(channels) * float64(rate))
}
