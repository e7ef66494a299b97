package audio

import (
	"math"
)

// SilenceFloorDBFS is reported for frames with no energy at all.
const SilenceFloorDBFS = -math.MaxFloat64

// DurationMs returns the length of p in whole milliseconds.
func (p PCM) DurationMs() int {
	if p.SampleRate <= 0 || p.Channels <= 0 {
		return 0
	}
	frames := len(p.Data) / (2 * p.Channels)
	return int(int64(frames) * 1000 / int64(p.SampleRate))
}

// ByteOffset returns the byte offset of the frame that starts at ms,
// clamped to the buffer.
func (p PCM) ByteOffset(ms int) int {
	if ms <= 0 || p.SampleRate <= 0 {
		return 0
	}
	frame := 2 * p.Channels
	off := int(int64(ms)*int64(p.SampleRate)/1000) * frame
	return min(off, len(p.Data)-len(p.Data)%frame)
}

// Slice returns the sub-buffer covering [startMs, endMs). The returned buffer
// shares memory with p.
func (p PCM) Slice(startMs, endMs int) PCM {
	lo, hi := p.ByteOffset(startMs), p.ByteOffset(endMs)
	if hi < lo {
		hi = lo
	}
	return PCM{Data: p.Data[lo:hi], Format: p.Format}
}

// DBFS returns the RMS level of a PCM16 buffer relative to full scale.
// An empty or all-zero buffer yields [SilenceFloorDBFS].
func DBFS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return SilenceFloorDBFS
	}
	var sum float64
	for i := range n {
		v := float64(sampleAt(pcm, i))
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(n))
	if rms == 0 {
		return SilenceFloorDBFS
	}
	return 20 * math.Log10(rms/32768)
}
