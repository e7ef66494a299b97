package audio

import (
	"fmt"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "16000Hz mono".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// SpeechFormat is what transcription backends expect: 16 kHz mono PCM16.
var SpeechFormat = Format{SampleRate: 16000, Channels: 1}

// PCM is a buffer of interleaved signed 16-bit little-endian samples.
type PCM struct {
	Data []byte
	Format
}

// Normalize converts p to target. Multichannel input is down-mixed first so
// only one channel has to be resampled. Only mono targets are supported.
func Normalize(p PCM, target Format) (PCM, error) {
	if target.Channels != 1 {
		return PCM{}, fmt.Errorf("audio: unsupported target %s", target)
	}
	if p.Channels <= 0 || p.SampleRate <= 0 {
		return PCM{}, fmt.Errorf("audio: invalid source format %s", p.Format)
	}
	frame := 2 * p.Channels
	if len(p.Data)%frame != 0 {
		return PCM{}, fmt.Errorf("audio: %d bytes is not a whole number of %s frames", len(p.Data), p.Format)
	}

	pcm := p.Data
	switch p.Channels {
	case 1:
	case 2:
		pcm = StereoToMono(pcm)
	default:
		pcm = DownmixToMono(pcm, p.Channels)
	}
	pcm = ResampleMono16(pcm, p.SampleRate, target.SampleRate)
	return PCM{Data: pcm, Format: target}, nil
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
// Uses int32 arithmetic to prevent overflow and clamps to int16 range.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(sampleAt(pcm, i*2))
		r := int32(sampleAt(pcm, i*2+1))
		putSample(out, i, clamp16((l+r)/2))
	}
	return out
}

// DownmixToMono averages every channel of each frame.
func DownmixToMono(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	frames := len(pcm) / (2 * channels)
	out := make([]byte, frames*2)
	for i := range frames {
		var sum int32
		for c := range channels {
			sum += int32(sampleAt(pcm, i*channels+c))
		}
		putSample(out, i, clamp16(sum/int32(channels)))
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. If srcRate == dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := sampleAt(pcm, srcIdx)
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = sampleAt(pcm, srcIdx+1)
		}
		putSample(out, i, int16(float64(s0)*(1-frac)+float64(s1)*frac))
	}
	return out
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
}

func putSample(pcm []byte, i int, v int16) {
	pcm[i*2] = byte(v)
	pcm[i*2+1] = byte(v >> 8)
}

func clamp16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
