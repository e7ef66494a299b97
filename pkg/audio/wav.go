package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	bitsPerSample = 16

	wavFormatPCM        = 1
	wavFormatExtensible = 0xFFFE
)

// ErrNotWAV is returned by [DecodeWAV] when the input has no RIFF/WAVE header.
var ErrNotWAV = errors.New("audio: not a RIFF/WAVE file")

// IsWAV reports whether b starts with a RIFF/WAVE header.
func IsWAV(b []byte) bool {
	return len(b) >= 12 && string(b[0:4]) == "RIFF" && string(b[8:12]) == "WAVE"
}

// DecodeWAV parses a RIFF/WAVE container holding 16-bit integer PCM. Unknown
// chunks (LIST, fact, …) are skipped. The data chunk is returned without
// copying.
func DecodeWAV(b []byte) (PCM, error) {
	if !IsWAV(b) {
		return PCM{}, ErrNotWAV
	}

	var (
		f       Format
		haveFmt bool
	)
	off := 12
	for off+8 <= len(b) {
		id := string(b[off : off+4])
		size := int(binary.LittleEndian.Uint32(b[off+4 : off+8]))
		body := off + 8
		end := body + size
		if size < 0 || end > len(b) {
			// Streamed writers sometimes leave the data size unset; take
			// whatever follows the header.
			if id == "data" && haveFmt {
				end = len(b)
			} else {
				return PCM{}, fmt.Errorf("audio: truncated %q chunk", id)
			}
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return PCM{}, fmt.Errorf("audio: fmt chunk too short (%d bytes)", size)
			}
			tag := binary.LittleEndian.Uint16(b[body : body+2])
			if tag == wavFormatExtensible && size >= 26 {
				tag = binary.LittleEndian.Uint16(b[body+24 : body+26])
			}
			if tag != wavFormatPCM {
				return PCM{}, fmt.Errorf("audio: unsupported WAV format tag %#x", tag)
			}
			f.Channels = int(binary.LittleEndian.Uint16(b[body+2 : body+4]))
			f.SampleRate = int(binary.LittleEndian.Uint32(b[body+4 : body+8]))
			if bps := binary.LittleEndian.Uint16(b[body+14 : body+16]); bps != bitsPerSample {
				return PCM{}, fmt.Errorf("audio: unsupported bit depth %d", bps)
			}
			if f.Channels <= 0 || f.SampleRate <= 0 {
				return PCM{}, fmt.Errorf("audio: invalid format %s", f)
			}
			haveFmt = true

		case "data":
			if !haveFmt {
				return PCM{}, errors.New("audio: data chunk before fmt chunk")
			}
			data := b[body:end]
			frame := 2 * f.Channels
			data = data[:len(data)-len(data)%frame]
			return PCM{Data: data, Format: f}, nil
		}

		// Chunks are word aligned.
		off = end + size%2
	}
	if !haveFmt {
		return PCM{}, errors.New("audio: missing fmt chunk")
	}
	return PCM{}, errors.New("audio: missing data chunk")
}

// EncodeWAV wraps raw 16-bit signed little-endian PCM data in a standard
// RIFF/WAV container.
func EncodeWAV(p PCM) []byte {
	bps := bitsPerSample
	byteRate := p.SampleRate * p.Channels * bps / 8
	blockAlign := p.Channels * bps / 8
	dataSize := len(p.Data)

	buf := make([]byte, 44+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], wavFormatPCM)
	binary.LittleEndian.PutUint16(buf[22:24], uint16(p.Channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(p.SampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bps))

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], p.Data)

	return buf
}
