// Package audio converts between WAV payloads and the sample-array form used on
// the wire: interleaved float32 samples in [-1, 1] at a fixed rate and channel count.
package audio

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const bitDepth = 16

var (
	ErrEmpty    = errors.New("audio payload is empty")
	ErrInvalid  = errors.New("audio payload is not a valid WAV file")
	ErrTooLarge = errors.New("audio payload is too large")
)

// Clip is a decoded audio buffer.
type Clip struct {
	SampleRate int       `json:"sample_rate"`
	Channels   int       `json:"channels"`
	Samples    []float32 `json:"samples"`
}

// Duration reports the playback length of the clip.
func (c Clip) Duration() time.Duration {
	if c.SampleRate <= 0 || c.Channels <= 0 {
		return 0
	}
	frames := len(c.Samples) / c.Channels
	return time.Duration(frames) * time.Second / time.Duration(c.SampleRate)
}

// Clone returns a deep copy so callers can hand the samples to other goroutines.
func (c Clip) Clone() Clip {
	out := c
	out.Samples = append([]float32(nil), c.Samples...)
	return out
}

// DecodeBase64WAV decodes a base64 WAV payload. maxBytes bounds the decoded
// size; zero or less disables the check.
func DecodeBase64WAV(encoded string, maxBytes int) (Clip, []byte, error) {
	if encoded == "" {
		return Clip{}, nil, ErrEmpty
	}
	if maxBytes > 0 && base64.StdEncoding.DecodedLen(len(encoded)) > maxBytes+2 {
		return Clip{}, nil, fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, maxBytes)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Clip{}, nil, fmt.Errorf("decode base64 audio: %w", err)
	}
	if maxBytes > 0 && len(raw) > maxBytes {
		return Clip{}, nil, fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, maxBytes)
	}
	clip, err := DecodeWAV(raw)
	if err != nil {
		return Clip{}, nil, err
	}
	return clip, raw, nil
}

func DecodeWAV(data []byte) (Clip, error) {
	if len(data) == 0 {
		return Clip{}, ErrEmpty
	}
	if err := checkChunks(data); err != nil {
		return Clip{}, err
	}
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return Clip{}, ErrInvalid
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Clip{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if len(buf.Data) == 0 {
		return Clip{}, ErrEmpty
	}
	depth := int(dec.BitDepth)
	if depth <= 0 {
		depth = bitDepth
	}
	scale := float32(int64(1) << (depth - 1))
	samples := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = float32(v) / scale
	}
	return Clip{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		Samples:    samples,
	}, nil
}

// checkChunks walks the RIFF chunk headers and rejects any chunk that claims
// more bytes than the payload holds. The decoder allocates declared sizes up
// front, so this has to run first.
func checkChunks(data []byte) error {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return ErrInvalid
	}
	var sawFmt, sawData bool
	for off := 12; off < len(data); {
		if len(data)-off < 8 {
			return fmt.Errorf("%w: truncated chunk header at offset %d", ErrInvalid, off)
		}
		id := string(data[off : off+4])
		size := uint64(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		remaining := uint64(len(data) - off - 8)
		if size > remaining {
			return fmt.Errorf("%w: chunk %q declares %d bytes, %d remain", ErrInvalid, id, size, remaining)
		}
		switch id {
		case "fmt ":
			sawFmt = true
		case "data":
			sawData = true
		}
		off += 8 + int(size) + int(size&1)
	}
	if !sawFmt || !sawData {
		return fmt.Errorf("%w: missing fmt or data chunk", ErrInvalid)
	}
	return nil
}

// EncodeWAV renders the clip as 16-bit PCM WAV.
func EncodeWAV(c Clip) ([]byte, error) {
	if c.SampleRate <= 0 || c.Channels <= 0 {
		return nil, fmt.Errorf("invalid clip format: %d Hz, %d channels", c.SampleRate, c.Channels)
	}
	var buf bytes.Buffer
	sw := &seekBuffer{buf: &buf}
	enc := wav.NewEncoder(sw, c.SampleRate, bitDepth, c.Channels, 1)

	data := make([]int, len(c.Samples))
	for i, s := range c.Samples {
		data[i] = int(clamp(s) * math.MaxInt16)
	}
	pcm := &goaudio.IntBuffer{
		Data:           data,
		Format:         &goaudio.Format{SampleRate: c.SampleRate, NumChannels: c.Channels},
		SourceBitDepth: bitDepth,
	}
	if err := enc.Write(pcm); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	return buf.Bytes(), nil
}

// FromPCM16 converts little-endian signed 16-bit PCM into a clip.
func FromPCM16(pcm []byte, sampleRate, channels int) (Clip, error) {
	if len(pcm)%2 != 0 {
		return Clip{}, fmt.Errorf("pcm payload not aligned")
	}
	samples := make([]float32, len(pcm)/2)
	for i := range samples {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return Clip{SampleRate: sampleRate, Channels: channels, Samples: samples}, nil
}

// Fingerprint is the hex SHA-256 of the raw reference bytes.
func Fingerprint(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func clamp(s float32) float32 {
	if s > 1 {
		return 1
	}
	if s < -1 {
		return -1
	}
	return s
}

// seekBuffer adapts bytes.Buffer to io.WriteSeeker for the WAV encoder,
// which rewrites the header sizes on Close.
type seekBuffer struct {
	buf *bytes.Buffer
	pos int
}

func (s *seekBuffer) Write(p []byte) (int, error) {
	if s.pos == s.buf.Len() {
		n, err := s.buf.Write(p)
		s.pos += n
		return n, err
	}
	data := s.buf.Bytes()
	n := copy(data[s.pos:], p)
	if n < len(p) {
		s.buf.Write(p[n:])
	}
	s.pos += len(p)
	return len(p), nil
}

func (s *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var pos int
	switch whence {
	case 0:
		pos = int(offset)
	case 1:
		pos = s.pos + int(offset)
	case 2:
		pos = s.buf.Len() + int(offset)
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if pos < 0 || pos > s.buf.Len() {
		return 0, fmt.Errorf("seek out of range: %d", pos)
	}
	s.pos = pos
	return int64(pos), nil
}
