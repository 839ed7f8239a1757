package stt

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// SilenceDB is reported for empty or all-zero frames.
const SilenceDB = -160.0

// DecodePCM16 converts little-endian signed 16-bit PCM into an int buffer.
func DecodePCM16(pcm []byte, sampleRate, channels int) (*audio.IntBuffer, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm payload not aligned")
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}, nil
}

// LevelDBFS returns the RMS level of buf relative to 16-bit full scale.
func LevelDBFS(buf *audio.IntBuffer) float64 {
	if buf == nil || len(buf.Data) == 0 {
		return SilenceDB
	}
	var sum float64
	for _, s := range buf.Data {
		v := float64(s) / math.MaxInt16
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(buf.Data)))
	if rms == 0 {
		return SilenceDB
	}
	level := 20 * math.Log10(rms)
	if level < SilenceDB {
		return SilenceDB
	}
	return level
}

// WriteWAV encodes 16-bit PCM into a WAV container.
func WriteWAV(w io.WriteSeeker, pcm []byte, sampleRate, channels int) error {
	buffer, err := DecodePCM16(pcm, sampleRate, channels)
	if err != nil {
		return err
	}
	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// ReadWAV decodes a PCM WAV stream into little-endian signed 16-bit samples.
// 24 and 32 bit sources are truncated to 16 bits.
func ReadWAV(r io.ReadSeeker) (pcm []byte, sampleRate, channels int, err error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, 0, 0, fmt.Errorf("not a valid wav file")
	}
	depth := int(dec.BitDepth)
	switch depth {
	case 16, 24, 32:
	default:
		return nil, 0, 0, fmt.Errorf("unsupported wav bit depth %d", depth)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, 0, fmt.Errorf("decode wav: %w", err)
	}

	pcm = make([]byte, len(buf.Data)*2)
	for i, s := range buf.Data {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(s>>(depth-16))))
	}
	return pcm, int(dec.SampleRate), int(dec.NumChans), nil
}
