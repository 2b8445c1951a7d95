// Package encoder packs 16 kHz mono PCM into a clip for upload.
package encoder

import (
	"encoding/binary"
	"fmt"
	"time"
)

const (
	SampleRate    = 16000
	Channels      = 1
	BitsPerSample = 16
	BlockSize     = 4096
)

const (
	FormatWAV  = "wav"
	FormatFLAC = "flac"
)

// Clip is one recording encoded for upload.
type Clip struct {
	Data        []byte
	Format      string
	ContentType string
	Samples     int
	EncodeTime  time.Duration
}

func (c Clip) Duration() time.Duration {
	return time.Duration(c.Samples) * time.Second / SampleRate
}

// RawSize is the PCM size in bytes before encoding.
func (c Clip) RawSize() int { return c.Samples * BitsPerSample / 8 }

// Savings is how much smaller Data is than the raw PCM, in percent.
func (c Clip) Savings() float64 {
	raw := c.RawSize()
	if raw == 0 {
		return 0
	}
	return (1 - float64(len(c.Data))/float64(raw)) * 100
}

// Encode packs little-endian 16-bit pcm. An empty format means WAV.
func Encode(format string, pcm []byte) (Clip, error) {
	var contentType string
	switch format {
	case FormatWAV, "":
		format, contentType = FormatWAV, "audio/wav"
	case FormatFLAC:
		contentType = "audio/flac"
	default:
		return Clip{}, fmt.Errorf("unknown format %q", format)
	}

	start := time.Now()
	samples := Samples(pcm)
	var data []byte
	if format == FormatFLAC {
		var err error
		if data, err = encodeFLAC(samples); err != nil {
			return Clip{}, err
		}
	} else {
		data = encodeWAV(pcm[:len(samples)*2])
	}
	return Clip{
		Data:        data,
		Format:      format,
		ContentType: contentType,
		Samples:     len(samples),
		EncodeTime:  time.Since(start),
	}, nil
}

// Samples decodes little-endian 16-bit PCM. A trailing odd byte is ignored.
func Samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}
