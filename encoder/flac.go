package encoder

import (
	"bytes"
	"fmt"

	"github.com/mewkiz/flac"
	"github.com/mewkiz/flac/frame"
	"github.com/mewkiz/flac/meta"
)

// encodeFLAC writes one frame per BlockSize samples. Frames start out
// verbatim and prediction analysis swaps in a fixed predictor where smaller.
func encodeFLAC(samples []int16) ([]byte, error) {
	var buf bytes.Buffer
	enc, err := flac.NewEncoder(&buf, &meta.StreamInfo{
		BlockSizeMin:  BlockSize,
		BlockSizeMax:  BlockSize,
		SampleRate:    SampleRate,
		NChannels:     Channels,
		BitsPerSample: BitsPerSample,
		NSamples:      uint64(len(samples)),
	})
	if err != nil {
		return nil, fmt.Errorf("creating flac encoder: %w", err)
	}
	enc.EnablePredictionAnalysis(true)

	for len(samples) > 0 {
		n := min(BlockSize, len(samples))
		if err := enc.WriteFrame(monoFrame(samples[:n])); err != nil {
			enc.Close()
			return nil, fmt.Errorf("writing flac frame: %w", err)
		}
		samples = samples[n:]
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("closing flac stream: %w", err)
	}
	return buf.Bytes(), nil
}

func monoFrame(block []int16) *frame.Frame {
	wide := make([]int32, len(block))
	for i, s := range block {
		wide[i] = int32(s)
	}
	return &frame.Frame{
		Header: frame.Header{
			BlockSize:     uint16(len(block)),
			SampleRate:    SampleRate,
			Channels:      frame.ChannelsMono,
			BitsPerSample: BitsPerSample,
		},
		Subframes: []*frame.Subframe{{
			SubHeader: frame.SubHeader{Pred: frame.PredVerbatim},
			Samples:   wide,
			NSamples:  len(block),
		}},
	}
}
