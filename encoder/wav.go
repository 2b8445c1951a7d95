package encoder

import "encoding/binary"

const wavHeaderSize = 44

// encodeWAV prefixes pcm with a canonical RIFF header.
func encodeWAV(pcm []byte) []byte {
	out := make([]byte, wavHeaderSize+len(pcm))
	size := uint32(len(pcm))

	h := out[:wavHeaderSize]
	copy(h[0:], "RIFF")
	binary.LittleEndian.PutUint32(h[4:], 36+size)
	copy(h[8:], "WAVE")
	copy(h[12:], "fmt ")
	binary.LittleEndian.PutUint32(h[16:], 16)
	binary.LittleEndian.PutUint16(h[20:], 1) // PCM
	binary.LittleEndian.PutUint16(h[22:], Channels)
	binary.LittleEndian.PutUint32(h[24:], SampleRate)
	binary.LittleEndian.PutUint32(h[28:], SampleRate*Channels*BitsPerSample/8)
	binary.LittleEndian.PutUint16(h[32:], Channels*BitsPerSample/8)
	binary.LittleEndian.PutUint16(h[34:], BitsPerSample)
	copy(h[36:], "data")
	binary.LittleEndian.PutUint32(h[40:], size)

	copy(out[wavHeaderSize:], pcm)
	return out
}
