package audio

import (
	"bytes"
	"encoding/binary"
)

// DurationMs computes the playback duration of a raw PCM chunk given the
// format's bytes-per-millisecond rate (32 for 16kHz/16-bit/mono, per
// §4.C), with a fixed 1ms floor for any non-empty chunk. The floor is not
// configurable.
func DurationMs(byteLen, bytesPerMs int) int64 {
	if byteLen <= 0 {
		return 0
	}
	if bytesPerMs <= 0 {
		bytesPerMs = 32
	}
	ms := int64(byteLen) / int64(bytesPerMs)
	if ms < 1 {
		ms = 1
	}
	return ms
}

// NewWavBuffer wraps raw 16-bit mono PCM in a minimal WAV container,
// useful for debug dumps of a session's TTS output.
func NewWavBuffer(pcm []byte, sampleRate int) []byte {
	buf := new(bytes.Buffer)

	
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	
	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))           
	binary.Write(buf, binary.LittleEndian, uint16(1))            
	binary.Write(buf, binary.LittleEndian, uint16(1))            
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))   
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate*2)) 
	binary.Write(buf, binary.LittleEndian, uint16(2))            
	binary.Write(buf, binary.LittleEndian, uint16(16))           

	
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes()
}
