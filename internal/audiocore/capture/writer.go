package capture

import (
	"encoding/binary"
	"fmt"

	"github.com/go-audio/audio"
)

// writeChunkFrames bounds how much PCM one encoder write handles
const writeChunkFrames = 4096

// writeLoop drains the ring buffer into the encoder until stopWriter is closed,
// then drains whatever is left. An encode failure stops consuming; later
// frames are dropped by the callback once the ring buffer fills.
func (s *Source) writeLoop() {
	defer close(s.writerDone)

	bytesPerFrame := s.format.BytesPerFrame()
	raw := make([]byte, writeChunkFrames*bytesPerFrame)
	buf := &audio.IntBuffer{
		Data:           make([]int, 0, writeChunkFrames*s.format.Channels),
		Format:         &audio.Format{SampleRate: s.format.SampleRate, NumChannels: s.format.Channels},
		SourceBitDepth: s.format.BitDepth,
	}

	for {
		select {
		case <-s.dataReady:
			if err := s.drain(raw, buf); err != nil {
				s.fail(err, "encode")
				<-s.stopWriter
				return
			}
		case <-s.stopWriter:
			if err := s.drain(raw, buf); err != nil {
				s.fail(err, "encode")
			}
			return
		}
	}
}

func (s *Source) drain(raw []byte, buf *audio.IntBuffer) error {
	for s.ring.Length() > 0 {
		n, _ := s.ring.Read(raw)
		if n == 0 {
			return nil
		}
		if err := s.encode(raw[:n], buf); err != nil {
			return err
		}
	}
	return nil
}

// encode converts little-endian int16 PCM to the encoder's int samples
func (s *Source) encode(pcm []byte, buf *audio.IntBuffer) error {
	samples := len(pcm) / 2
	buf.Data = buf.Data[:0]
	for i := range samples {
		buf.Data = append(buf.Data, int(int16(binary.LittleEndian.Uint16(pcm[i*2:]))))
	}

	if err := s.enc.Write(buf); err != nil {
		return fmt.Errorf("wav encode: %w", err)
	}

	s.frames.Add(int64(len(pcm) / s.format.BytesPerFrame()))
	return nil
}
