package merge

import (
	"fmt"
	"os"
	"time"

	"github.com/go-audio/wav"

	"github.com/duorec/duorec/internal/audiocore"
)

// Track is a finished per-source WAV file
type Track struct {
	Path     string
	Format   audiocore.AudioFormat
	Frames   int64
	Duration time.Duration
}

// LoadTrack reads the WAV header and PCM chunk size of path. Files that are
// not valid WAV or contain no frames have no audio track.
func LoadTrack(path string) (Track, error) {
	f, err := os.Open(path)
	if err != nil {
		return Track{}, fmt.Errorf("%w: %w", ErrNoAudioTrack, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return Track{}, fmt.Errorf("%w: not a valid wav file", ErrNoAudioTrack)
	}
	if err := dec.FwdToPCM(); err != nil {
		return Track{}, fmt.Errorf("%w: %w", ErrNoAudioTrack, err)
	}

	format := audiocore.AudioFormat{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		BitDepth:   int(dec.BitDepth),
	}
	bytesPerFrame := format.BytesPerFrame()
	if format.SampleRate <= 0 || bytesPerFrame <= 0 {
		return Track{}, fmt.Errorf("%w: invalid format %+v", ErrNoAudioTrack, format)
	}

	frames := dec.PCMLen() / int64(bytesPerFrame)
	if frames == 0 {
		return Track{}, fmt.Errorf("%w: no frames", ErrNoAudioTrack)
	}

	return Track{
		Path:     path,
		Format:   format,
		Frames:   frames,
		Duration: format.FramesToDuration(frames),
	}, nil
}
