// Package meter turns raw PCM amplitude into a rolling window of normalized
// levels for visualization.
package meter

import (
	"encoding/binary"
	"math"
	"sync"
)

const (
	// DefaultWindow is the number of samples kept for display
	DefaultWindow = 10
	// DefaultFloorDB maps to level 0; 0 dBFS maps to level 1
	DefaultFloorDB = -60.0
	// SilenceDB is reported for empty or all-zero buffers
	SilenceDB = -160.0
)

// Meter keeps a fixed-length window of normalized levels, oldest first.
// Push and Levels are safe for concurrent use.
type Meter struct {
	mu      sync.Mutex
	levels  []float64
	floorDB float64
}

// New creates a meter with the given window size and dB floor.
// Non-positive windows and non-negative floors fall back to the defaults.
func New(window int, floorDB float64) *Meter {
	if window <= 0 {
		window = DefaultWindow
	}
	if floorDB >= 0 {
		floorDB = DefaultFloorDB
	}
	return &Meter{
		levels:  make([]float64, window),
		floorDB: floorDB,
	}
}

// Push normalizes db and appends it, evicting the oldest sample
func (m *Meter) Push(db float64) {
	level := Normalize(db, m.floorDB)

	m.mu.Lock()
	defer m.mu.Unlock()

	copy(m.levels, m.levels[1:])
	m.levels[len(m.levels)-1] = level
}

// Levels returns a copy of the window
func (m *Meter) Levels() []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]float64, len(m.levels))
	copy(out, m.levels)
	return out
}

// Reset zeroes the window
func (m *Meter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.levels)
}

// Normalize maps db from [floorDB, 0] onto [0, 1], clamping outside values
func Normalize(db, floorDB float64) float64 {
	if math.IsNaN(db) || db <= floorDB {
		return 0
	}
	if db >= 0 {
		return 1
	}
	return (db - floorDB) / -floorDB
}

// RMSdB returns the RMS level of little-endian int16 PCM in dBFS.
// Silence yields SilenceDB instead of -Inf.
func RMSdB(pcm []byte) float64 {
	sampleCount := len(pcm) / 2
	if sampleCount == 0 {
		return SilenceDB
	}

	var sum float64
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := float64(int16(binary.LittleEndian.Uint16(pcm[i : i+2])))
		sum += sample * sample
	}

	rms := math.Sqrt(sum / float64(sampleCount))
	if rms == 0 {
		return SilenceDB
	}

	// 32768 is full scale for 16-bit audio
	return math.Max(20*math.Log10(rms/32768.0), SilenceDB)
}

// Combine merges windows from several sources by taking the element-wise
// maximum. Windows are right-aligned so the newest samples line up.
func Combine(windows ...[]float64) []float64 {
	size := 0
	for _, w := range windows {
		size = max(size, len(w))
	}

	out := make([]float64, size)
	for _, w := range windows {
		offset := size - len(w)
		for i, v := range w {
			out[offset+i] = max(out[offset+i], v)
		}
	}
	return out
}
