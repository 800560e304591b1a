package session

import (
	"encoding/binary"
	"math"
	"time"
)

// VAD is an RMS-energy voice activity detector over little-endian
// int16 PCM. It reports the onset of each utterance exactly once;
// the utterance ends after SilenceWindow of continuous quiet.
type VAD struct {
	// Threshold is the RMS level above which a chunk counts as voice.
	Threshold float64
	// SilenceWindow is how long the signal must stay below Threshold
	// before the utterance is considered over.
	SilenceWindow time.Duration

	// now is injectable for tests.
	now func() time.Time

	speaking  bool
	lastVoice time.Time
}

// NewVAD creates a detector with the given threshold and debounce.
func NewVAD(threshold float64, silenceWindow time.Duration) *VAD {
	return &VAD{
		Threshold:     threshold,
		SilenceWindow: silenceWindow,
		now:           time.Now,
	}
}

// Process consumes one PCM chunk and reports whether it begins a new
// utterance. Quiet chunks inside the silence window keep the
// utterance open; only sustained silence closes it.
func (v *VAD) Process(chunk []byte) (onset bool) {
	loud := rms(chunk) > v.Threshold
	now := v.now()

	if loud {
		if !v.speaking {
			v.speaking = true
			onset = true
		}
		v.lastVoice = now
		return onset
	}

	if v.speaking && now.Sub(v.lastVoice) >= v.SilenceWindow {
		v.speaking = false
	}
	return false
}

// Speaking reports whether an utterance is currently open.
func (v *VAD) Speaking() bool { return v.speaking }

// rms computes the root mean square of int16 LE samples. Odd trailing
// bytes are ignored.
func rms(chunk []byte) float64 {
	n := len(chunk) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(chunk[i*2:]))
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(n))
}
