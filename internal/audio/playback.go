package audio

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/gordonklaus/portaudio"

	apperrors "github.com/adalabs/ada/internal/errors"
	"github.com/adalabs/ada/internal/trace"
)

// Playback is a bounded speaker queue. Put never blocks the receive
// loop; when the queue is full the chunk is dropped. Clear flushes
// everything queued, which is how barge-in cuts the model off.
type Playback struct {
	SampleRate  int
	ChunkFrames int
	// Mirror, when set, receives every chunk as it is queued so the
	// UI can visualize model speech.
	Mirror func([]byte)

	mu    sync.Mutex
	queue chan []byte
}

// NewPlayback creates a playback queue holding up to size chunks.
func NewPlayback(sampleRate, chunkFrames, size int) *Playback {
	return &Playback{
		SampleRate:  sampleRate,
		ChunkFrames: chunkFrames,
		queue:       make(chan []byte, size),
	}
}

// Put enqueues a PCM chunk for playback, dropping it if the queue is
// full.
func (p *Playback) Put(ctx context.Context, chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	if p.Mirror != nil {
		p.Mirror(chunk)
	}

	p.mu.Lock()
	q := p.queue
	p.mu.Unlock()

	select {
	case q <- chunk:
	default:
		trace.Logger(ctx).Warn("playback queue full, dropping chunk", "bytes", len(chunk))
	}
}

// Clear discards everything queued but not yet played.
func (p *Playback) Clear() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	dropped := 0
	for {
		select {
		case <-p.queue:
			dropped++
		default:
			return dropped
		}
	}
}

// Pending reports how many chunks are waiting.
func (p *Playback) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Run opens the output stream and plays queued chunks until ctx ends.
func (p *Playback) Run(ctx context.Context) error {
	log := trace.Logger(ctx)

	if err := portaudio.Initialize(); err != nil {
		return apperrors.Wrap(err, apperrors.Device, "initialize audio")
	}
	defer portaudio.Terminate()

	buf := make([]int16, p.ChunkFrames)
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(p.SampleRate), p.ChunkFrames, buf)
	if err != nil {
		return apperrors.Wrap(err, apperrors.Device, "open output stream")
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return apperrors.Wrap(err, apperrors.Device, "start output stream")
	}
	defer stream.Stop()

	log.Info("speaker playback started", "sample_rate", p.SampleRate)

	var pending []byte
	for {
		if len(pending) == 0 {
			select {
			case chunk := <-p.queue:
				pending = chunk
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		n := p.ChunkFrames * 2
		if n > len(pending) {
			n = len(pending)
		}
		frame := pending[:n]
		pending = pending[n:]

		for i := range buf {
			if i*2+1 < len(frame) {
				buf[i] = int16(binary.LittleEndian.Uint16(frame[i*2:]))
			} else {
				buf[i] = 0
			}
		}
		if err := stream.Write(); err != nil {
			// Underflows clear themselves; keep playing.
			if err == portaudio.OutputUnderflowed {
				continue
			}
			return apperrors.Wrap(err, apperrors.Device, "write output stream")
		}
	}
}
