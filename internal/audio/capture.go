// Package audio owns the microphone capture stream and the speaker
// playback queue. Both sides speak little-endian int16 mono PCM.
package audio

import (
	"context"
	"encoding/binary"
	"strings"

	"github.com/gordonklaus/portaudio"

	apperrors "github.com/adalabs/ada/internal/errors"
	"github.com/adalabs/ada/internal/trace"
)

// Capture streams microphone chunks until its context ends.
type Capture struct {
	SampleRate  int
	ChunkFrames int
	// DeviceName selects an input device by substring match; empty
	// uses the system default.
	DeviceName string

	out chan []byte
}

// NewCapture prepares a capture pipeline. Output returns the channel
// chunks are delivered on; it closes when Run exits.
func NewCapture(sampleRate, chunkFrames int, deviceName string) *Capture {
	return &Capture{
		SampleRate:  sampleRate,
		ChunkFrames: chunkFrames,
		DeviceName:  deviceName,
		out:         make(chan []byte, 8),
	}
}

// Output is the stream of captured PCM chunks.
func (c *Capture) Output() <-chan []byte { return c.out }

// Run opens the input stream and pumps chunks until ctx ends. Stream
// failures are Device errors; the supervisor treats them as fatal for
// the session rather than reconnecting.
func (c *Capture) Run(ctx context.Context) error {
	defer close(c.out)
	log := trace.Logger(ctx)

	if err := portaudio.Initialize(); err != nil {
		return apperrors.Wrap(err, apperrors.Device, "initialize audio")
	}
	defer portaudio.Terminate()

	dev, err := c.resolveDevice()
	if err != nil {
		return err
	}

	buf := make([]int16, c.ChunkFrames)
	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = 1
	params.SampleRate = float64(c.SampleRate)
	params.FramesPerBuffer = c.ChunkFrames

	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return apperrors.Wrap(err, apperrors.Device, "open input stream")
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return apperrors.Wrap(err, apperrors.Device, "start input stream")
	}
	defer stream.Stop()

	log.Info("microphone capture started",
		"sample_rate", c.SampleRate, "chunk_frames", c.ChunkFrames)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := stream.Read(); err != nil {
			// Overflows mean we fell behind; drop and continue.
			if err == portaudio.InputOverflowed {
				continue
			}
			return apperrors.Wrap(err, apperrors.Device, "read input stream")
		}

		chunk := make([]byte, len(buf)*2)
		for i, s := range buf {
			binary.LittleEndian.PutUint16(chunk[i*2:], uint16(s))
		}

		select {
		case c.out <- chunk:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// resolveDevice finds the configured input device, or the default.
func (c *Capture) resolveDevice() (*portaudio.DeviceInfo, error) {
	if c.DeviceName == "" {
		dev, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.Device, "default input device")
		}
		return dev, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.Device, "list devices")
	}
	want := strings.ToLower(c.DeviceName)
	for _, dev := range devices {
		if dev.MaxInputChannels > 0 && strings.Contains(strings.ToLower(dev.Name), want) {
			return dev, nil
		}
	}
	return nil, apperrors.Newf(apperrors.Device, "no input device matching %q", c.DeviceName)
}
