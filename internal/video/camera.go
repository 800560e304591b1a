// Package video samples frames from a camera or the screen and keeps
// only the most recent one. The session layer attaches that single
// frame to the start of each spoken utterance.
package video

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/corona10/goimagehash"

	apperrors "github.com/adalabs/ada/internal/errors"
	"github.com/adalabs/ada/internal/syncx"
	"github.com/adalabs/ada/internal/trace"
)

// hashDistanceThreshold is the perception-hash distance below which
// two frames count as the same scene.
const hashDistanceThreshold = 5

// Frame is one captured image ready to send upstream.
type Frame struct {
	MIMEType string
	Data     []byte
}

// Sampler grabs frames on an interval and exposes the latest one.
type Sampler struct {
	Interval time.Duration
	// Cmd is the capture command; it receives the output path as its
	// final argument and must write a JPEG there.
	Cmd []string
	// Flipped reports whether frames should be mirrored horizontally,
	// read per frame so settings changes apply immediately.
	Flipped func() bool

	slot     *syncx.RWGuard[*Frame]
	lastHash *goimagehash.ImageHash
}

// NewSampler creates a sampler using the given capture command.
func NewSampler(interval time.Duration, cmd []string, flipped func() bool) *Sampler {
	if flipped == nil {
		flipped = func() bool { return false }
	}
	return &Sampler{
		Interval: interval,
		Cmd:      cmd,
		Flipped:  flipped,
		slot:     syncx.NewRWGuard[*Frame](nil),
	}
}

// Latest returns the most recent frame, if any. Reading does not
// consume it; duplicate suppression happens at capture time.
func (s *Sampler) Latest() (Frame, bool) {
	f := s.slot.Get()
	if f == nil {
		return Frame{}, false
	}
	return *f, true
}

// Run captures frames until ctx ends. Capture failures are logged and
// skipped so a transient camera glitch does not kill the session.
func (s *Sampler) Run(ctx context.Context) error {
	if len(s.Cmd) == 0 {
		return apperrors.New(apperrors.Device, "no capture command configured")
	}
	log := trace.Logger(ctx)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		frame, changed, err := s.capture(ctx)
		if err != nil {
			log.Warn("frame capture failed", "error", err)
			continue
		}
		if !changed {
			continue
		}
		s.slot.Set(&frame)
	}
}

// capture grabs one frame, dedupes it against the previous hash, and
// applies the mirror setting.
func (s *Sampler) capture(ctx context.Context) (Frame, bool, error) {
	tmp, err := os.CreateTemp("", "ada-frame-*.jpg")
	if err != nil {
		return Frame{}, false, err
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	args := append(append([]string{}, s.Cmd[1:]...), tmpPath)
	cmd := exec.CommandContext(ctx, s.Cmd[0], args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return Frame{}, false, fmt.Errorf("%s: %w (%s)",
			filepath.Base(s.Cmd[0]), err, strings.TrimSpace(string(out)))
	}

	data, err := os.ReadFile(tmpPath)
	if err != nil {
		return Frame{}, false, err
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return Frame{}, false, fmt.Errorf("decode frame: %w", err)
	}

	hash, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return Frame{}, false, err
	}
	if s.lastHash != nil {
		dist, err := s.lastHash.Distance(hash)
		if err == nil && dist < hashDistanceThreshold {
			return Frame{}, false, nil
		}
	}
	s.lastHash = hash

	if s.Flipped() {
		img = flipHorizontal(img)
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
			return Frame{}, false, fmt.Errorf("encode frame: %w", err)
		}
		data = buf.Bytes()
	}

	return Frame{MIMEType: "image/jpeg", Data: data}, true, nil
}

// flipHorizontal mirrors an image left to right.
func flipHorizontal(src image.Image) image.Image {
	b := src.Bounds()
	dst := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			dst.Set(b.Max.X-1-(x-b.Min.X), y, src.At(x, y))
		}
	}
	return dst
}
