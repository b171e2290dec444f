package videox

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bmharper/cimg/v2"
)

// ErrFrameSize is returned when a frame is written with dimensions that differ from the sink
var ErrFrameSize = errors.New("Frame dimensions do not match video")

// StreamInfo describes the first video stream of a container
type StreamInfo struct {
	Width      int
	Height     int
	FPS        float64       // Zero if unknown
	FrameCount int64         // As reported by the container. Zero if unknown.
	Duration   time.Duration // As reported by the container. Zero if unknown.
}

// FrameSource yields decoded frames in presentation order.
// ReadFrame returns io.EOF when there are no more frames.
type FrameSource interface {
	ReadFrame() (*cimg.Image, error)
	Close() error
}

// FrameSink accepts RGB frames and encodes them.
// Close must be called to flush all buffered frames to the output file.
type FrameSink interface {
	WriteFrame(img *cimg.Image) error
	FramesWritten() int64
	Close() error
}

// Codec opens video files for decoding and encoding
type Codec interface {
	Probe(ctx context.Context, filename string) (StreamInfo, error)
	OpenReader(ctx context.Context, filename string, info StreamInfo) (FrameSource, error)
	OpenWriter(ctx context.Context, filename string, fps float64, width, height int) (FrameSink, error)
}

// ParseFrameRate parses an ffmpeg rational such as "30000/1001" or "25".
// Returns 0 for anything that isn't a positive number, including "0/0".
func ParseFrameRate(s string) float64 {
	s = strings.TrimSpace(s)
	num, den, isRatio := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil || n <= 0 {
		return 0
	}
	if !isRatio {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d <= 0 {
		return 0
	}
	return n / d
}

// Duration of a video, given its frame count and frame rate.
// Returns zero when fps is zero, instead of dividing by zero.
func DurationSeconds(frameCount int64, fps float64) float64 {
	if fps <= 0 {
		return 0
	}
	return float64(frameCount) / fps
}

func checkFrameSize(img *cimg.Image, width, height int) error {
	if img.Width != width || img.Height != height {
		return fmt.Errorf("%w: got %v x %v, expected %v x %v", ErrFrameSize, img.Width, img.Height, width, height)
	}
	if img.NChan() != 3 {
		return fmt.Errorf("Frame must be RGB, but has %v channels", img.NChan())
	}
	return nil
}
