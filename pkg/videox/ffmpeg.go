package videox

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
)

// Frame rate used by the encoder when the source frame rate is unknown
const FallbackEncodeFPS = 25

// FFmpegCodec decodes and encodes video by piping raw RGB frames through ffmpeg.
type FFmpegCodec struct {
	Log     logs.Log
	FFmpeg  string // Executable name or path of ffmpeg
	FFprobe string // Executable name or path of ffprobe
}

func NewFFmpegCodec(log logs.Log, ffmpeg, ffprobe string) *FFmpegCodec {
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	if ffprobe == "" {
		ffprobe = "ffprobe"
	}
	return &FFmpegCodec{
		Log:     log,
		FFmpeg:  ffmpeg,
		FFprobe: ffprobe,
	}
}

func (c *FFmpegCodec) Probe(ctx context.Context, filename string) (StreamInfo, error) {
	return ProbeFile(ctx, c.FFprobe, filename)
}

func (c *FFmpegCodec) OpenReader(ctx context.Context, filename string, info StreamInfo) (FrameSource, error) {
	if info.Width <= 0 || info.Height <= 0 {
		return nil, fmt.Errorf("Invalid video dimensions %v x %v", info.Width, info.Height)
	}
	path, err := exec.LookPath(c.FFmpeg)
	if err != nil {
		return nil, fmt.Errorf("Unable to find '%v' in your path (%w)", c.FFmpeg, err)
	}
	args := []string{
		"-v", "error",
		"-noautorotate",
		"-i", filename,
		"-map", "0:v:0",
		"-vsync", "passthrough",
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-",
	}
	r := &ffmpegReader{
		width:  info.Width,
		height: info.Height,
	}
	r.cmd = exec.CommandContext(ctx, path, args...)
	r.cmd.Stderr = &r.stderr
	stdout, err := r.cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := r.cmd.Start(); err != nil {
		return nil, fmt.Errorf("Failed to start ffmpeg decoder: %w", err)
	}
	r.stdout = stdout
	r.buf = bufio.NewReaderSize(stdout, info.Width*info.Height*3)
	return r, nil
}

func (c *FFmpegCodec) OpenWriter(ctx context.Context, filename string, fps float64, width, height int) (FrameSink, error) {
	if _, err := exec.LookPath(c.FFmpeg); err != nil {
		return nil, fmt.Errorf("Unable to find '%v' in your path (%w)", c.FFmpeg, err)
	}
	if fps <= 0 {
		fps = FallbackEncodeFPS
	}
	return &ffmpegWriter{
		log:      c.Log,
		ctx:      ctx,
		ffmpeg:   c.FFmpeg,
		filename: filename,
		fps:      fps,
		width:    width,
		height:   height,
	}, nil
}

// encodeFrameRate formats fps for the encoder's -r argument, rounded to 1/1000 of a frame.
// Variable frame rate videos report averages such as 1800000/60059, and the exact rational
// produces a time base denominator that mpeg4 rejects (it must fit in 16 bits).
func encodeFrameRate(fps float64) string {
	milli := int64(math.Round(fps * 1000))
	if milli <= 0 {
		milli = FallbackEncodeFPS * 1000
	}
	if milli%1000 == 0 {
		return strconv.FormatInt(milli/1000, 10)
	}
	return fmt.Sprintf("%v/1000", milli)
}

type ffmpegReader struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	buf    *bufio.Reader
	stderr bytes.Buffer
	width  int
	height int
	done   bool
}

// ReadFrame returns io.EOF at the end of the stream.
// A truncated final frame is treated as the end of the stream.
func (r *ffmpegReader) ReadFrame() (*cimg.Image, error) {
	if r.done {
		return nil, io.EOF
	}
	img := cimg.NewImage(r.width, r.height, cimg.PixelFormatRGB)
	_, err := io.ReadFull(r.buf, img.Pixels)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		r.done = true
		return nil, io.EOF
	} else if err != nil {
		r.done = true
		return nil, err
	}
	return img, nil
}

func (r *ffmpegReader) Close() error {
	if r.cmd.Process == nil {
		return nil
	}
	// If the caller stopped early, ffmpeg is blocked on a full pipe, so we need to unblock it
	r.stdout.Close()
	err := r.cmd.Wait()
	if err != nil && r.done && r.stderr.Len() != 0 {
		return fmt.Errorf("ffmpeg decoder: %w (%v)", err, strings.TrimSpace(r.stderr.String()))
	}
	return nil
}

// ffmpegWriter launches ffmpeg when the first frame arrives, so that a video with
// zero frames produces an empty file instead of an ffmpeg error.
type ffmpegWriter struct {
	log      logs.Log
	ctx      context.Context
	ffmpeg   string
	filename string
	fps      float64
	width    int
	height   int

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	buf     *bufio.Writer
	stderr  bytes.Buffer
	nFrames int64
	closed  bool
}

func (w *ffmpegWriter) start() error {
	args := []string{
		"-y",
		"-v", "error",
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-s", fmt.Sprintf("%vx%v", w.width, w.height),
		"-r", encodeFrameRate(w.fps),
		"-i", "-",
		"-an",
		"-c:v", "mpeg4",
		"-q:v", "5",
		"-pix_fmt", "yuv420p",
		"-f", "mp4",
		w.filename,
	}
	w.cmd = exec.CommandContext(w.ctx, w.ffmpeg, args...)
	w.cmd.Stderr = &w.stderr
	stdin, err := w.cmd.StdinPipe()
	if err != nil {
		return err
	}
	if err := w.cmd.Start(); err != nil {
		return fmt.Errorf("Failed to start ffmpeg encoder: %w", err)
	}
	w.stdin = stdin
	w.buf = bufio.NewWriterSize(stdin, w.width*w.height*3)
	return nil
}

func (w *ffmpegWriter) WriteFrame(img *cimg.Image) error {
	if w.closed {
		return os.ErrClosed
	}
	if err := checkFrameSize(img, w.width, w.height); err != nil {
		return err
	}
	if w.cmd == nil {
		if err := w.start(); err != nil {
			return err
		}
	}
	rowBytes := img.Width * 3
	for y := 0; y < img.Height; y++ {
		if _, err := w.buf.Write(img.Pixels[y*img.Stride : y*img.Stride+rowBytes]); err != nil {
			return fmt.Errorf("ffmpeg encoder: %w (%v)", err, strings.TrimSpace(w.stderr.String()))
		}
	}
	w.nFrames++
	return nil
}

func (w *ffmpegWriter) FramesWritten() int64 {
	return w.nFrames
}

func (w *ffmpegWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if w.cmd == nil {
		w.log.Infof("No frames written to %v. Creating empty file", w.filename)
		f, err := os.Create(w.filename)
		if err != nil {
			return err
		}
		return f.Close()
	}
	errFlush := w.buf.Flush()
	w.stdin.Close()
	errWait := w.cmd.Wait()
	if errWait != nil {
		return fmt.Errorf("ffmpeg encoder: %w (%v)", errWait, strings.TrimSpace(w.stderr.String()))
	}
	return errFlush
}
