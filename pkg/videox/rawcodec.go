package videox

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/bmharper/cimg/v2"
)

// RawMagic is the first 8 bytes of a raw video file
const RawMagic = "VXRAW001"

const rawHeaderSize = 8 + 4 + 4 + 8

// RawCodec reads and writes an uncompressed container of RGB frames.
// Layout: magic, uint32 width, uint32 height, float64 fps (all little endian), then frames.
// It needs no external tools, which makes it useful for tests and for generating sample input.
type RawCodec struct{}

// WriteRawVideo writes a complete raw video file
func WriteRawVideo(filename string, fps float64, frames []*cimg.Image) error {
	if len(frames) == 0 {
		return errors.New("No frames")
	}
	w, err := RawCodec{}.OpenWriter(context.Background(), filename, fps, frames[0].Width, frames[0].Height)
	if err != nil {
		return err
	}
	for _, f := range frames {
		if err := w.WriteFrame(f); err != nil {
			w.Close()
			return err
		}
	}
	return w.Close()
}

// ReadRawVideo reads every frame out of a raw video file
func ReadRawVideo(filename string) (StreamInfo, []*cimg.Image, error) {
	info, err := RawCodec{}.Probe(context.Background(), filename)
	if err != nil {
		return info, nil, err
	}
	r, err := RawCodec{}.OpenReader(context.Background(), filename, info)
	if err != nil {
		return info, nil, err
	}
	defer r.Close()
	frames := []*cimg.Image{}
	for {
		img, err := r.ReadFrame()
		if err == io.EOF {
			break
		} else if err != nil {
			return info, frames, err
		}
		frames = append(frames, img)
	}
	return info, frames, nil
}

func (RawCodec) readHeader(f *os.File) (StreamInfo, error) {
	hdr := make([]byte, rawHeaderSize)
	if _, err := io.ReadFull(f, hdr); err != nil {
		return StreamInfo{}, fmt.Errorf("Not a raw video file: %w", err)
	}
	if string(hdr[:8]) != RawMagic {
		return StreamInfo{}, errors.New("Not a raw video file: bad magic")
	}
	info := StreamInfo{
		Width:  int(binary.LittleEndian.Uint32(hdr[8:])),
		Height: int(binary.LittleEndian.Uint32(hdr[12:])),
		FPS:    math.Float64frombits(binary.LittleEndian.Uint64(hdr[16:])),
	}
	if info.Width <= 0 || info.Height <= 0 {
		return StreamInfo{}, fmt.Errorf("Invalid raw video dimensions %v x %v", info.Width, info.Height)
	}
	return info, nil
}

func (c RawCodec) Probe(ctx context.Context, filename string) (StreamInfo, error) {
	f, err := os.Open(filename)
	if err != nil {
		return StreamInfo{}, err
	}
	defer f.Close()
	info, err := c.readHeader(f)
	if err != nil {
		return info, err
	}
	st, err := f.Stat()
	if err != nil {
		return info, err
	}
	info.FrameCount = (st.Size() - rawHeaderSize) / int64(info.Width*info.Height*3)
	return info, nil
}

func (c RawCodec) OpenReader(ctx context.Context, filename string, info StreamInfo) (FrameSource, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	hdr, err := c.readHeader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &rawReader{
		f:      f,
		buf:    bufio.NewReader(f),
		width:  hdr.Width,
		height: hdr.Height,
	}, nil
}

func (c RawCodec) OpenWriter(ctx context.Context, filename string, fps float64, width, height int) (FrameSink, error) {
	return &rawWriter{
		filename: filename,
		fps:      fps,
		width:    width,
		height:   height,
	}, nil
}

type rawReader struct {
	f      *os.File
	buf    *bufio.Reader
	width  int
	height int
}

func (r *rawReader) ReadFrame() (*cimg.Image, error) {
	img := cimg.NewImage(r.width, r.height, cimg.PixelFormatRGB)
	if _, err := io.ReadFull(r.buf, img.Pixels); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	return img, nil
}

func (r *rawReader) Close() error {
	return r.f.Close()
}

type rawWriter struct {
	filename string
	fps      float64
	width    int
	height   int
	f        *os.File
	buf      *bufio.Writer
	nFrames  int64
	closed   bool
}

func (w *rawWriter) WriteFrame(img *cimg.Image) error {
	if w.closed {
		return os.ErrClosed
	}
	if err := checkFrameSize(img, w.width, w.height); err != nil {
		return err
	}
	if w.f == nil {
		f, err := os.Create(w.filename)
		if err != nil {
			return err
		}
		w.f = f
		w.buf = bufio.NewWriter(f)
		hdr := make([]byte, rawHeaderSize)
		copy(hdr, RawMagic)
		binary.LittleEndian.PutUint32(hdr[8:], uint32(w.width))
		binary.LittleEndian.PutUint32(hdr[12:], uint32(w.height))
		binary.LittleEndian.PutUint64(hdr[16:], math.Float64bits(w.fps))
		w.buf.Write(hdr)
	}
	for y := 0; y < img.Height; y++ {
		if _, err := w.buf.Write(img.Pixels[y*img.Stride : y*img.Stride+img.Width*3]); err != nil {
			return err
		}
	}
	w.nFrames++
	return nil
}

func (w *rawWriter) FramesWritten() int64 {
	return w.nFrames
}

func (w *rawWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if w.f == nil {
		f, err := os.Create(w.filename)
		if err != nil {
			return err
		}
		return f.Close()
	}
	err := w.buf.Flush()
	if errClose := w.f.Close(); err == nil {
		err = errClose
	}
	return err
}
