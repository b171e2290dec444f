// Package filter implements the per-frame visual transforms that are applied to uploaded videos.
package filter

import (
	"github.com/bmharper/cimg/v2"
)

// Kind identifies one of the frame transforms
type Kind int

const (
	KindPassthrough Kind = iota // Frame is returned unchanged
	KindGrayscale
	KindPixel
	KindCanny
)

// DefaultTag is used when an upload does not name a filter
const DefaultTag = "grayscale"

// Size of the intermediate image produced by the pixel filter
const PixelBlockResolution = 64

// Known lists the filters that a client may choose from
var Known = []Kind{KindGrayscale, KindPixel, KindCanny}

func (k Kind) String() string {
	switch k {
	case KindGrayscale:
		return "grayscale"
	case KindPixel:
		return "pixel"
	case KindCanny:
		return "canny"
	}
	return "passthrough"
}

// ParseKind maps a filter tag to a Kind. Tags must match exactly, because the tag
// is stored as sent, and must agree with the filter that was applied.
// Unrecognized tags return (KindPassthrough, false).
func ParseKind(tag string) (Kind, bool) {
	switch tag {
	case "grayscale":
		return KindGrayscale, true
	case "pixel":
		return KindPixel, true
	case "canny":
		return KindCanny, true
	}
	return KindPassthrough, false
}

// KnownTags returns the tag of every filter in Known
func KnownTags() []string {
	tags := make([]string, 0, len(Known))
	for _, k := range Known {
		tags = append(tags, k.String())
	}
	return tags
}

// Apply transforms a single frame.
// The result always has the same dimensions as the input, and is RGB.
// Apply never modifies 'frame', and keeps no state between calls, so it is safe
// to call concurrently.
func Apply(frame *cimg.Image, kind Kind) *cimg.Image {
	rgb := toRGB(frame)
	if rgb.Width == 0 || rgb.Height == 0 {
		return rgb
	}
	switch kind {
	case KindGrayscale:
		return grayscale(rgb)
	case KindPixel:
		return pixelate(rgb, PixelBlockResolution)
	case KindCanny:
		return Canny(rgb, CannyLowThreshold, CannyHighThreshold)
	}
	return rgb
}

// Luminance, using the BT.601 weights in 14 bit fixed point
func luma(r, g, b uint8) uint8 {
	return uint8((uint32(r)*4899 + uint32(g)*9617 + uint32(b)*1868 + (1 << 13)) >> 14)
}

func grayscale(src *cimg.Image) *cimg.Image {
	dst := cimg.NewImage(src.Width, src.Height, cimg.PixelFormatRGB)
	for y := 0; y < src.Height; y++ {
		s := src.Pixels[y*src.Stride : y*src.Stride+src.Width*3]
		d := dst.Pixels[y*dst.Stride : y*dst.Stride+dst.Width*3]
		for x := 0; x < len(s); x += 3 {
			v := luma(s[x], s[x+1], s[x+2])
			d[x] = v
			d[x+1] = v
			d[x+2] = v
		}
	}
	return dst
}

// Shrink to blocks x blocks, and then blow back up with nearest neighbour sampling.
func pixelate(src *cimg.Image, blocks int) *cimg.Image {
	small := cimg.ResizeNew(src, blocks, blocks, &cimg.ResizeParams{
		Filter: cimg.ResizeFilterTriangle,
	})
	return cimg.ResizeNew(small, src.Width, src.Height, &cimg.ResizeParams{
		Filter: cimg.ResizeFilterPointSample,
	})
}

// toRGB returns frame if it's already 3 channels, otherwise a converted copy.
// 1 channel images are treated as gray, and 4 channel images as RGBA.
func toRGB(frame *cimg.Image) *cimg.Image {
	nchan := frame.NChan()
	if nchan == 3 {
		return frame
	}
	dst := cimg.NewImage(frame.Width, frame.Height, cimg.PixelFormatRGB)
	for y := 0; y < frame.Height; y++ {
		s := frame.Pixels[y*frame.Stride:]
		d := dst.Pixels[y*dst.Stride:]
		for x := 0; x < frame.Width; x++ {
			if nchan == 1 {
				d[x*3] = s[x]
				d[x*3+1] = s[x]
				d[x*3+2] = s[x]
			} else {
				d[x*3] = s[x*nchan]
				d[x*3+1] = s[x*nchan+1]
				d[x*3+2] = s[x*nchan+2]
			}
		}
	}
	return dst
}
