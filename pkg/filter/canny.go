package filter

import (
	"github.com/bmharper/cimg/v2"
	"github.com/chewxy/math32"
)

// Hysteresis thresholds used by the canny filter, on the L1 gradient magnitude scale
const (
	CannyLowThreshold  = 100
	CannyHighThreshold = 200
)

const (
	edgeNone uint8 = iota
	edgeWeak
	edgeStrong
)

// Canny runs Canny edge detection on an RGB image, and returns an RGB image
// where edge pixels are white and everything else is black.
// Gradients are computed with a 3x3 Sobel operator on each channel, and the channel
// with the largest L1 magnitude wins.
func Canny(src *cimg.Image, low, high int32) *cimg.Image {
	w, h := src.Width, src.Height
	dx := make([]int32, w*h)
	dy := make([]int32, w*h)
	mag := make([]int32, w*h)
	sobel(src, dx, dy, mag)

	magAt := func(x, y int) int32 {
		if x < 0 || y < 0 || x >= w || y >= h {
			return 0
		}
		return mag[y*w+x]
	}

	state := make([]uint8, w*h)
	stack := make([]int, 0, 256)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			m := mag[i]
			if m <= low {
				continue
			}
			var a, b int32
			switch gradientSector(dx[i], dy[i]) {
			case 0:
				a, b = magAt(x-1, y), magAt(x+1, y)
			case 1:
				a, b = magAt(x-1, y-1), magAt(x+1, y+1)
			case 2:
				a, b = magAt(x, y-1), magAt(x, y+1)
			default:
				a, b = magAt(x+1, y-1), magAt(x-1, y+1)
			}
			if m <= a || m < b {
				continue
			}
			if m > high {
				state[i] = edgeStrong
				stack = append(stack, i)
			} else {
				state[i] = edgeWeak
			}
		}
	}

	// Hysteresis: promote weak pixels that are 8-connected to a strong pixel
	for len(stack) != 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		cx, cy := i%w, i/w
		for ny := cy - 1; ny <= cy+1; ny++ {
			for nx := cx - 1; nx <= cx+1; nx++ {
				if nx < 0 || ny < 0 || nx >= w || ny >= h {
					continue
				}
				j := ny*w + nx
				if state[j] == edgeWeak {
					state[j] = edgeStrong
					stack = append(stack, j)
				}
			}
		}
	}

	dst := cimg.NewImage(w, h, cimg.PixelFormatRGB)
	for y := 0; y < h; y++ {
		d := dst.Pixels[y*dst.Stride:]
		for x := 0; x < w; x++ {
			if state[y*w+x] == edgeStrong {
				d[x*3] = 255
				d[x*3+1] = 255
				d[x*3+2] = 255
			}
		}
	}
	return dst
}

// gradientSector quantizes the gradient direction into one of 4 sectors:
// 0 = horizontal, 1 = down-right diagonal, 2 = vertical, 3 = down-left diagonal.
// Image Y grows downwards.
func gradientSector(gx, gy int32) int {
	deg := math32.Atan2(float32(gy), float32(gx)) * 180 / math32.Pi
	if deg < 0 {
		deg += 180
	}
	switch {
	case deg < 22.5 || deg >= 157.5:
		return 0
	case deg < 67.5:
		return 1
	case deg < 112.5:
		return 2
	}
	return 3
}

// sobel fills dx, dy and mag (L1) for every pixel. Borders are replicated.
func sobel(src *cimg.Image, dx, dy, mag []int32) {
	w, h := src.Width, src.Height
	stride := src.Stride
	nchan := src.NChan()
	clamp := func(v, max int) int {
		if v < 0 {
			return 0
		}
		if v >= max {
			return max - 1
		}
		return v
	}
	for y := 0; y < h; y++ {
		r0 := clamp(y-1, h) * stride
		r1 := y * stride
		r2 := clamp(y+1, h) * stride
		for x := 0; x < w; x++ {
			c0 := clamp(x-1, w) * nchan
			c1 := x * nchan
			c2 := clamp(x+1, w) * nchan
			var bestX, bestY, bestM int32
			for c := 0; c < nchan; c++ {
				p := func(row, col int) int32 {
					return int32(src.Pixels[row+col+c])
				}
				gx := (p(r0, c2) + 2*p(r1, c2) + p(r2, c2)) - (p(r0, c0) + 2*p(r1, c0) + p(r2, c0))
				gy := (p(r2, c0) + 2*p(r2, c1) + p(r2, c2)) - (p(r0, c0) + 2*p(r0, c1) + p(r0, c2))
				m := iabs(gx) + iabs(gy)
				if c == 0 || m > bestM {
					bestX, bestY, bestM = gx, gy, m
				}
			}
			i := y*w + x
			dx[i] = bestX
			dy[i] = bestY
			mag[i] = bestM
		}
	}
}

func iabs(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}
