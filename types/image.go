package types

import "math"

// Image is one raw frame: 8-bit grayscale, row-major.
type Image struct {
	Width  int
	Height int
	Pixels []byte
}

// Stats computes pixel statistics for the frame. The raw buffer is
// released after storage, so these are computed up front and persisted
// with the frame metadata.
func (im *Image) Stats() FrameStats {
	if im == nil || len(im.Pixels) == 0 {
		return FrameStats{}
	}

	min, max := im.Pixels[0], im.Pixels[0]
	var sum float64
	for _, p := range im.Pixels {
		if p < min {
			min = p
		}
		if p > max {
			max = p
		}
		sum += float64(p)
	}
	mean := sum / float64(len(im.Pixels))

	var sqDiff float64
	for _, p := range im.Pixels {
		d := float64(p) - mean
		sqDiff += d * d
	}

	return FrameStats{
		Mean: mean,
		Min:  float64(min),
		Max:  float64(max),
		Std:  math.Sqrt(sqDiff / float64(len(im.Pixels))),
	}
}
