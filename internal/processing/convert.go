package processing

import (
	"depthcam-go/internal/types"
)

// Convert builds every output product for one raw frame. Values pass through
// unscaled; pixel i sits at row i / width, column i % width. If the device
// delivered fewer points than width*height the missing pixels stay zero so
// every product keeps the advertised geometry. A geometry outside
// types.PixelCount collapses to 0x0.
func Convert(raw types.RawFrame, frameID string) types.ConvertedFrame {
	width, height := raw.Width, raw.Height
	total, ok := types.PixelCount(width, height)
	if !ok {
		width, height, total = 0, 0, 0
	}

	head := types.Header{Stamp: raw.Timestamp, FrameID: frameID}

	gray := make([]uint16, total)
	conf := make([]uint8, total)
	noise := make([]float32, total)
	points := make([]types.PointXYZI, total)

	n := len(raw.Points)
	if n > total {
		n = total
	}
	for i := 0; i < n; i++ {
		p := raw.Points[i]

		gray[i] = p.GrayValue
		conf[i] = p.DepthConfidence
		noise[i] = p.Noise
		points[i] = types.PointXYZI{
			X:         p.X,
			Y:         p.Y,
			Z:         p.Z,
			Intensity: float32(p.GrayValue),
		}
	}

	exposures := make([]uint32, len(raw.ExposureTimes))
	copy(exposures, raw.ExposureTimes)

	return types.ConvertedFrame{
		Header: head,
		Gray: types.Gray16Plane{
			Header: head,
			Width:  width,
			Height: height,
			Pix:    gray,
		},
		Confidence: types.Gray8Plane{
			Header: head,
			Width:  width,
			Height: height,
			Pix:    conf,
		},
		Noise: types.Float32Plane{
			Header: head,
			Width:  width,
			Height: height,
			Pix:    noise,
		},
		Cloud: types.PointCloud{
			Header:  head,
			Width:   width,
			Height:  height,
			IsDense: true,
			Points:  points,
		},
		Exposure: types.ExposureTimes{
			Header: head,
			Usec:   exposures,
		},
	}
}
