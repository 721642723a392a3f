package types

import "time"

// DepthPoint is one pixel of a raw depth frame as delivered by the device.
type DepthPoint struct {
	X               float32 `json:"x"`
	Y               float32 `json:"y"`
	Z               float32 `json:"z"`
	Noise           float32 `json:"noise"`
	GrayValue       uint16  `json:"gray_value"`
	DepthConfidence uint8   `json:"depth_confidence"`
}

// RawFrame is borrowed for the duration of one dispatch and must not be
// retained by consumers.
type RawFrame struct {
	StreamID      uint16       `json:"stream_id"`
	Width         int          `json:"width"`
	Height        int          `json:"height"`
	Timestamp     time.Time    `json:"timestamp"`
	ExposureTimes []uint32     `json:"exposure_times"`
	Points        []DepthPoint `json:"points"`
}

// MaxPixels bounds width*height of any frame the pipeline accepts.
const MaxPixels = 1 << 24

// PixelCount returns width*height. It reports false for a negative side or a
// product above MaxPixels, so the multiplication never wraps.
func PixelCount(width, height int) (int, bool) {
	if width < 0 || height < 0 {
		return 0, false
	}
	if width == 0 || height == 0 {
		return 0, true
	}
	if width > MaxPixels/height {
		return 0, false
	}
	return width * height, true
}

type Header struct {
	Stamp   time.Time `json:"stamp"`
	FrameID string    `json:"frame_id"`
}

type Gray16Plane struct {
	Header Header   `json:"header"`
	Width  int      `json:"width"`
	Height int      `json:"height"`
	Pix    []uint16 `json:"pix"`
}

type Gray8Plane struct {
	Header Header  `json:"header"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
	Pix    []uint8 `json:"pix"`
}

type Float32Plane struct {
	Header Header    `json:"header"`
	Width  int       `json:"width"`
	Height int       `json:"height"`
	Pix    []float32 `json:"pix"`
}

type PointXYZI struct {
	X         float32 `json:"x"`
	Y         float32 `json:"y"`
	Z         float32 `json:"z"`
	Intensity float32 `json:"intensity"`
}

type PointCloud struct {
	Header  Header      `json:"header"`
	Width   int         `json:"width"`
	Height  int         `json:"height"`
	IsDense bool        `json:"is_dense"`
	Points  []PointXYZI `json:"points"`
}

type ExposureTimes struct {
	Header Header   `json:"header"`
	Usec   []uint32 `json:"usec"`
}

// ConvertedFrame bundles every product derived from a single RawFrame.
type ConvertedFrame struct {
	Header     Header        `json:"header"`
	Gray       Gray16Plane   `json:"gray"`
	Confidence Gray8Plane    `json:"conf"`
	Noise      Float32Plane  `json:"noise"`
	Cloud      PointCloud    `json:"cloud"`
	Exposure   ExposureTimes `json:"exposure_times"`
}
