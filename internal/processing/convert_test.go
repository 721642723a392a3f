package processing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"depthcam-go/internal/types"
)

func testFrame(width, height int) types.RawFrame {
	points := make([]types.DepthPoint, width*height)
	for i := range points {
		points[i] = types.DepthPoint{
			X:               float32(i) * 0.5,
			Y:               float32(i) * -0.25,
			Z:               1.0 + float32(i),
			Noise:           float32(i) / 100,
			GrayValue:       uint16(1000 + i),
			DepthConfidence: uint8(i % 256),
		}
	}
	return types.RawFrame{
		StreamID:      7,
		Width:         width,
		Height:        height,
		Timestamp:     time.Unix(1700000000, 123000),
		ExposureTimes: []uint32{200, 1000, 50},
		Points:        points,
	}
}

func TestConvertGeometry(t *testing.T) {
	raw := testFrame(4, 3)
	out := Convert(raw, "camera_optical_link")

	assert.Len(t, out.Cloud.Points, 12)
	assert.Equal(t, 4, out.Cloud.Width)
	assert.Equal(t, 3, out.Cloud.Height)
	assert.True(t, out.Cloud.IsDense)
	for _, plane := range []struct{ w, h, n int }{
		{out.Gray.Width, out.Gray.Height, len(out.Gray.Pix)},
		{out.Confidence.Width, out.Confidence.Height, len(out.Confidence.Pix)},
		{out.Noise.Width, out.Noise.Height, len(out.Noise.Pix)},
	} {
		assert.Equal(t, 4, plane.w)
		assert.Equal(t, 3, plane.h)
		assert.Equal(t, 12, plane.n)
	}
}

func TestConvertPassesValuesThrough(t *testing.T) {
	raw := testFrame(3, 2)
	out := Convert(raw, "optical")

	for i, p := range raw.Points {
		assert.Equal(t, p.GrayValue, out.Gray.Pix[i])
		assert.Equal(t, p.DepthConfidence, out.Confidence.Pix[i])
		assert.Equal(t, p.Noise, out.Noise.Pix[i])
		assert.Equal(t, types.PointXYZI{X: p.X, Y: p.Y, Z: p.Z, Intensity: float32(p.GrayValue)}, out.Cloud.Points[i])
	}
	assert.Equal(t, []uint32{200, 1000, 50}, out.Exposure.Usec)
}

func TestConvertSharesHeader(t *testing.T) {
	raw := testFrame(2, 2)
	out := Convert(raw, "optical")

	want := types.Header{Stamp: raw.Timestamp, FrameID: "optical"}
	assert.Equal(t, want, out.Header)
	assert.Equal(t, want, out.Gray.Header)
	assert.Equal(t, want, out.Confidence.Header)
	assert.Equal(t, want, out.Noise.Header)
	assert.Equal(t, want, out.Cloud.Header)
	assert.Equal(t, want, out.Exposure.Header)
}

func TestConvertIsDeterministic(t *testing.T) {
	raw := testFrame(5, 4)
	first := Convert(raw, "optical")
	second := Convert(raw, "optical")
	require.Equal(t, first, second)
}

func TestConvertDoesNotAliasInput(t *testing.T) {
	raw := testFrame(2, 1)
	out := Convert(raw, "optical")

	raw.ExposureTimes[0] = 1
	raw.Points[0].GrayValue = 1
	assert.Equal(t, uint32(200), out.Exposure.Usec[0])
	assert.Equal(t, uint16(1000), out.Gray.Pix[0])
}

func TestConvertShortPointBufferKeepsGeometry(t *testing.T) {
	raw := testFrame(3, 3)
	raw.Points = raw.Points[:4]
	out := Convert(raw, "optical")

	assert.Len(t, out.Cloud.Points, 9)
	assert.Len(t, out.Gray.Pix, 9)
	assert.Equal(t, uint16(0), out.Gray.Pix[8])
	assert.Equal(t, uint16(1003), out.Gray.Pix[3])
}

func TestConvertCollapsesOversizedGeometry(t *testing.T) {
	out := Convert(types.RawFrame{Width: 1 << 33, Height: 1 << 31}, "optical")

	assert.Zero(t, out.Gray.Width)
	assert.Zero(t, out.Gray.Height)
	assert.Zero(t, out.Cloud.Width)
	assert.Empty(t, out.Cloud.Points)
	assert.Empty(t, out.Noise.Pix)
}
