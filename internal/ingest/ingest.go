// Package ingest pulls CBOR-encoded depth frames from a bridge daemon's ZMQ
// stream and decodes them into raw frames.
//
// Message shape:
//
//	{ "type": "depth", "serial": <str>, "stream_id": <int>, "timestamp_us": <int>,
//	  "width": <int>, "height": <int>, "exposure_times": [<int>, ...],
//	  "x": tag40, "y": tag40, "z": tag40, "noise": tag40,   (float32)
//	  "gray": tag40 (uint16), "conf": tag40 (uint8) }
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pebbe/zmq4"

	"depthcam-go/internal/types"
)

const recvTimeout = 250 * time.Millisecond

var (
	decodeFailures atomic.Uint64
	logCounter     atomic.Uint64
)

// DecodeFailures returns the number of messages dropped since process start.
func DecodeFailures() uint64 {
	return decodeFailures.Load()
}

// Stream connects a PULL socket to endpoint and yields frames for serial
// until ctx is cancelled. An empty serial accepts frames from any device.
func Stream(ctx context.Context, endpoint string, serial string, logEvery int) (<-chan types.RawFrame, error) {
	if logEvery < 1 {
		logEvery = 1
	}
	socket, err := zmq4.NewSocket(zmq4.PULL)
	if err != nil {
		return nil, err
	}
	if err := socket.SetRcvtimeo(recvTimeout); err != nil {
		_ = socket.Close()
		return nil, err
	}
	if err := socket.Connect(endpoint); err != nil {
		_ = socket.Close()
		return nil, err
	}

	out := make(chan types.RawFrame, 8)
	go func() {
		defer close(out)
		defer socket.Close()

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			msg, err := socket.RecvBytes(0)
			if err != nil {
				if zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN) {
					continue
				}
				logEveryN(logEvery, "ingest: recv error", "error", err)
				continue
			}

			frame, from, err := DecodeFrame(msg)
			if err != nil {
				decodeFailures.Add(1)
				logEveryN(logEvery, "ingest: decode skipped message", "error", err)
				continue
			}
			if serial != "" && from != serial {
				continue
			}

			select {
			case <-ctx.Done():
				return
			case out <- frame:
			}
		}
	}()

	return out, nil
}

// DecodeFrame decodes one bridge message and returns the frame together with
// the serial number of the device that produced it.
func DecodeFrame(msg []byte) (types.RawFrame, string, error) {
	var payload map[string]any
	if err := cbor.Unmarshal(msg, &payload); err != nil {
		return types.RawFrame{}, "", fmt.Errorf("cbor: %w", err)
	}

	msgType, _ := payload["type"].(string)
	if msgType != "depth" {
		return types.RawFrame{}, "", fmt.Errorf("ignoring message type %q", msgType)
	}
	serial, _ := payload["serial"].(string)

	streamID, err := toInt(payload["stream_id"])
	if err != nil {
		return types.RawFrame{}, serial, fmt.Errorf("stream_id: %w", err)
	}
	if streamID < 0 || streamID > math.MaxUint16 {
		return types.RawFrame{}, serial, fmt.Errorf("stream_id %d out of range", streamID)
	}
	stampUs, err := toInt(payload["timestamp_us"])
	if err != nil {
		return types.RawFrame{}, serial, fmt.Errorf("timestamp_us: %w", err)
	}
	width, err := toInt(payload["width"])
	if err != nil {
		return types.RawFrame{}, serial, fmt.Errorf("width: %w", err)
	}
	height, err := toInt(payload["height"])
	if err != nil {
		return types.RawFrame{}, serial, fmt.Errorf("height: %w", err)
	}
	total, ok := types.PixelCount(width, height)
	if !ok {
		return types.RawFrame{}, serial, fmt.Errorf("invalid geometry %dx%d", width, height)
	}

	var exposures []uint32
	if list, ok := payload["exposure_times"].([]any); ok {
		exposures = make([]uint32, 0, len(list))
		for _, v := range list {
			usec, err := toUint32(v)
			if err != nil {
				return types.RawFrame{}, serial, fmt.Errorf("exposure_times: %w", err)
			}
			exposures = append(exposures, usec)
		}
	}

	xs, err := float32Field(payload, "x", total)
	if err != nil {
		return types.RawFrame{}, serial, err
	}
	ys, err := float32Field(payload, "y", total)
	if err != nil {
		return types.RawFrame{}, serial, err
	}
	zs, err := float32Field(payload, "z", total)
	if err != nil {
		return types.RawFrame{}, serial, err
	}
	noise, err := float32Field(payload, "noise", total)
	if err != nil {
		return types.RawFrame{}, serial, err
	}
	grayArr, err := field(payload, "gray", total)
	if err != nil {
		return types.RawFrame{}, serial, err
	}
	gray, ok := grayArr.Data.([]uint16)
	if !ok {
		return types.RawFrame{}, serial, fmt.Errorf("gray: unexpected element type %T", grayArr.Data)
	}
	confArr, err := field(payload, "conf", total)
	if err != nil {
		return types.RawFrame{}, serial, err
	}
	conf, ok := confArr.Data.([]uint8)
	if !ok {
		return types.RawFrame{}, serial, fmt.Errorf("conf: unexpected element type %T", confArr.Data)
	}

	points := make([]types.DepthPoint, total)
	for i := range points {
		points[i] = types.DepthPoint{
			X:               xs[i],
			Y:               ys[i],
			Z:               zs[i],
			Noise:           noise[i],
			GrayValue:       gray[i],
			DepthConfidence: conf[i],
		}
	}

	return types.RawFrame{
		StreamID:      uint16(streamID),
		Width:         width,
		Height:        height,
		Timestamp:     time.UnixMicro(int64(stampUs)),
		ExposureTimes: exposures,
		Points:        points,
	}, serial, nil
}

// EncodeFrame is the inverse of DecodeFrame.
func EncodeFrame(serial string, frame types.RawFrame) ([]byte, error) {
	total := len(frame.Points)
	xs := make([]float32, total)
	ys := make([]float32, total)
	zs := make([]float32, total)
	noise := make([]float32, total)
	gray := make([]uint16, total)
	conf := make([]uint8, total)
	for i, p := range frame.Points {
		xs[i], ys[i], zs[i], noise[i] = p.X, p.Y, p.Z, p.Noise
		gray[i] = p.GrayValue
		conf[i] = p.DepthConfidence
	}

	msg := map[string]any{
		"type":           "depth",
		"serial":         serial,
		"stream_id":      int(frame.StreamID),
		"timestamp_us":   frame.Timestamp.UnixMicro(),
		"width":          frame.Width,
		"height":         frame.Height,
		"exposure_times": frame.ExposureTimes,
	}
	for name, flat := range map[string]any{
		"x": xs, "y": ys, "z": zs, "noise": noise, "gray": gray, "conf": conf,
	} {
		tag, err := MultiDim(frame.Height, frame.Width, flat)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		msg[name] = tag
	}
	return cbor.Marshal(msg)
}

func field(payload map[string]any, name string, total int) (Array, error) {
	raw, ok := payload[name]
	if !ok {
		return Array{}, fmt.Errorf("missing field %q", name)
	}
	arr, err := DecodeMultiDim(raw)
	if err != nil {
		return Array{}, fmt.Errorf("%s: %w", name, err)
	}
	if arr.Len() != total {
		return Array{}, fmt.Errorf("%s: got %d elements, want %d", name, arr.Len(), total)
	}
	return arr, nil
}

func float32Field(payload map[string]any, name string, total int) ([]float32, error) {
	arr, err := field(payload, name, total)
	if err != nil {
		return nil, err
	}
	values, ok := arr.Data.([]float32)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected element type %T", name, arr.Data)
	}
	return values, nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case uint32:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("unsupported int type %T", v)
	}
}

func toUint32(v any) (uint32, error) {
	switch n := v.(type) {
	case uint32:
		return n, nil
	case uint64:
		return uint32(n), nil
	case int:
		return uint32(n), nil
	case int64:
		return uint32(n), nil
	case float64:
		return uint32(n), nil
	default:
		return 0, errors.New("unsupported uint type")
	}
}

func logEveryN(n int, msg string, args ...any) {
	if logCounter.Add(1)%uint64(n) == 0 {
		slog.Warn(msg, args...)
	}
}
