package publish

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"depthcam-go/internal/ingest"
	"depthcam-go/internal/types"
)

// Message is the decoded form of a product on the wire. Data holds a flat
// typed slice; point clouds are rows of x, y, z, intensity.
type Message struct {
	Type    string
	Topic   string
	Stamp   time.Time
	FrameID string
	Width   int
	Height  int
	IsDense bool
	Usec    []uint32
	Data    ingest.Array
}

type wireMessage struct {
	Type    string   `cbor:"type"`
	Topic   string   `cbor:"topic"`
	StampNs int64    `cbor:"stamp_ns"`
	FrameID string   `cbor:"frame_id"`
	Width   int      `cbor:"width,omitempty"`
	Height  int      `cbor:"height,omitempty"`
	IsDense bool     `cbor:"is_dense,omitempty"`
	Usec    []uint32 `cbor:"usec,omitempty"`
	Data    any      `cbor:"data,omitempty"`
}

// Encode serializes one product as a CBOR map with its pixel data carried as
// an RFC 8746 typed array.
func Encode(topic string, kind types.ProductKind, payload any) ([]byte, error) {
	msg := wireMessage{Type: string(kind), Topic: topic}
	var (
		head types.Header
		err  error
	)
	switch p := payload.(type) {
	case types.ExposureTimes:
		head = p.Header
		msg.Usec = p.Usec
	case types.Gray16Plane:
		head = p.Header
		msg.Width, msg.Height = p.Width, p.Height
		msg.Data, err = ingest.MultiDim(p.Height, p.Width, p.Pix)
	case types.Gray8Plane:
		head = p.Header
		msg.Width, msg.Height = p.Width, p.Height
		msg.Data, err = ingest.MultiDim(p.Height, p.Width, p.Pix)
	case types.Float32Plane:
		head = p.Header
		msg.Width, msg.Height = p.Width, p.Height
		msg.Data, err = ingest.MultiDim(p.Height, p.Width, p.Pix)
	case types.PointCloud:
		head = p.Header
		msg.Width, msg.Height, msg.IsDense = p.Width, p.Height, p.IsDense
		flat := make([]float32, 0, len(p.Points)*4)
		for _, pt := range p.Points {
			flat = append(flat, pt.X, pt.Y, pt.Z, pt.Intensity)
		}
		msg.Data, err = ingest.MultiDim(len(p.Points), 4, flat)
	default:
		return nil, fmt.Errorf("unsupported payload %T", payload)
	}
	if err != nil {
		return nil, err
	}
	msg.StampNs = head.Stamp.UnixNano()
	msg.FrameID = head.FrameID
	return cbor.Marshal(msg)
}

func Decode(data []byte) (Message, error) {
	var wm wireMessage
	if err := cbor.Unmarshal(data, &wm); err != nil {
		return Message{}, err
	}
	msg := Message{
		Type:    wm.Type,
		Topic:   wm.Topic,
		Stamp:   time.Unix(0, wm.StampNs),
		FrameID: wm.FrameID,
		Width:   wm.Width,
		Height:  wm.Height,
		IsDense: wm.IsDense,
		Usec:    wm.Usec,
	}
	if wm.Data != nil {
		arr, err := ingest.DecodeMultiDim(wm.Data)
		if err != nil {
			return Message{}, fmt.Errorf("data: %w", err)
		}
		msg.Data = arr
	}
	return msg, nil
}
