package ingest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/fxamacker/cbor/v2"
)

// RFC 8746 tag numbers.
const (
	tagMultiDimArray = 40
	tagUint8         = 64
	tagUint16LE      = 69
	tagUint32LE      = 70
	tagFloat32LE     = 85
)

// Array is a decoded multi-dimensional typed array with its row-major data
// kept flat. Data holds one of []uint8, []uint16, []uint32 or []float32.
type Array struct {
	Rows int
	Cols int
	Data any
}

func (a Array) Len() int {
	switch v := a.Data.(type) {
	case []uint8:
		return len(v)
	case []uint16:
		return len(v)
	case []uint32:
		return len(v)
	case []float32:
		return len(v)
	default:
		return 0
	}
}

// MultiDim wraps a flat typed slice as a tag 40 array of shape rows x cols.
func MultiDim(rows, cols int, flat any) (cbor.Tag, error) {
	typed, err := encodeTypedArray(flat)
	if err != nil {
		return cbor.Tag{}, err
	}
	return cbor.Tag{
		Number:  tagMultiDimArray,
		Content: []any{[]any{rows, cols}, typed},
	}, nil
}

// DecodeMultiDim accepts either a tag 40 array or a bare typed array, which
// is treated as a single row.
func DecodeMultiDim(value any) (Array, error) {
	tag, ok := value.(cbor.Tag)
	if !ok {
		return Array{}, fmt.Errorf("expected tagged array, got %T", value)
	}
	if tag.Number != tagMultiDimArray {
		flat, err := decodeTypedArray(tag)
		if err != nil {
			return Array{}, err
		}
		arr := Array{Rows: 1, Data: flat}
		arr.Cols = arr.Len()
		return arr, nil
	}

	items, ok := tag.Content.([]any)
	if !ok || len(items) != 2 {
		return Array{}, fmt.Errorf("invalid multidim array content")
	}

	dimsRaw, ok := items[0].([]any)
	if !ok || len(dimsRaw) != 2 {
		return Array{}, fmt.Errorf("invalid multidim dimensions")
	}

	rows, err := toInt(dimsRaw[0])
	if err != nil {
		return Array{}, err
	}
	cols, err := toInt(dimsRaw[1])
	if err != nil {
		return Array{}, err
	}

	flat, err := decodeTypedArray(items[1])
	if err != nil {
		return Array{}, err
	}

	arr := Array{Rows: rows, Cols: cols, Data: flat}
	if rows*cols != arr.Len() {
		return Array{}, errors.New("dimension mismatch")
	}
	return arr, nil
}

func decodeTypedArray(value any) (any, error) {
	tag, ok := value.(cbor.Tag)
	if !ok {
		return nil, fmt.Errorf("expected typed array tag")
	}

	dataBytes, ok := tag.Content.([]byte)
	if !ok {
		return nil, fmt.Errorf("unsupported typed array content %T", tag.Content)
	}

	switch tag.Number {
	case tagUint8:
		return dataBytes, nil
	case tagUint16LE:
		return bytesToUint16(dataBytes), nil
	case tagUint32LE:
		return bytesToUint32(dataBytes), nil
	case tagFloat32LE:
		return bytesToFloat32(dataBytes), nil
	default:
		return nil, fmt.Errorf("unsupported typed array tag %d", tag.Number)
	}
}

func encodeTypedArray(flat any) (cbor.Tag, error) {
	switch v := flat.(type) {
	case []uint8:
		out := make([]byte, len(v))
		copy(out, v)
		return cbor.Tag{Number: tagUint8, Content: out}, nil
	case []uint16:
		return cbor.Tag{Number: tagUint16LE, Content: uint16ToBytes(v)}, nil
	case []uint32:
		return cbor.Tag{Number: tagUint32LE, Content: uint32ToBytes(v)}, nil
	case []float32:
		return cbor.Tag{Number: tagFloat32LE, Content: float32ToBytes(v)}, nil
	default:
		return cbor.Tag{}, fmt.Errorf("unsupported typed array type %T", flat)
	}
}

func bytesToUint16(data []byte) []uint16 {
	out := make([]uint16, len(data)/2)
	for i := 0; i < len(out); i++ {
		out[i] = binary.LittleEndian.Uint16(data[i*2 : i*2+2])
	}
	return out
}

func bytesToUint32(data []byte) []uint32 {
	out := make([]uint32, len(data)/4)
	for i := 0; i < len(out); i++ {
		out[i] = binary.LittleEndian.Uint32(data[i*4 : i*4+4])
	}
	return out
}

func bytesToFloat32(data []byte) []float32 {
	out := make([]float32, len(data)/4)
	for i := 0; i < len(out); i++ {
		bits := binary.LittleEndian.Uint32(data[i*4 : i*4+4])
		out[i] = math.Float32frombits(bits)
	}
	return out
}

func uint16ToBytes(values []uint16) []byte {
	out := make([]byte, len(values)*2)
	for i, v := range values {
		binary.LittleEndian.PutUint16(out[i*2:], v)
	}
	return out
}

func uint32ToBytes(values []uint32) []byte {
	out := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[i*4:], v)
	}
	return out
}

func float32ToBytes(values []float32) []byte {
	out := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}
