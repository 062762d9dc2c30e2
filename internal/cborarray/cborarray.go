// Package cborarray encodes and decodes RFC 8746 tagged numeric arrays:
// tag 40 multi-dimensional arrays (row-major) wrapping tag 64 (uint8) or
// tag 85 (float32 little-endian) typed arrays. Heatmap and camera records
// on disk, and camera frames on the wire, use this representation.
package cborarray

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/fxamacker/cbor/v2"
)

const (
	tagMultiDimArray = 40
	tagUint8         = 64
	tagFloat32LE     = 85
)

// Float32 wraps a row-major float32 matrix in a tag 40 multidim array.
func Float32(rows, cols int, values []float32) (cbor.Tag, error) {
	if rows*cols != len(values) {
		return cbor.Tag{}, fmt.Errorf("dimension mismatch: %dx%d != %d", rows, cols, len(values))
	}
	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
	return cbor.Tag{
		Number: tagMultiDimArray,
		Content: []any{
			[]any{rows, cols},
			cbor.Tag{Number: tagFloat32LE, Content: data},
		},
	}, nil
}

// Uint8 wraps a row-major byte matrix in a tag 40 multidim array.
func Uint8(rows, cols int, values []byte) (cbor.Tag, error) {
	if rows*cols != len(values) {
		return cbor.Tag{}, fmt.Errorf("dimension mismatch: %dx%d != %d", rows, cols, len(values))
	}
	return cbor.Tag{
		Number: tagMultiDimArray,
		Content: []any{
			[]any{rows, cols},
			cbor.Tag{Number: tagUint8, Content: values},
		},
	}, nil
}

// DecodeFloat32 unwraps a tag 40 value holding a float32 typed array.
func DecodeFloat32(value any) (rows, cols int, values []float32, err error) {
	rows, cols, tag, err := unwrap(value)
	if err != nil {
		return 0, 0, nil, err
	}
	if tag.Number != tagFloat32LE {
		return 0, 0, nil, fmt.Errorf("unsupported typed array tag %d", tag.Number)
	}
	data, ok := tag.Content.([]byte)
	if !ok {
		return 0, 0, nil, errors.New("typed array content is not bytes")
	}
	if len(data) != rows*cols*4 {
		return 0, 0, nil, fmt.Errorf("typed array length %d does not match %dx%d", len(data), rows, cols)
	}
	values = make([]float32, rows*cols)
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return rows, cols, values, nil
}

// DecodeUint8 unwraps a tag 40 value holding a uint8 typed array.
func DecodeUint8(value any) (rows, cols int, values []byte, err error) {
	rows, cols, tag, err := unwrap(value)
	if err != nil {
		return 0, 0, nil, err
	}
	if tag.Number != tagUint8 {
		return 0, 0, nil, fmt.Errorf("unsupported typed array tag %d", tag.Number)
	}
	data, ok := tag.Content.([]byte)
	if !ok {
		return 0, 0, nil, errors.New("typed array content is not bytes")
	}
	if len(data) != rows*cols {
		return 0, 0, nil, fmt.Errorf("typed array length %d does not match %dx%d", len(data), rows, cols)
	}
	return rows, cols, data, nil
}

func unwrap(value any) (rows, cols int, inner cbor.Tag, err error) {
	tag, ok := value.(cbor.Tag)
	if !ok || tag.Number != tagMultiDimArray {
		return 0, 0, cbor.Tag{}, errors.New("expected multidim tag 40")
	}
	items, ok := tag.Content.([]any)
	if !ok || len(items) != 2 {
		return 0, 0, cbor.Tag{}, errors.New("invalid multidim array content")
	}
	dimsRaw, ok := items[0].([]any)
	if !ok || len(dimsRaw) != 2 {
		return 0, 0, cbor.Tag{}, errors.New("invalid multidim dimensions")
	}
	rows, err = toInt(dimsRaw[0])
	if err != nil {
		return 0, 0, cbor.Tag{}, err
	}
	cols, err = toInt(dimsRaw[1])
	if err != nil {
		return 0, 0, cbor.Tag{}, err
	}
	inner, ok = items[1].(cbor.Tag)
	if !ok {
		return 0, 0, cbor.Tag{}, errors.New("expected typed array tag")
	}
	return rows, cols, inner, nil
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
