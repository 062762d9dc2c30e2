package source

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync/atomic"

	"github.com/fxamacker/cbor/v2"
	"github.com/pebbe/zmq4"

	"vomee-capture-go/internal/cborarray"
	"vomee-capture-go/internal/frame"
)

// CameraZMQ pulls CBOR camera messages:
// { "type": "camera", "ts": <float>, "width": <int>, "height": <int>,
//   "pixels": <tag 40 uint8 array, height x width> }
type CameraZMQ struct {
	endpoint string

	produced atomic.Uint64
	rejected atomic.Uint64
}

func NewCameraZMQ(endpoint string) *CameraZMQ {
	return &CameraZMQ{endpoint: endpoint}
}

func (c *CameraZMQ) Stats() Stats {
	return Stats{Produced: c.produced.Load(), Rejected: c.rejected.Load()}
}

func (c *CameraZMQ) Run(ctx context.Context) (<-chan *frame.CameraFrame, error) {
	socket, err := pullSocket(c.endpoint)
	if err != nil {
		return nil, err
	}

	out := make(chan *frame.CameraFrame, 16)
	go func() {
		defer close(out)
		defer socket.Close()

		lastTs := math.Inf(-1)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			msg, err := socket.RecvBytes(0)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logEveryN(logEvery, "camera source: recv error: %v", err)
				continue
			}
			f, err := decodeCamera(msg)
			if err != nil {
				c.rejected.Add(1)
				logEveryN(logEvery, "camera source: %v", err)
				continue
			}
			if f.Timestamp <= lastTs {
				c.rejected.Add(1)
				continue
			}
			lastTs = f.Timestamp

			select {
			case <-ctx.Done():
				return
			case out <- f:
				c.produced.Add(1)
			}
		}
	}()

	return out, nil
}

func decodeCamera(msg []byte) (*frame.CameraFrame, error) {
	var payload map[string]any
	if err := cbor.Unmarshal(msg, &payload); err != nil {
		return nil, fmt.Errorf("decode error: %v", err)
	}
	if msgType, _ := payload["type"].(string); msgType != "camera" {
		return nil, fmt.Errorf("unexpected message type %q", payload["type"])
	}
	ts, err := toFloat(payload["ts"])
	if err != nil {
		return nil, fmt.Errorf("invalid ts: %v", err)
	}
	width, err := toInt(payload["width"])
	if err != nil {
		return nil, fmt.Errorf("invalid width: %v", err)
	}
	height, err := toInt(payload["height"])
	if err != nil {
		return nil, fmt.Errorf("invalid height: %v", err)
	}
	rows, cols, pixels, err := cborarray.DecodeUint8(payload["pixels"])
	if err != nil {
		return nil, fmt.Errorf("invalid pixels: %v", err)
	}
	if rows != height || cols != width {
		return nil, fmt.Errorf("pixel array %dx%d does not match %dx%d", rows, cols, height, width)
	}
	return &frame.CameraFrame{Timestamp: ts, Width: width, Height: height, Pixels: pixels}, nil
}

// SkeletonZMQ pulls CBOR pose messages:
// { "type": "skeleton", "ts": <float>,
//   "landmarks": [[x, y, z, confidence] x 33] }
type SkeletonZMQ struct {
	endpoint string

	produced atomic.Uint64
	rejected atomic.Uint64
}

func NewSkeletonZMQ(endpoint string) *SkeletonZMQ {
	return &SkeletonZMQ{endpoint: endpoint}
}

func (s *SkeletonZMQ) Stats() Stats {
	return Stats{Produced: s.produced.Load(), Rejected: s.rejected.Load()}
}

func (s *SkeletonZMQ) Run(ctx context.Context) (<-chan *frame.SkeletonFrame, error) {
	socket, err := pullSocket(s.endpoint)
	if err != nil {
		return nil, err
	}

	out := make(chan *frame.SkeletonFrame, 16)
	go func() {
		defer close(out)
		defer socket.Close()

		lastTs := math.Inf(-1)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			msg, err := socket.RecvBytes(0)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logEveryN(logEvery, "skeleton source: recv error: %v", err)
				continue
			}
			f, err := decodeSkeleton(msg)
			if err != nil {
				s.rejected.Add(1)
				logEveryN(logEvery, "skeleton source: %v", err)
				continue
			}
			if f.Timestamp <= lastTs {
				s.rejected.Add(1)
				continue
			}
			lastTs = f.Timestamp

			select {
			case <-ctx.Done():
				return
			case out <- f:
				s.produced.Add(1)
			}
		}
	}()

	return out, nil
}

func decodeSkeleton(msg []byte) (*frame.SkeletonFrame, error) {
	var payload map[string]any
	if err := cbor.Unmarshal(msg, &payload); err != nil {
		return nil, fmt.Errorf("decode error: %v", err)
	}
	if msgType, _ := payload["type"].(string); msgType != "skeleton" {
		return nil, fmt.Errorf("unexpected message type %q", payload["type"])
	}
	ts, err := toFloat(payload["ts"])
	if err != nil {
		return nil, fmt.Errorf("invalid ts: %v", err)
	}
	raw, ok := payload["landmarks"].([]any)
	if !ok {
		return nil, fmt.Errorf("invalid landmarks field")
	}
	if len(raw) != frame.SkeletonLandmarks {
		return nil, fmt.Errorf("landmark count %d, want %d", len(raw), frame.SkeletonLandmarks)
	}
	landmarks := make([]frame.Landmark, len(raw))
	for i, item := range raw {
		coords, ok := item.([]any)
		if !ok || len(coords) != 4 {
			return nil, fmt.Errorf("invalid landmark %d", i)
		}
		var vals [4]float64
		for j, c := range coords {
			vals[j], err = toFloat(c)
			if err != nil {
				return nil, fmt.Errorf("invalid landmark %d: %v", i, err)
			}
		}
		landmarks[i] = frame.Landmark{X: vals[0], Y: vals[1], Z: vals[2], Confidence: vals[3]}
	}
	return &frame.SkeletonFrame{Timestamp: ts, Landmarks: landmarks}, nil
}

// logEvery throttles decode and recv error logging; a misbehaving
// publisher produces one line per logEvery failures instead of one per
// message.
const logEvery = 100

var logCounter atomic.Uint64

func logEveryN(n uint64, format string, args ...any) {
	if logCounter.Add(1)%n == 0 {
		log.Printf(format, args...)
	}
}

func pullSocket(endpoint string) (*zmq4.Socket, error) {
	socket, err := zmq4.NewSocket(zmq4.PULL)
	if err != nil {
		return nil, err
	}
	if err := socket.Connect(endpoint); err != nil {
		_ = socket.Close()
		return nil, err
	}
	return socket, nil
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

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("unsupported float type %T", v)
	}
}
