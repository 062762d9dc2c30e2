package source

import (
	"context"
	"math"
	"math/rand"
	"time"

	"vomee-capture-go/internal/frame"
)

// SimulateRadar emits synthetic ADC cubes at the frame period: a single
// slowly oscillating target plus noise, enough structure that the
// heatmaps show a moving blob.
func SimulateRadar(ctx context.Context, adc frame.AdcParams, period time.Duration) <-chan frame.RawAdcFrame {
	out := make(chan frame.RawAdcFrame)
	go func() {
		defer close(out)

		ticker := time.NewTicker(period)
		defer ticker.Stop()

		samples := adc.FrameSamples()
		seq := uint64(0)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				phase := float64(seq) * 0.2
				data := make([]int16, samples)
				for i := range data {
					s := 400 * math.Sin(2*math.Pi*float64(i%adc.Samples)/16+phase)
					data[i] = int16(s + rand.NormFloat64()*40)
				}
				f := frame.RawAdcFrame{
					Seq:       seq,
					Timestamp: float64(time.Now().UnixNano()) / 1e9,
					Data:      data,
				}
				select {
				case <-ctx.Done():
					return
				case out <- f:
				}
				seq++
			}
		}
	}()
	return out
}

// SimulateCamera emits grayscale gradient frames with a wandering bright
// square.
func SimulateCamera(ctx context.Context, width, height int, period time.Duration) <-chan *frame.CameraFrame {
	out := make(chan *frame.CameraFrame)
	go func() {
		defer close(out)

		ticker := time.NewTicker(period)
		defer ticker.Stop()

		tick := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cx := (tick * 3) % width
				cy := (tick * 2) % height
				pixels := make([]byte, width*height)
				for y := 0; y < height; y++ {
					for x := 0; x < width; x++ {
						v := (x + y + tick) % 256
						if abs(x-cx) < 8 && abs(y-cy) < 8 {
							v = 255
						}
						pixels[y*width+x] = byte(v)
					}
				}
				f := &frame.CameraFrame{
					Timestamp: float64(time.Now().UnixNano()) / 1e9,
					Width:     width,
					Height:    height,
					Pixels:    pixels,
				}
				select {
				case <-ctx.Done():
					return
				case out <- f:
				}
				tick++
			}
		}
	}()
	return out
}

// SimulateSkeleton emits a fixed-cardinality pose swaying side to side.
func SimulateSkeleton(ctx context.Context, period time.Duration) <-chan *frame.SkeletonFrame {
	out := make(chan *frame.SkeletonFrame)
	go func() {
		defer close(out)

		ticker := time.NewTicker(period)
		defer ticker.Stop()

		tick := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sway := 0.1 * math.Sin(float64(tick)*0.15)
				landmarks := make([]frame.Landmark, frame.SkeletonLandmarks)
				for i := range landmarks {
					landmarks[i] = frame.Landmark{
						X:          0.5 + sway + 0.01*float64(i%5),
						Y:          float64(i) / frame.SkeletonLandmarks,
						Z:          -0.05 * float64(i%3),
						Confidence: 0.8 + 0.2*rand.Float64(),
					}
				}
				f := &frame.SkeletonFrame{
					Timestamp: float64(time.Now().UnixNano()) / 1e9,
					Landmarks: landmarks,
				}
				select {
				case <-ctx.Done():
					return
				case out <- f:
				}
				tick++
			}
		}
	}()
	return out
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
