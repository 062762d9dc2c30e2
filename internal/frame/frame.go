// Package frame defines the data units exchanged between capture sources,
// the radar processor, the synchronizer and the recorder.
package frame

import "fmt"

type Modality string

const (
	ModalityRadar    Modality = "radar"
	ModalityCamera   Modality = "camera"
	ModalitySkeleton Modality = "skeleton"
)

// SkeletonLandmarks is the fixed landmark cardinality of the pose model.
const SkeletonLandmarks = 33

// AdcParams describes the radar ADC cube geometry. A raw frame is indexed
// by (tx, rx, chirp, range sample, I/Q) with Bytes per sample component.
type AdcParams struct {
	Chirps  int `yaml:"chirps" json:"chirps"`
	Rx      int `yaml:"rx" json:"rx"`
	Tx      int `yaml:"tx" json:"tx"`
	Samples int `yaml:"samples" json:"samples"`
	IQ      int `yaml:"iq" json:"iq"`
	Bytes   int `yaml:"bytes" json:"bytes"`
}

// DefaultAdcParams matches the TI IWR1843 configuration.
func DefaultAdcParams() AdcParams {
	return AdcParams{
		Chirps:  255,
		Rx:      4,
		Tx:      2,
		Samples: 256,
		IQ:      2,
		Bytes:   2,
	}
}

// FrameBytes returns the exact byte length of one raw ADC cube.
func (p AdcParams) FrameBytes() int {
	return p.Chirps * p.Rx * p.Tx * p.Samples * p.IQ * p.Bytes
}

// FrameSamples returns the number of int16 sample components per cube.
func (p AdcParams) FrameSamples() int {
	return p.FrameBytes() / p.Bytes
}

// VirtualAntennas is the azimuth array size formed by the first two
// transmit antennas.
func (p AdcParams) VirtualAntennas() int {
	return 2 * p.Rx
}

// ValidateCube rejects any byte length that is not exactly one cube.
// Undersized and oversized payloads are equally malformed; nothing is
// truncated or padded.
func (p AdcParams) ValidateCube(n int) error {
	if want := p.FrameBytes(); n != want {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrMalformedCube, n, want)
	}
	return nil
}

// RawAdcFrame is one assembled ADC cube. Data holds the int16 sample
// components in wire order; Seq increases monotonically per source.
type RawAdcFrame struct {
	Seq       uint64
	Timestamp float64
	Data      []int16
}

// Heatmap is a 2-D real-valued magnitude map, row-major.
type Heatmap struct {
	Seq       uint64
	Timestamp float64
	Rows      int
	Cols      int
	Values    []float32
}

func (h *Heatmap) At(r, c int) float32 {
	return h.Values[r*h.Cols+c]
}

// RadarProduct bundles the heatmaps derived from one raw cube. It carries
// the originating frame's sequence number and timestamp unchanged.
// DopplerAzimuth is nil unless the third product is enabled.
type RadarProduct struct {
	Seq            uint64
	Timestamp      float64
	RangeDoppler   *Heatmap
	RangeAzimuth   *Heatmap
	DopplerAzimuth *Heatmap
}

// CameraFrame is one captured image. Landmarks is an optional annotation
// attached upstream; it is never synthesized downstream.
type CameraFrame struct {
	Timestamp float64
	Width     int
	Height    int
	Pixels    []uint8
	Landmarks *SkeletonFrame
}

type Landmark struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Z          float64 `json:"z"`
	Confidence float64 `json:"confidence"`
}

// SkeletonFrame is one pose-landmark observation of fixed cardinality.
type SkeletonFrame struct {
	Timestamp float64
	Landmarks []Landmark
}

// SyncedSet is one jointly-timestamped bundle. Ref is the earliest
// contributing timestamp; MaxOffset is the achieved maximum pairwise
// offset in seconds. A modality listed in Missing contributed nothing
// (its pointer is nil); every present pointer is exactly one frame.
type SyncedSet struct {
	Ref       float64
	MaxOffset float64
	Radar     *RadarProduct
	Camera    *CameraFrame
	Skeleton  *SkeletonFrame
	Missing   []Modality
}

// Partial reports whether any enabled modality was missing.
func (s *SyncedSet) Partial() bool {
	return len(s.Missing) > 0
}
