package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"vomee-capture-go/internal/frame"
)

// Policies applied for the whole lifetime of a session. They are chosen
// at start and recorded in session metadata, never switched per-frame.
const (
	PartialEmit = "emit"
	PartialDrop = "drop"

	BackpressureBlock      = "block"
	BackpressureDropOldest = "drop_oldest"
)

type Config struct {
	Adc frame.AdcParams `yaml:"adc"`

	FramePeriodMs  int  `yaml:"frame_period_ms"`
	AngleBins      int  `yaml:"angle_bins"`
	Window         bool `yaml:"window"`
	DopplerAzimuth bool `yaml:"doppler_azimuth"`

	SyncToleranceMs   float64 `yaml:"sync_tolerance_ms"`
	SyncWaitMs        float64 `yaml:"sync_wait_ms"`
	SyncPartialPolicy string  `yaml:"sync_partial_policy"`

	RadarQueue    int    `yaml:"radar_queue"`
	SyncQueue     int    `yaml:"sync_queue"`
	WriterQueue   int    `yaml:"writer_queue"`
	WriterPolicy  string `yaml:"writer_policy"`
	WriterBlockMs int    `yaml:"writer_block_ms"`

	EnableRadar    bool `yaml:"enable_radar"`
	EnableCamera   bool `yaml:"enable_camera"`
	EnableSkeleton bool `yaml:"enable_skeleton"`
	RecordRaw      bool `yaml:"record_raw"`

	RadarListenAddr  string `yaml:"radar_listen_addr"`
	CameraEndpoint   string `yaml:"camera_endpoint"`
	SkeletonEndpoint string `yaml:"skeleton_endpoint"`

	OutputDir string `yaml:"output_dir"`
	Port      int    `yaml:"port"`
}

func Default() Config {
	return Config{
		Adc:               frame.DefaultAdcParams(),
		FramePeriodMs:     100,
		AngleBins:         256,
		Window:            false,
		SyncToleranceMs:   50,
		SyncWaitMs:        200,
		SyncPartialPolicy: PartialDrop,
		RadarQueue:        100,
		SyncQueue:         32,
		WriterQueue:       100,
		WriterPolicy:      BackpressureDropOldest,
		WriterBlockMs:     50,
		EnableRadar:       true,
		EnableCamera:      true,
		EnableSkeleton:    true,
		RecordRaw:         true,
		RadarListenAddr:   ":4098",
		CameraEndpoint:    "tcp://localhost:5556",
		SkeletonEndpoint:  "tcp://localhost:5557",
		OutputDir:         "recordings",
		Port:              8890,
	}
}

// LoadFile overlays values from a YAML file onto c. Absent keys keep the
// values already set.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

func (c Config) Validate() error {
	if c.Adc.Chirps < 1 || c.Adc.Rx < 1 || c.Adc.Tx < 1 || c.Adc.Samples < 1 {
		return fmt.Errorf("invalid adc geometry %+v", c.Adc)
	}
	if c.Adc.IQ != 2 || c.Adc.Bytes != 2 {
		return fmt.Errorf("unsupported sample format: iq=%d bytes=%d", c.Adc.IQ, c.Adc.Bytes)
	}
	if c.Adc.Samples%2 != 0 {
		return fmt.Errorf("samples per chirp must be even, got %d", c.Adc.Samples)
	}
	if c.AngleBins < c.Adc.VirtualAntennas() {
		return fmt.Errorf("angle_bins %d smaller than virtual array %d", c.AngleBins, c.Adc.VirtualAntennas())
	}
	if c.FramePeriodMs < 1 {
		return fmt.Errorf("invalid frame_period_ms %d", c.FramePeriodMs)
	}
	if c.SyncToleranceMs <= 0 || c.SyncWaitMs <= 0 {
		return fmt.Errorf("invalid sync window: tolerance=%v wait=%v", c.SyncToleranceMs, c.SyncWaitMs)
	}
	switch c.SyncPartialPolicy {
	case PartialEmit, PartialDrop:
	default:
		return fmt.Errorf("unknown sync_partial_policy %q", c.SyncPartialPolicy)
	}
	switch c.WriterPolicy {
	case BackpressureBlock, BackpressureDropOldest:
	default:
		return fmt.Errorf("unknown writer_policy %q", c.WriterPolicy)
	}
	if c.RadarQueue < 1 || c.SyncQueue < 1 || c.WriterQueue < 1 {
		return fmt.Errorf("queue depths must be positive")
	}
	if !c.EnableRadar && !c.EnableCamera && !c.EnableSkeleton {
		return fmt.Errorf("no modality enabled")
	}
	return nil
}

func (c Config) FramePeriod() time.Duration {
	return time.Duration(c.FramePeriodMs) * time.Millisecond
}

// SyncTolerance in seconds, the unit frame timestamps use.
func (c Config) SyncTolerance() float64 {
	return c.SyncToleranceMs / 1000
}

func (c Config) SyncWait() time.Duration {
	return time.Duration(c.SyncWaitMs * float64(time.Millisecond))
}

func (c Config) WriterBlock() time.Duration {
	return time.Duration(c.WriterBlockMs) * time.Millisecond
}
