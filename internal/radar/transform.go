package radar

import (
	"fmt"
	"log"
	"sync"
	"time"

	"gonum.org/v1/gonum/dsp/fourier"

	"vomee-capture-go/internal/frame"
)

type Path string

const (
	PathAccelerated Path = "accelerated"
	PathSoftware    Path = "software"
)

// Transform computes an unnormalized forward DFT of a fixed length.
// dst and src must both have length Len.
type Transform interface {
	Len() int
	Forward(dst, src []complex128) error
}

// Accelerator is a hardware transform handle owned by an external
// collaborator. It may fail at initialization or on any call; either
// failure demotes the whole processor to the software path.
type Accelerator interface {
	NewTransform(n int) (Transform, error)
}

// PathChange records one execution-path decision for session metadata.
type PathChange struct {
	Path   Path      `json:"path"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// bank hands out transforms for the active execution path and owns the
// one-way accelerated-to-software fallback. Once demoted, the bank never
// returns to the accelerated path.
type bank struct {
	mu      sync.Mutex
	accel   Accelerator
	path    Path
	cache   map[int]Transform
	history []PathChange
}

func newBank(accel Accelerator) *bank {
	b := &bank{
		accel: accel,
		path:  PathAccelerated,
		cache: make(map[int]Transform),
	}
	if accel == nil {
		b.path = PathSoftware
		b.history = append(b.history, PathChange{
			Path:   PathSoftware,
			Reason: frame.ErrAccelerationUnavailable.Error(),
			At:     time.Now(),
		})
	} else {
		b.history = append(b.history, PathChange{Path: PathAccelerated, Reason: "init", At: time.Now()})
	}
	return b
}

func (b *bank) Path() Path {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.path
}

func (b *bank) History() []PathChange {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]PathChange(nil), b.history...)
}

// forward runs one DFT on the active path. An accelerated failure demotes
// the bank and returns the error; the caller retries the whole frame so
// that a single frame never mixes execution paths.
func (b *bank) forward(n int, dst, src []complex128) error {
	t, err := b.transform(n)
	if err != nil {
		return err
	}
	if err := t.Forward(dst, src); err != nil {
		b.demote(fmt.Errorf("transform failed: %w", err))
		return fmt.Errorf("%w: %v", frame.ErrAccelerationUnavailable, err)
	}
	return nil
}

func (b *bank) transform(n int) (Transform, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.cache[n]; ok {
		return t, nil
	}
	if b.path == PathAccelerated {
		t, err := b.accel.NewTransform(n)
		if err == nil {
			b.cache[n] = t
			return t, nil
		}
		// Demote and fail the call instead of handing out a software
		// transform: the frame may already have accelerated passes in
		// it, and the caller reruns it whole on the software path.
		b.demoteLocked(fmt.Errorf("transform init failed: %w", err))
		return nil, fmt.Errorf("%w: %v", frame.ErrAccelerationUnavailable, err)
	}
	t := newSoftwareTransform(n)
	b.cache[n] = t
	return t, nil
}

func (b *bank) demote(reason error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.demoteLocked(reason)
}

func (b *bank) demoteLocked(reason error) {
	if b.path == PathSoftware {
		return
	}
	log.Printf("radar: %v; switching to software transforms", reason)
	b.path = PathSoftware
	b.cache = make(map[int]Transform)
	b.history = append(b.history, PathChange{
		Path:   PathSoftware,
		Reason: reason.Error(),
		At:     time.Now(),
	})
}

type softwareTransform struct {
	fft *fourier.CmplxFFT
}

func newSoftwareTransform(n int) Transform {
	return &softwareTransform{fft: fourier.NewCmplxFFT(n)}
}

func (t *softwareTransform) Len() int {
	return t.fft.Len()
}

func (t *softwareTransform) Forward(dst, src []complex128) error {
	t.fft.Coefficients(dst, src)
	return nil
}
