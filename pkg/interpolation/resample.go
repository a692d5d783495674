// Package interpolation resamples CT volumes onto a new voxel grid.
//
// Sampling follows the corner-aligned convention: output voxel o along an
// axis of input length n and output length m reads the input at position
// o*(n-1)/(m-1), so the first and last voxels of both grids coincide.
// Positions are clamped to the volume, which matches nearest edge handling.
package interpolation

import (
	"fmt"
	"math"
	"runtime"
	"sync"
	"time"

	"lungclassify/internal/models"
)

// Order selects the interpolation kernel
type Order int

const (
	// Nearest copies the closest input voxel
	Nearest Order = iota

	// Linear blends the eight surrounding voxels (trilinear)
	Linear
)

// ProgressCallback is a function that reports progress during resampling
type ProgressCallback func(completed, total int, message string)

// Resampler maps volumes onto a grid with a different spacing
type Resampler struct {
	order   Order
	workers int

	// Quantize rounds every output voxel to the nearest integer. Use it
	// when the input holds integer intensity levels.
	Quantize bool

	progressCallback ProgressCallback
}

// NewResampler creates a resampler. workers <= 0 uses every CPU.
func NewResampler(order Order, workers int) (*Resampler, error) {
	if order != Nearest && order != Linear {
		return nil, fmt.Errorf("unsupported interpolation order %d", order)
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Resampler{order: order, workers: workers}, nil
}

// SetProgressCallback sets a callback invoked after every output slice
func (r *Resampler) SetProgressCallback(callback ProgressCallback) {
	r.progressCallback = callback
}

// OutputShape returns round(shape * spacing / target) per axis. Halves
// round to even.
func OutputShape(shape [3]int, spacing, target [3]float64) ([3]int, error) {
	var out [3]int
	for i := 0; i < 3; i++ {
		if target[i] <= 0 || spacing[i] <= 0 {
			return out, fmt.Errorf("spacing must be positive, got %v -> %v", spacing, target)
		}
		out[i] = int(math.RoundToEven(float64(shape[i]) * spacing[i] / target[i]))
		if out[i] < 1 {
			return out, fmt.Errorf("axis %d of length %d collapses at spacing %v -> %v", i, shape[i], spacing[i], target[i])
		}
	}
	return out, nil
}

// axisMap holds, for every output position along one axis, the two input
// neighbours and the weight of the upper one
type axisMap struct {
	lo, hi []int
	frac   []float32
}

func newAxisMap(in, out int, order Order) axisMap {
	m := axisMap{lo: make([]int, out), hi: make([]int, out), frac: make([]float32, out)}
	scale := 0.0
	if out > 1 {
		scale = float64(in-1) / float64(out-1)
	}
	for o := 0; o < out; o++ {
		pos := math.Min(math.Max(float64(o)*scale, 0), float64(in-1))
		if order == Nearest {
			i := int(math.Floor(pos + 0.5))
			if i > in-1 {
				i = in - 1
			}
			m.lo[o], m.hi[o] = i, i
			continue
		}
		lo := int(math.Floor(pos))
		hi := lo + 1
		if hi > in-1 {
			hi = in - 1
		}
		m.lo[o], m.hi[o] = lo, hi
		m.frac[o] = float32(pos - float64(lo))
	}
	return m
}

// Resample returns vol resampled to the target spacing (z, y, x). The
// spacing of the result is the true spacing, which differs from target by
// the rounding of the output shape.
func (r *Resampler) Resample(vol *models.Volume, target [3]float64) (*models.Volume, error) {
	if err := vol.Validate(); err != nil {
		return nil, err
	}
	shape := vol.Shape()
	outShape, err := OutputShape(shape, vol.Spacing, target)
	if err != nil {
		return nil, err
	}

	var trueSpacing [3]float64
	var maps [3]axisMap
	for i := 0; i < 3; i++ {
		trueSpacing[i] = vol.Spacing[i] * float64(shape[i]) / float64(outShape[i])
		maps[i] = newAxisMap(shape[i], outShape[i], r.order)
	}

	out := models.NewVolume(outShape[0], outShape[1], outShape[2], trueSpacing)
	start := time.Now()

	// one job per output slice, results reported back through done
	jobs := make(chan int)
	done := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < r.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for z := range jobs {
				r.resampleSlice(vol, out, maps, z)
				done <- z
			}
		}()
	}
	go func() {
		for z := 0; z < outShape[0]; z++ {
			jobs <- z
		}
		close(jobs)
	}()
	go func() {
		wg.Wait()
		close(done)
	}()

	completed := 0
	for range done {
		completed++
		r.reportProgress(completed, outShape[0], start)
	}
	return out, nil
}

func (r *Resampler) resampleSlice(vol, out *models.Volume, maps [3]axisMap, z int) {
	mz, my, mx := maps[0], maps[1], maps[2]
	z0, z1, fz := mz.lo[z], mz.hi[z], mz.frac[z]
	for y := 0; y < out.Height; y++ {
		y0, y1, fy := my.lo[y], my.hi[y], my.frac[y]
		row := out.Data[out.Index(z, y, 0) : out.Index(z, y, 0)+out.Width]
		for x := range row {
			x0, x1, fx := mx.lo[x], mx.hi[x], mx.frac[x]
			var v float32
			if r.order == Nearest {
				v = vol.At(z0, y0, x0)
			} else {
				c00 := lerp(vol.At(z0, y0, x0), vol.At(z0, y0, x1), fx)
				c01 := lerp(vol.At(z0, y1, x0), vol.At(z0, y1, x1), fx)
				c10 := lerp(vol.At(z1, y0, x0), vol.At(z1, y0, x1), fx)
				c11 := lerp(vol.At(z1, y1, x0), vol.At(z1, y1, x1), fx)
				v = lerp(lerp(c00, c01, fy), lerp(c10, c11, fy), fz)
			}
			if r.Quantize {
				v = float32(math.Round(float64(v)))
			}
			row[x] = v
		}
	}
}

func lerp(a, b, t float32) float32 {
	if t == 0 {
		return a
	}
	return a + (b-a)*t
}

// reportProgress reports progress if a callback is set
func (r *Resampler) reportProgress(completed, total int, start time.Time) {
	if r.progressCallback == nil {
		return
	}
	r.progressCallback(completed, total, fmt.Sprintf("resampled slice %d/%d in %s", completed, total, time.Since(start).Round(time.Millisecond)))
}
