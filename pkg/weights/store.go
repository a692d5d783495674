// Package weights loads and stores pretrained network parameters.
//
// Parameters are kept in the safetensors container format: an 8-byte
// little-endian header length, a JSON header describing every tensor
// (dtype, shape and byte range), and the raw little-endian tensor data.
// Names follow the PyTorch state_dict of the original model, for example
// "NoduleNet.forw1.0.conv1.weight" or "fc2.bias".
//
// Loading is strict: every tensor the network asks for must exist with the
// exact shape, and every tensor in the file must be consumed.
package weights

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"gorgonia.org/tensor"
)

var (
	// ErrMissingTensor is returned when a requested parameter is absent
	ErrMissingTensor = errors.New("missing tensor")

	// ErrShapeMismatch is returned when a parameter has an unexpected shape
	ErrShapeMismatch = errors.New("tensor shape mismatch")

	// ErrUnusedTensors is returned when a file holds parameters no layer consumed
	ErrUnusedTensors = errors.New("unused tensors")

	// ErrUnsupportedDType is returned for tensor element types that cannot be read
	ErrUnsupportedDType = errors.New("unsupported dtype")
)

// ignoredSuffixes name bookkeeping buffers that carry no inference state
var ignoredSuffixes = []string{".num_batches_tracked"}

// Store is a named collection of float32 tensors
type Store struct {
	tensors map[string]*tensor.Dense
	taken   map[string]bool

	// Metadata holds the free-form "__metadata__" header entries
	Metadata map[string]string
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		tensors:  make(map[string]*tensor.Dense),
		taken:    make(map[string]bool),
		Metadata: make(map[string]string),
	}
}

// Set adds or replaces a tensor. The data is not copied.
func (s *Store) Set(name string, shape []int, data []float32) error {
	size := 1
	for _, d := range shape {
		size *= d
	}
	if size != len(data) {
		return fmt.Errorf("%w: %s has %d values for shape %v", ErrShapeMismatch, name, len(data), shape)
	}
	// zero-dimensional tensors are stored as a single element vector
	if len(shape) == 0 {
		shape = []int{1}
	}
	s.tensors[name] = tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
	return nil
}

// Has reports whether name is present
func (s *Store) Has(name string) bool {
	_, ok := s.tensors[name]
	return ok
}

// Shape returns the shape of a stored tensor
func (s *Store) Shape(name string) ([]int, error) {
	t, ok := s.tensors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingTensor, name)
	}
	return []int(t.Shape().Clone()), nil
}

// Take returns the data of name after checking its shape, and marks it
// as consumed
func (s *Store) Take(name string, shape ...int) ([]float32, error) {
	t, ok := s.tensors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingTensor, name)
	}
	if !sameShape(t.Shape(), shape) {
		return nil, fmt.Errorf("%w: %s has shape %v, want %v", ErrShapeMismatch, name, t.Shape(), shape)
	}
	data, ok := t.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("%w: %s is %v", ErrUnsupportedDType, name, t.Dtype())
	}
	s.taken[name] = true
	return data, nil
}

// Names returns all tensor names in sorted order
func (s *Store) Names() []string {
	names := make([]string, 0, len(s.tensors))
	for name := range s.tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Unused returns the names no Take call has consumed, sorted
func (s *Store) Unused() []string {
	var unused []string
	for _, name := range s.Names() {
		if !s.taken[name] {
			unused = append(unused, name)
		}
	}
	return unused
}

// CheckAllUsed fails if any stored tensor was never consumed
func (s *Store) CheckAllUsed() error {
	if unused := s.Unused(); len(unused) > 0 {
		return fmt.Errorf("%w: %s", ErrUnusedTensors, strings.Join(unused, ", "))
	}
	return nil
}

// Len returns the number of stored tensors
func (s *Store) Len() int {
	return len(s.tensors)
}

// sameShape compares dimensions exactly; row and column vectors are distinct
func sameShape(have tensor.Shape, want []int) bool {
	if len(have) != len(want) {
		return false
	}
	for i := range have {
		if have[i] != want[i] {
			return false
		}
	}
	return true
}

func ignored(name string) bool {
	for _, suffix := range ignoredSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}
