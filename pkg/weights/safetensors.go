package weights

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
)

// maxHeaderSize guards against reading garbage as a header length
const maxHeaderSize = 100 << 20

const metadataKey = "__metadata__"

type tensorHeader struct {
	DType       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// Load reads a safetensors file
func Load(path string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open weights: %w", err)
	}
	defer f.Close()

	s, err := Read(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("failed to read weights %s: %w", path, err)
	}
	return s, nil
}

// Read decodes a safetensors stream
func Read(r io.Reader) (*Store, error) {
	var headerLen uint64
	if err := binary.Read(r, binary.LittleEndian, &headerLen); err != nil {
		return nil, fmt.Errorf("error reading header length: %w", err)
	}
	if headerLen == 0 || headerLen > maxHeaderSize {
		return nil, fmt.Errorf("invalid header length %d", headerLen)
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, fmt.Errorf("error reading header: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, fmt.Errorf("error parsing header: %w", err)
	}

	s := NewStore()
	headers := make(map[string]tensorHeader, len(raw))
	var dataLen int64
	for name, msg := range raw {
		if name == metadataKey {
			if err := json.Unmarshal(msg, &s.Metadata); err != nil {
				return nil, fmt.Errorf("error parsing metadata: %w", err)
			}
			continue
		}
		var h tensorHeader
		if err := json.Unmarshal(msg, &h); err != nil {
			return nil, fmt.Errorf("error parsing header of %s: %w", name, err)
		}
		if h.DataOffsets[0] < 0 || h.DataOffsets[1] < h.DataOffsets[0] {
			return nil, fmt.Errorf("invalid data offsets %v for %s", h.DataOffsets, name)
		}
		if h.DataOffsets[1] > dataLen {
			dataLen = h.DataOffsets[1]
		}
		headers[name] = h
	}

	data := make([]byte, dataLen)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("error reading tensor data: %w", err)
	}

	for name, h := range headers {
		if ignored(name) {
			continue
		}
		values, err := decode(h, data[h.DataOffsets[0]:h.DataOffsets[1]])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if err := s.Set(name, h.Shape, values); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// decode converts raw little-endian bytes to float32
func decode(h tensorHeader, buf []byte) ([]float32, error) {
	n := 1
	for _, d := range h.Shape {
		n *= d
	}

	var width int
	switch h.DType {
	case "F32":
		width = 4
	case "F64":
		width = 8
	case "F16", "BF16":
		width = 2
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDType, h.DType)
	}
	if len(buf) != n*width {
		return nil, fmt.Errorf("%w: %d bytes for %d %s values", ErrShapeMismatch, len(buf), n, h.DType)
	}

	out := make([]float32, n)
	for i := range out {
		switch h.DType {
		case "F32":
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
		case "F64":
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(buf[8*i:])))
		case "F16":
			out[i] = halfToFloat32(binary.LittleEndian.Uint16(buf[2*i:]))
		case "BF16":
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(buf[2*i:])) << 16)
		}
	}
	return out, nil
}

// halfToFloat32 expands an IEEE 754 binary16 value
func halfToFloat32(h uint16) float32 {
	sign := uint32(h>>15) << 31
	exp := uint32(h>>10) & 0x1f
	frac := uint32(h) & 0x3ff

	switch {
	case exp == 0 && frac == 0:
		return math.Float32frombits(sign)
	case exp == 0:
		// subnormal
		v := float32(frac) / 1024 / 16384
		if sign != 0 {
			return -v
		}
		return v
	case exp == 0x1f:
		return math.Float32frombits(sign | 0x7f800000 | frac<<13)
	default:
		return math.Float32frombits(sign | (exp+112)<<23 | frac<<13)
	}
}

// Save writes the store as a safetensors file
func (s *Store) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating weights directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating weights file: %w", err)
	}

	w := bufio.NewWriter(f)
	if err := s.Write(w); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("error writing weights file: %w", err)
	}
	return f.Close()
}

// Write encodes the store as F32 safetensors, tensors ordered by name
func (s *Store) Write(w io.Writer) error {
	header := make(map[string]interface{}, len(s.tensors)+1)
	if len(s.Metadata) > 0 {
		header[metadataKey] = s.Metadata
	}

	var offset int64
	names := s.Names()
	for _, name := range names {
		t := s.tensors[name]
		size := int64(t.Shape().TotalSize()) * 4
		header[name] = tensorHeader{
			DType:       "F32",
			Shape:       []int(t.Shape()),
			DataOffsets: [2]int64{offset, offset + size},
		}
		offset += size
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("error marshaling header: %w", err)
	}
	// pad so tensor data starts 8-byte aligned
	if pad := len(headerBytes) % 8; pad != 0 {
		headerBytes = append(headerBytes, bytes.Repeat([]byte(" "), 8-pad)...)
	}

	if err := binary.Write(w, binary.LittleEndian, uint64(len(headerBytes))); err != nil {
		return fmt.Errorf("error writing header length: %w", err)
	}
	if _, err := w.Write(headerBytes); err != nil {
		return fmt.Errorf("error writing header: %w", err)
	}

	buf := make([]byte, 4)
	for _, name := range names {
		for _, v := range s.tensors[name].Data().([]float32) {
			binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
			if _, err := w.Write(buf); err != nil {
				return fmt.Errorf("error writing %s: %w", name, err)
			}
		}
	}
	return nil
}
