// Package volume reads and writes CT volumes in the MetaImage format: a
// plain-text header (.mhd) naming a raw data file, or a single .mha file
// with the data following the header.
//
// MetaImage lists extents and spacing in x, y, z order with x varying
// fastest in the data. Volumes are returned in z, y, x order with the
// spacing reversed to match.
package volume

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"lungclassify/internal/models"
)

var (
	// ErrUnsupportedElementType is returned for element types that cannot be decoded
	ErrUnsupportedElementType = errors.New("unsupported element type")

	// ErrFormat is returned for malformed headers
	ErrFormat = errors.New("malformed MetaImage header")
)

// localData marks data stored inline after the header
const localData = "LOCAL"

// maxVoxels bounds the volume a header may describe, 4 GiB of float32
const maxVoxels = 1 << 30

// elementSizes maps the supported element types to their size in bytes
var elementSizes = map[string]int{
	"MET_UCHAR":  1,
	"MET_CHAR":   1,
	"MET_USHORT": 2,
	"MET_SHORT":  2,
	"MET_INT":    4,
	"MET_UINT":   4,
	"MET_FLOAT":  4,
	"MET_DOUBLE": 8,
}

// Header holds the MetaImage fields that describe a 3D volume. Dimension
// arrays are in file (x, y, z) order.
type Header struct {
	NDims           int
	DimSize         [3]int
	ElementSpacing  [3]float64
	Offset          [3]float64
	ElementType     string
	ElementDataFile string
	MSB             bool
}

// Read loads a .mhd or .mha volume
func Read(path string) (*models.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open volume: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	h, err := ReadHeader(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	data := io.Reader(r)
	if h.ElementDataFile != localData {
		raw, err := os.Open(filepath.Join(filepath.Dir(path), h.ElementDataFile))
		if err != nil {
			return nil, fmt.Errorf("failed to open volume data: %w", err)
		}
		defer raw.Close()
		data = bufio.NewReader(raw)
	}

	vol, err := decode(h, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return vol, nil
}

// ReadHeader parses header lines up to and including ElementDataFile,
// leaving r positioned at the first data byte
func ReadHeader(r *bufio.Reader) (Header, error) {
	h := Header{ElementSpacing: [3]float64{1, 1, 1}}
	for {
		line, err := r.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			return h, fmt.Errorf("%w: missing ElementDataFile", ErrFormat)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return h, fmt.Errorf("%w: line %q", ErrFormat, line)
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)

		switch key {
		case "NDims":
			if h.NDims, err = strconv.Atoi(value); err != nil {
				return h, fmt.Errorf("%w: NDims %q", ErrFormat, value)
			}
			if h.NDims != 3 {
				return h, fmt.Errorf("%w: only 3D volumes are supported, got NDims = %d", ErrFormat, h.NDims)
			}
		case "DimSize":
			v, err := parseFloats(value)
			if err != nil {
				return h, err
			}
			for i := range h.DimSize {
				if v[i] < 0 || v[i] > maxVoxels {
					return h, fmt.Errorf("%w: DimSize %q out of range", ErrFormat, value)
				}
				h.DimSize[i] = int(v[i])
			}
		case "ElementSpacing", "ElementSize":
			v, err := parseFloats(value)
			if err != nil {
				return h, err
			}
			copy(h.ElementSpacing[:], v)
		case "Offset", "Origin", "Position":
			v, err := parseFloats(value)
			if err != nil {
				return h, err
			}
			copy(h.Offset[:], v)
		case "ElementType":
			if _, ok := elementSizes[value]; !ok {
				return h, fmt.Errorf("%w: %s", ErrUnsupportedElementType, value)
			}
			h.ElementType = value
		case "BinaryDataByteOrderMSB", "ElementByteOrderMSB":
			h.MSB = strings.EqualFold(value, "true")
		case "CompressedData":
			if strings.EqualFold(value, "true") {
				return h, fmt.Errorf("%w: compressed data", ErrFormat)
			}
		case "ElementNumberOfChannels":
			if value != "1" {
				return h, fmt.Errorf("%w: %s channels", ErrFormat, value)
			}
		case "ElementDataFile":
			h.ElementDataFile = value
			return h, h.validate()
		}
	}
}

func (h Header) validate() error {
	if h.NDims != 3 {
		return fmt.Errorf("%w: NDims must be 3", ErrFormat)
	}
	if h.ElementType == "" {
		return fmt.Errorf("%w: missing ElementType", ErrFormat)
	}
	voxels := 1
	for i, d := range h.DimSize {
		if d <= 0 {
			return fmt.Errorf("%w: DimSize[%d] = %d", ErrFormat, i, d)
		}
		if d > maxVoxels/voxels {
			return fmt.Errorf("%w: DimSize %v exceeds %d voxels", ErrFormat, h.DimSize, maxVoxels)
		}
		voxels *= d
	}
	if h.ElementDataFile == "" {
		return fmt.Errorf("%w: empty ElementDataFile", ErrFormat)
	}
	// external data must sit beside or below the header
	if h.ElementDataFile != localData && !filepath.IsLocal(h.ElementDataFile) {
		return fmt.Errorf("%w: ElementDataFile %q outside the header directory", ErrFormat, h.ElementDataFile)
	}
	return nil
}

func parseFloats(value string) ([]float64, error) {
	fields := strings.Fields(value)
	if len(fields) != 3 {
		return nil, fmt.Errorf("%w: expected 3 values, got %q", ErrFormat, value)
	}
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrFormat, value)
		}
		out[i] = v
	}
	return out, nil
}

func (h Header) byteOrder() binary.ByteOrder {
	if h.MSB {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// decode reads the voxel data described by h
func decode(h Header, r io.Reader) (*models.Volume, error) {
	width, height, depth := h.DimSize[0], h.DimSize[1], h.DimSize[2]
	vol := models.NewVolume(depth, height, width,
		[3]float64{h.ElementSpacing[2], h.ElementSpacing[1], h.ElementSpacing[0]})

	size := elementSizes[h.ElementType]
	buf := make([]byte, len(vol.Data)*size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("failed to read %d voxels: %w", len(vol.Data), err)
	}

	order := h.byteOrder()
	for i := range vol.Data {
		b := buf[i*size : (i+1)*size]
		switch h.ElementType {
		case "MET_UCHAR":
			vol.Data[i] = float32(b[0])
		case "MET_CHAR":
			vol.Data[i] = float32(int8(b[0]))
		case "MET_USHORT":
			vol.Data[i] = float32(order.Uint16(b))
		case "MET_SHORT":
			vol.Data[i] = float32(int16(order.Uint16(b)))
		case "MET_INT":
			vol.Data[i] = float32(int32(order.Uint32(b)))
		case "MET_UINT":
			vol.Data[i] = float32(order.Uint32(b))
		case "MET_FLOAT":
			vol.Data[i] = math.Float32frombits(order.Uint32(b))
		case "MET_DOUBLE":
			vol.Data[i] = float32(math.Float64frombits(order.Uint64(b)))
		}
	}
	return vol, nil
}

// Write stores vol as MetaImage with the given element type. A path ending
// in .mha embeds the data; otherwise a .raw file is written next to the
// header. Integer types round and saturate.
func Write(path string, vol *models.Volume, elementType string) error {
	if err := vol.Validate(); err != nil {
		return err
	}
	if _, ok := elementSizes[elementType]; !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedElementType, elementType)
	}

	h := Header{
		NDims:          3,
		DimSize:        [3]int{vol.Width, vol.Height, vol.Depth},
		ElementSpacing: [3]float64{vol.Spacing[2], vol.Spacing[1], vol.Spacing[0]},
		ElementType:    elementType,
	}

	if strings.EqualFold(filepath.Ext(path), ".mha") {
		h.ElementDataFile = localData
		return writeFile(path, func(w *bufio.Writer) error {
			if err := writeHeader(w, h); err != nil {
				return err
			}
			return encode(w, h, vol.Data)
		})
	}

	rawPath := strings.TrimSuffix(path, filepath.Ext(path)) + ".raw"
	h.ElementDataFile = filepath.Base(rawPath)
	if err := writeFile(path, func(w *bufio.Writer) error {
		return writeHeader(w, h)
	}); err != nil {
		return err
	}
	return writeFile(rawPath, func(w *bufio.Writer) error {
		return encode(w, h, vol.Data)
	})
}

// writeFile creates path, runs fill over a buffered writer and reports any
// flush or close failure
func writeFile(path string, fill func(w *bufio.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	w := bufio.NewWriter(f)
	if err := fill(w); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	return nil
}

func writeHeader(w io.Writer, h Header) error {
	_, err := fmt.Fprintf(w,
		"ObjectType = Image\nNDims = 3\nBinaryData = True\nBinaryDataByteOrderMSB = %s\nCompressedData = False\n"+
			"Offset = %g %g %g\nElementSpacing = %g %g %g\nDimSize = %d %d %d\nElementType = %s\nElementDataFile = %s\n",
		metaBool(h.MSB),
		h.Offset[0], h.Offset[1], h.Offset[2],
		h.ElementSpacing[0], h.ElementSpacing[1], h.ElementSpacing[2],
		h.DimSize[0], h.DimSize[1], h.DimSize[2],
		h.ElementType, h.ElementDataFile)
	return err
}

func metaBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

func encode(w io.Writer, h Header, data []float32) error {
	size := elementSizes[h.ElementType]
	order := h.byteOrder()
	b := make([]byte, size)
	for _, v := range data {
		switch h.ElementType {
		case "MET_UCHAR":
			b[0] = uint8(saturate(v, 0, math.MaxUint8))
		case "MET_CHAR":
			b[0] = uint8(int8(saturate(v, math.MinInt8, math.MaxInt8)))
		case "MET_USHORT":
			order.PutUint16(b, uint16(saturate(v, 0, math.MaxUint16)))
		case "MET_SHORT":
			order.PutUint16(b, uint16(int16(saturate(v, math.MinInt16, math.MaxInt16))))
		case "MET_INT":
			order.PutUint32(b, uint32(int32(saturate(v, math.MinInt32, math.MaxInt32))))
		case "MET_UINT":
			order.PutUint32(b, uint32(saturate(v, 0, math.MaxUint32)))
		case "MET_FLOAT":
			order.PutUint32(b, math.Float32bits(v))
		case "MET_DOUBLE":
			order.PutUint64(b, math.Float64bits(float64(v)))
		}
		if _, err := w.Write(b); err != nil {
			return err
		}
	}
	return nil
}

// saturate rounds v and clamps it to [lo, hi]
func saturate(v float32, lo, hi float64) float64 {
	r := math.Round(float64(v))
	if math.IsNaN(r) {
		return 0
	}
	return math.Min(math.Max(r, lo), hi)
}
