package volume

import (
	"bufio"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"lungclassify/internal/models"
)

func testVolume() *models.Volume {
	vol := models.NewVolume(2, 3, 4, [3]float64{2.5, 0.75, 0.7})
	for i := range vol.Data {
		vol.Data[i] = float32(i*37 - 400)
	}
	return vol
}

func TestWriteAndRead(t *testing.T) {
	dir := t.TempDir()
	vol := testVolume()

	tests := []struct {
		file        string
		elementType string
	}{
		{"scan.mhd", "MET_SHORT"},
		{"scan.mha", "MET_SHORT"},
		{"float.mha", "MET_FLOAT"},
		{"double.mhd", "MET_DOUBLE"},
		{"int.mha", "MET_INT"},
	}

	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			path := filepath.Join(dir, tt.file)
			if err := Write(path, vol, tt.elementType); err != nil {
				t.Fatalf("Write failed: %v", err)
			}
			got, err := Read(path)
			if err != nil {
				t.Fatalf("Read failed: %v", err)
			}
			if got.Shape() != vol.Shape() {
				t.Fatalf("Expected shape %v, got %v", vol.Shape(), got.Shape())
			}
			if got.Spacing != vol.Spacing {
				t.Errorf("Expected spacing %v, got %v", vol.Spacing, got.Spacing)
			}
			for i := range vol.Data {
				if got.Data[i] != vol.Data[i] {
					t.Fatalf("Index %d: expected %v, got %v", i, vol.Data[i], got.Data[i])
				}
			}
		})
	}

	if _, err := os.Stat(filepath.Join(dir, "scan.raw")); err != nil {
		t.Errorf("Expected a raw data file next to the header: %v", err)
	}
}

// TestReadAxisOrder writes a header by hand to check that x varies fastest
// and spacing is reversed
func TestReadAxisOrder(t *testing.T) {
	dir := t.TempDir()
	header := "ObjectType = Image\nNDims = 3\nDimSize = 3 2 1\nElementSpacing = 0.6 0.7 2.0\n" +
		"ElementType = MET_SHORT\nBinaryDataByteOrderMSB = True\nElementDataFile = data.raw\n"
	if err := os.WriteFile(filepath.Join(dir, "axis.mhd"), []byte(header), 0644); err != nil {
		t.Fatal(err)
	}
	raw := make([]byte, 12)
	for i := 0; i < 6; i++ {
		binary.BigEndian.PutUint16(raw[2*i:], uint16(int16(i*100-200)))
	}
	if err := os.WriteFile(filepath.Join(dir, "data.raw"), raw, 0644); err != nil {
		t.Fatal(err)
	}

	vol, err := Read(filepath.Join(dir, "axis.mhd"))
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if vol.Depth != 1 || vol.Height != 2 || vol.Width != 3 {
		t.Errorf("Expected 1x2x3, got %dx%dx%d", vol.Depth, vol.Height, vol.Width)
	}
	if vol.Spacing != [3]float64{2.0, 0.7, 0.6} {
		t.Errorf("Expected spacing [2 0.7 0.6], got %v", vol.Spacing)
	}
	if vol.At(0, 1, 0) != 100 || vol.At(0, 0, 2) != 0 || vol.At(0, 0, 0) != -200 {
		t.Errorf("Unexpected voxel order: %v", vol.Data)
	}
}

func TestReadHeaderErrors(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		wantErr error
	}{
		{"unsupported type", "NDims = 3\nDimSize = 1 1 1\nElementType = MET_LONG\nElementDataFile = LOCAL\n", ErrUnsupportedElementType},
		{"two dimensions", "NDims = 2\nDimSize = 1 1\nElementType = MET_SHORT\nElementDataFile = LOCAL\n", ErrFormat},
		{"missing data file", "NDims = 3\nDimSize = 1 1 1\nElementType = MET_SHORT\n", ErrFormat},
		{"compressed", "NDims = 3\nCompressedData = True\nDimSize = 1 1 1\nElementType = MET_SHORT\nElementDataFile = LOCAL\n", ErrFormat},
		{"bad line", "NDims 3\n", ErrFormat},
		{"oversized volume", "NDims = 3\nDimSize = 100000 100000 100000\nElementType = MET_SHORT\nElementDataFile = LOCAL\n", ErrFormat},
		{"oversized axis", "NDims = 3\nDimSize = 1 1 1e300\nElementType = MET_SHORT\nElementDataFile = LOCAL\n", ErrFormat},
		{"parent data file", "NDims = 3\nDimSize = 1 1 1\nElementType = MET_SHORT\nElementDataFile = ../secret.raw\n", ErrFormat},
		{"nested parent data file", "NDims = 3\nDimSize = 1 1 1\nElementType = MET_SHORT\nElementDataFile = data/../../secret.raw\n", ErrFormat},
		{"absolute data file", "NDims = 3\nDimSize = 1 1 1\nElementType = MET_SHORT\nElementDataFile = /etc/passwd\n", ErrFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadHeader(bufio.NewReader(strings.NewReader(tt.header)))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestReadDataInSubdirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "data"), 0755); err != nil {
		t.Fatal(err)
	}
	header := "NDims = 3\nDimSize = 2 1 1\nElementType = MET_UCHAR\nElementDataFile = data/scan.raw\n"
	if err := os.WriteFile(filepath.Join(dir, "scan.mhd"), []byte(header), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "data", "scan.raw"), []byte{7, 9}, 0644); err != nil {
		t.Fatal(err)
	}

	vol, err := Read(filepath.Join(dir, "scan.mhd"))
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if vol.Data[0] != 7 || vol.Data[1] != 9 {
		t.Errorf("Expected [7 9], got %v", vol.Data)
	}
}

func TestWriteReportsFileErrors(t *testing.T) {
	dir := t.TempDir()
	vol := testVolume()

	if err := Write(filepath.Join(dir, "missing", "scan.mha"), vol, "MET_SHORT"); err == nil {
		t.Error("Expected an error writing into a missing directory")
	}

	// a directory in place of the raw file makes the second create fail
	if err := os.Mkdir(filepath.Join(dir, "scan.raw"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := Write(filepath.Join(dir, "scan.mhd"), vol, "MET_SHORT"); err == nil {
		t.Error("Expected an error when the raw file cannot be created")
	}
}

func TestReadTruncatedData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.mha")
	header := "NDims = 3\nDimSize = 2 2 2\nElementType = MET_UCHAR\nElementDataFile = LOCAL\n"
	if err := os.WriteFile(path, append([]byte(header), 1, 2, 3), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Read(path); err == nil {
		t.Error("Expected an error for truncated data")
	}
}

func TestWriteSaturates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.mha")
	vol := models.NewVolume(1, 1, 3, [3]float64{1, 1, 1})
	copy(vol.Data, []float32{-5, 100.6, 300})

	if err := Write(path, vol, "MET_UCHAR"); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	want := []float32{0, 101, 255}
	for i := range want {
		if got.Data[i] != want[i] {
			t.Errorf("Index %d: expected %v, got %v", i, want[i], got.Data[i])
		}
	}

	if err := Write(path, vol, "MET_LONG"); !errors.Is(err, ErrUnsupportedElementType) {
		t.Errorf("Expected ErrUnsupportedElementType, got %v", err)
	}
}
