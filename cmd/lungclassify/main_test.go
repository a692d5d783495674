package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"lungclassify/internal/models"
)

func TestLoadNodules(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
		want    []models.Nodule
	}{
		{"yaml", "- {x: 1, y: 2, z: 3}\n- x: 4.5\n  y: 5\n  z: 6\n", []models.Nodule{{X: 1, Y: 2, Z: 3}, {X: 4.5, Y: 5, Z: 6}}},
		{"json", `[{"x": 10, "y": 20, "z": 30}]`, []models.Nodule{{X: 10, Y: 20, Z: 30}}},
		{"empty", "[]", []models.Nodule{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatal(err)
			}
			got, err := loadNodules(path)
			if err != nil {
				t.Fatalf("loadNodules failed: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Expected %d nodules, got %d", len(tt.want), len(got))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Nodule %d: expected %+v, got %+v", i, tt.want[i], got[i])
				}
			}
		})
	}

	if _, err := loadNodules(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("Expected an error for a missing file")
	}
}

func TestWriteResult(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "result.json")
	res := &models.CaseResult{
		CaseID:      "case",
		Predictions: []models.Prediction{{X: 1, Y: 2, Z: 3, PConcerning: 0.25}},
		PCase:       0.25,
	}
	if err := writeResult(res, path); err != nil {
		t.Fatalf("writeResult failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var decoded struct {
		Nodules []map[string]float64 `json:"nodules"`
		PCase   float64              `json:"p_case"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if len(decoded.Nodules) != 1 || decoded.Nodules[0]["p_concerning"] != 0.25 {
		t.Errorf("Unexpected nodules %v", decoded.Nodules)
	}
	if decoded.PCase != 0.25 {
		t.Errorf("Expected p_case 0.25, got %v", decoded.PCase)
	}
}
