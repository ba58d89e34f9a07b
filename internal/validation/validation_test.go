package validation

import (
	"strings"
	"testing"

	"github.com/xtxerr/lidarlog/internal/errors"
)

func TestValidateFilename(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "run.lidar", false},
		{"with hyphen", "my-run.lidar", false},
		{"with underscore", "my_run.csv", false},
		{"no extension", "run", false},
		{"empty", "", true},
		{"dot", ".", true},
		{"dotdot", "..", true},
		{"hidden", ".hidden", true},
		{"slash", "a/b.lidar", true},
		{"backslash", "a\\b.lidar", true},
		{"control char", "a\x00b", true},
		{"space", "my run.lidar", true},
		{"too long", strings.Repeat("a", 51), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFilename(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateFilename(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err != nil && !errors.IsValidation(err) {
				t.Errorf("ValidateFilename(%q) error %v is not a validation error", tt.input, err)
			}
		})
	}
}

func TestNormalizeDatasetName(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"run", "run.lidar", false},
		{"run.lidar", "run.lidar", false},
		{"run.h5", "run.h5", false},
		{"  run  ", "run.lidar", false},
		{"", "", true},
		{"../etc/passwd", "", true},
	}

	for _, tt := range tests {
		got, err := NormalizeDatasetName(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("NormalizeDatasetName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("NormalizeDatasetName(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestExportNames(t *testing.T) {
	if got := CSVNameFor("run.lidar"); got != "run.csv" {
		t.Errorf("CSVNameFor = %q", got)
	}
	if got := ParquetNameFor("run.h5"); got != "run.parquet" {
		t.Errorf("ParquetNameFor = %q", got)
	}
}

func TestValidateRunName(t *testing.T) {
	if err := ValidateRunName("field test 1"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateRunName("   "); err == nil {
		t.Error("expected error for blank run name")
	}
	if err := ValidateRunName("a/b"); err == nil {
		t.Error("expected error for separator")
	}
}
