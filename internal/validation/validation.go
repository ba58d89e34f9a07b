// Package validation provides centralized input validation for lidarlog.
package validation

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/xtxerr/lidarlog/internal/constants"
	"github.com/xtxerr/lidarlog/internal/errors"
)

// =============================================================================
// Name Validation
// =============================================================================

// NameRules defines the validation rules for names.
type NameRules struct {
	MinLength    int
	MaxLength    int
	AllowDots    bool
	AllowHyphens bool
	AllowUnders  bool
	AllowSpaces  bool
}

// FilenameRules returns the rules for dataset and export file names.
// Names are capped at 50 characters.
func FilenameRules() NameRules {
	return NameRules{
		MinLength:    1,
		MaxLength:    50,
		AllowDots:    true,
		AllowHyphens: true,
		AllowUnders:  true,
	}
}

// RunNameRules returns the rules for telemetry run names.
func RunNameRules() NameRules {
	return NameRules{
		MinLength:    1,
		MaxLength:    128,
		AllowDots:    true,
		AllowHyphens: true,
		AllowUnders:  true,
		AllowSpaces:  true,
	}
}

// ValidateName validates a name according to the given rules.
func ValidateName(name string, rules NameRules) error {
	if len(name) < rules.MinLength {
		return fmt.Errorf("name too short: minimum %d characters required: %w", rules.MinLength, errors.ErrInvalidName)
	}
	if len(name) > rules.MaxLength {
		return fmt.Errorf("name too long: maximum %d characters allowed: %w", rules.MaxLength, errors.ErrInvalidName)
	}

	if name == "." || name == ".." {
		return fmt.Errorf("name cannot be '.' or '..': %w", errors.ErrInvalidName)
	}

	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("name cannot start with '.': %w", errors.ErrInvalidName)
	}

	for i, r := range name {
		if r < 32 || r == 127 {
			return fmt.Errorf("name cannot contain control characters at position %d: %w", i, errors.ErrInvalidName)
		}
		if r == '/' || r == '\\' {
			return fmt.Errorf("name cannot contain path separators at position %d: %w", i, errors.ErrInvalidName)
		}
		if !isAllowedNameChar(r, rules) {
			return fmt.Errorf("invalid character '%c' at position %d: %w", r, i, errors.ErrInvalidName)
		}
	}

	return nil
}

func isAllowedNameChar(r rune, rules NameRules) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case '.':
		return rules.AllowDots
	case '-':
		return rules.AllowHyphens
	case '_':
		return rules.AllowUnders
	case ' ':
		return rules.AllowSpaces
	}
	return false
}

// =============================================================================
// File Names
// =============================================================================

// ValidateFilename validates a dataset or export file name.
func ValidateFilename(name string) error {
	if name == "" {
		return errors.NewMissingField("filename")
	}
	return ValidateName(name, FilenameRules())
}

// NormalizeDatasetName appends the dataset suffix to names without an
// extension and validates the result.
func NormalizeDatasetName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name != "" && filepath.Ext(name) == "" {
		name += constants.DatasetSuffix
	}
	if err := ValidateFilename(name); err != nil {
		return "", err
	}
	return name, nil
}

// CSVNameFor derives the default CSV export name of a dataset.
func CSVNameFor(dataset string) string {
	return strings.TrimSuffix(dataset, filepath.Ext(dataset)) + constants.CSVSuffix
}

// ParquetNameFor derives the default parquet export name of a dataset.
func ParquetNameFor(dataset string) string {
	return strings.TrimSuffix(dataset, filepath.Ext(dataset)) + constants.ParquetSuffix
}

// =============================================================================
// Run Names
// =============================================================================

// ValidateRunName validates a telemetry run name.
func ValidateRunName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.NewMissingField("runname")
	}
	return ValidateName(name, RunNameRules())
}
