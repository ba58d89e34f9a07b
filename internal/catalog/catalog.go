// Package catalog manages the dataset files under <data_dir>/lidar_files.
//
// Datasets and their CSV and parquet exports live side by side in one flat
// directory. Names are validated before they touch the filesystem, so a
// name can never escape the directory.
package catalog

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/xtxerr/lidarlog/config"
	"github.com/xtxerr/lidarlog/internal/constants"
	"github.com/xtxerr/lidarlog/internal/errors"
	"github.com/xtxerr/lidarlog/internal/logging"
	"github.com/xtxerr/lidarlog/internal/storage/sessionstore"
	"github.com/xtxerr/lidarlog/internal/validation"
)

var log = logging.Component("catalog")

// Kind classifies a catalog entry by extension.
type Kind string

const (
	KindDataset Kind = "dataset"
	KindCSV     Kind = "csv"
	KindParquet Kind = "parquet"
	KindOther   Kind = "other"
)

// KindOf returns the kind of a file name.
func KindOf(name string) Kind {
	switch strings.ToLower(filepath.Ext(name)) {
	case constants.DatasetSuffix:
		return KindDataset
	case constants.CSVSuffix:
		return KindCSV
	case constants.ParquetSuffix:
		return KindParquet
	default:
		return KindOther
	}
}

// Entry describes one file.
type Entry struct {
	Name     string    `json:"name"`
	Kind     Kind      `json:"kind"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// Catalog is a directory of datasets.
type Catalog struct {
	dir string
}

// New returns the catalog under dataDir, creating the files directory.
func New(dataDir string) (*Catalog, error) {
	dir := filepath.Join(dataDir, config.FilesSubdir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create files dir: %w", err)
	}
	return &Catalog{dir: dir}, nil
}

// Dir returns the files directory.
func (c *Catalog) Dir() string {
	return c.dir
}

// Path returns the path of name after validating it. The file need not
// exist.
func (c *Catalog) Path(name string) (string, error) {
	if err := validation.ValidateFilename(name); err != nil {
		return "", err
	}
	return filepath.Join(c.dir, name), nil
}

// Exists reports whether name exists.
func (c *Catalog) Exists(name string) bool {
	p, err := c.Path(name)
	if err != nil {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

// Resolve returns the path of an existing file.
func (c *Catalog) Resolve(name string) (string, error) {
	p, err := c.Path(name)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(p)
	if err != nil || !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s: %w", name, errors.ErrFileNotFound)
	}
	return p, nil
}

// Create creates an empty dataset. A name without an extension gets the
// dataset suffix. It returns the final name.
func (c *Catalog) Create(name string) (string, error) {
	name, err := validation.NormalizeDatasetName(name)
	if err != nil {
		return "", err
	}
	if KindOf(name) != KindDataset {
		return "", fmt.Errorf("datasets must end in %s: %w", constants.DatasetSuffix, errors.ErrInvalidName)
	}

	p := filepath.Join(c.dir, name)
	f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", errors.NewAlreadyExists("file", name)
		}
		return "", fmt.Errorf("create %s: %w", name, err)
	}
	f.Close()

	// Write the dataset header so the file is a valid empty dataset.
	s, err := sessionstore.Open(p, sessionstore.DefaultOptions())
	if err != nil {
		os.Remove(p)
		return "", err
	}
	if err := s.Close(); err != nil {
		os.Remove(p)
		return "", err
	}

	log.Info("dataset created", "file", name)
	return name, nil
}

// List returns all files ordered by name.
func (c *Catalog) List() ([]Entry, error) {
	dirEntries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if !de.Type().IsRegular() || strings.HasPrefix(de.Name(), ".") {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		entries = append(entries, Entry{
			Name:     de.Name(),
			Kind:     KindOf(de.Name()),
			Size:     info.Size(),
			Modified: info.ModTime(),
		})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Open opens an existing file for reading.
func (c *Catalog) Open(name string) (*os.File, error) {
	p, err := c.Resolve(name)
	if err != nil {
		return nil, err
	}
	return os.Open(p)
}

// ResolveDataset returns the path of an existing dataset. Files of any
// other kind are rejected with ErrInvalidName.
func (c *Catalog) ResolveDataset(name string) (string, error) {
	p, err := c.Resolve(name)
	if err != nil {
		return "", err
	}
	if KindOf(name) != KindDataset {
		return "", fmt.Errorf("%s is not a dataset: %w", name, errors.ErrInvalidName)
	}
	return p, nil
}

// OpenDataset opens an existing dataset read-only.
func (c *Catalog) OpenDataset(name string) (*sessionstore.Store, error) {
	p, err := c.ResolveDataset(name)
	if err != nil {
		return nil, err
	}
	return sessionstore.Open(p, sessionstore.Options{ReadOnly: true})
}

// Delete removes a file.
func (c *Catalog) Delete(name string) error {
	p, err := c.Resolve(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	log.Info("file deleted", "file", name)
	return nil
}
