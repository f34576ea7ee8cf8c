// Package flightdata lists the flight files saved on the device.
package flightdata

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// Extensions of the files reported by List.
var Extensions = []string{".json", ".txt"}

// Store is a directory of flight files.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the directory being listed.
func (s *Store) Dir() string {
	return s.dir
}

// List returns the names of the regular *.json and *.txt files in the store,
// sorted. A missing directory yields an empty list.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read flight data dir %s: %w", s.dir, err)
	}

	var names []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if hasFlightExt(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func hasFlightExt(name string) bool {
	ext := filepath.Ext(name)
	for _, want := range Extensions {
		if ext == want {
			return true
		}
	}
	return false
}
