package replay

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Entry is a recorded ride found on disk.
type Entry struct {
	Dir    string `json:"dir"`
	Header Header `json:"header"`
}

// List walks root and returns the header of every ride bundle, ordered by
// seed then directory.
func List(root string) ([]Entry, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("root directory must be provided")
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root must be a directory")
	}

	var entries []Entry
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || d.Name() != headerName {
			return nil
		}
		header, err := ReadHeader(path)
		if err != nil {
			return err
		}
		entries = append(entries, Entry{Dir: filepath.Dir(path), Header: header})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Header.Seed == entries[j].Header.Seed {
			return entries[i].Dir < entries[j].Dir
		}
		return entries[i].Header.Seed < entries[j].Header.Seed
	})
	return entries, nil
}
