// Package adios collects per-file byte sizes of ADIOS BP output for a
// finished pipeline's working directory.
package adios

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const sizesFileName = ".codar.adios_file_sizes.out.json"

// CollectFileSizes walks every descendant of workingDir and records the
// byte size of each entry whose name ends in ".bp" (a single BP file) or
// ".bp.dir" (a BP directory shard set, sized by the sum of its contents).
// Results accumulate into one flat map keyed by path relative to
// workingDir, regardless of nesting depth.
func CollectFileSizes(workingDir string) (map[string]int64, error) {
	sizes := make(map[string]int64)

	err := filepath.WalkDir(workingDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == workingDir {
			return nil
		}

		name := d.Name()
		isBP := !d.IsDir() && hasSuffix(name, ".bp")
		isBPDir := d.IsDir() && hasSuffix(name, ".bp.dir")

		if !isBP && !isBPDir {
			return nil
		}

		rel, err := filepath.Rel(workingDir, path)
		if err != nil {
			return err
		}

		var size int64
		if isBP {
			info, err := d.Info()
			if err != nil {
				return err
			}
			size = info.Size()
		} else {
			size, err = dirSize(path)
			if err != nil {
				return err
			}
		}
		sizes[rel] = size

		if isBPDir {
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("collect adios file sizes under %s: %w", workingDir, err)
	}
	return sizes, nil
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}

func hasSuffix(name, suffix string) bool {
	return len(name) >= len(suffix) && name[len(name)-len(suffix):] == suffix
}

// WriteFileSizes atomically persists the collected sizes as
// .codar.adios_file_sizes.out.json under workingDir, write-temp-then-rename
// so concurrent readers never observe a partial document.
func WriteFileSizes(workingDir string, sizes map[string]int64) error {
	data, err := json.MarshalIndent(sizes, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal adios file sizes: %w", err)
	}

	finalPath := filepath.Join(workingDir, sizesFileName)
	tmp, err := os.CreateTemp(workingDir, sizesFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
