// Copyright (C) 2026 Clarus Medical Imaging (eng@clarusmed.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package registry loads the seeded dummy-case registry from CSV files under
// MEDICAL_DUMMY_DIR. The registry maps canonical image ids to their case,
// storage path, and seeded findings, and resolves path aliases by filename.
//
// Files:
//
//	images.csv    image_id,case_id,storage_uri,modality,filename
//	findings.csv  image_id,type,location,size_cm,conf
//
// The registry is loaded lazily once per process and is read-only afterwards,
// so it is safe for concurrent use without locking.
package registry

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// ImageEntry is one row of images.csv.
type ImageEntry struct {
	ImageID    string
	CaseID     string
	StorageURI string
	Modality   string
	Filename   string
}

// SeedFinding is one row of findings.csv.
type SeedFinding struct {
	Type     string
	Location string
	SizeCM   *float64
	Conf     float64
}

// Registry is the in-memory view of the dummy-case CSVs.
type Registry struct {
	images     map[string]ImageEntry
	byFilename map[string]ImageEntry
	findings   map[string][]SeedFinding
}

var (
	defaultOnce sync.Once
	defaultReg  *Registry
)

// Default loads the registry from MEDICAL_DUMMY_DIR exactly once. A missing
// or unset directory yields an empty registry, not an error.
func Default() *Registry {
	defaultOnce.Do(func() {
		dir := os.Getenv("MEDICAL_DUMMY_DIR")
		reg, err := Load(dir)
		if err != nil {
			slog.Warn("Dummy registry unavailable, continuing with empty registry",
				"dir", dir, "error", err)
			reg = empty()
		}
		defaultReg = reg
	})
	return defaultReg
}

func empty() *Registry {
	return &Registry{
		images:     map[string]ImageEntry{},
		byFilename: map[string]ImageEntry{},
		findings:   map[string][]SeedFinding{},
	}
}

// Load reads the registry CSVs from dir. An empty dir or missing files
// produce an empty registry.
func Load(dir string) (*Registry, error) {
	reg := empty()
	if dir == "" {
		return reg, nil
	}

	if rows, err := readCSV(filepath.Join(dir, "images.csv")); err == nil {
		for i, row := range rows {
			if len(row) < 3 {
				slog.Warn("Skipping malformed images.csv row", "row", i)
				continue
			}
			entry := ImageEntry{
				ImageID:    strings.TrimSpace(row[0]),
				CaseID:     strings.TrimSpace(row[1]),
				StorageURI: strings.TrimSpace(row[2]),
			}
			if len(row) > 3 {
				entry.Modality = strings.TrimSpace(row[3])
			}
			if len(row) > 4 {
				entry.Filename = strings.TrimSpace(row[4])
			}
			if entry.ImageID == "" {
				continue
			}
			reg.images[entry.ImageID] = entry
			if entry.Filename != "" {
				reg.byFilename[strings.ToLower(entry.Filename)] = entry
			}
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read images.csv: %w", err)
	}

	if rows, err := readCSV(filepath.Join(dir, "findings.csv")); err == nil {
		for i, row := range rows {
			if len(row) < 3 {
				slog.Warn("Skipping malformed findings.csv row", "row", i)
				continue
			}
			imageID := strings.TrimSpace(row[0])
			f := SeedFinding{
				Type:     strings.TrimSpace(row[1]),
				Location: strings.TrimSpace(row[2]),
				Conf:     0.9,
			}
			if len(row) > 3 && strings.TrimSpace(row[3]) != "" {
				if size, err := strconv.ParseFloat(strings.TrimSpace(row[3]), 64); err == nil {
					f.SizeCM = &size
				}
			}
			if len(row) > 4 && strings.TrimSpace(row[4]) != "" {
				if conf, err := strconv.ParseFloat(strings.TrimSpace(row[4]), 64); err == nil {
					f.Conf = conf
				}
			}
			reg.findings[imageID] = append(reg.findings[imageID], f)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read findings.csv: %w", err)
	}

	slog.Info("Dummy registry loaded",
		"images", len(reg.images), "findings", len(reg.findings), "dir", dir)
	return reg, nil
}

func readCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	// Skip a header row if present.
	if len(rows) > 0 && strings.EqualFold(strings.TrimSpace(rows[0][0]), "image_id") {
		rows = rows[1:]
	}
	return rows, nil
}

// LookupImage returns the registry entry for a canonical image id.
func (r *Registry) LookupImage(imageID string) (ImageEntry, bool) {
	e, ok := r.images[imageID]
	return e, ok
}

// LookupByFilename resolves a source filename to a registry entry.
func (r *Registry) LookupByFilename(name string) (ImageEntry, bool) {
	e, ok := r.byFilename[strings.ToLower(filepath.Base(name))]
	return e, ok
}

// SeedFindings returns the seeded findings for an image id, or nil.
func (r *Registry) SeedFindings(imageID string) []SeedFinding {
	return r.findings[imageID]
}

// Len reports the number of registered images.
func (r *Registry) Len() int { return len(r.images) }
