// Copyright (C) 2026 Clarus Medical Imaging (eng@clarusmed.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFixture(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o640))
}

func loadFixture(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()
	writeFixture(t, dir, "images.csv",
		"image_id,case_id,storage_uri,modality,filename\n"+
			"IMG_001,CASE_A,/mnt/data/medical_dummy/images/IMG_001.png,XR,chest_IMG001.png\n"+
			"IMG_002,CASE_B,/mnt/data/medical_dummy/images/IMG_002.png,US,liver_IMG002.png\n")
	writeFixture(t, dir, "findings.csv",
		"image_id,type,location,size_cm,conf\n"+
			"IMG_001,nodule,right upper lobe,1.2,0.92\n"+
			"IMG_001,opacity,left lower lobe,,\n")
	reg, err := Load(dir)
	require.NoError(t, err)
	return reg
}

func TestLoad_EmptyDir(t *testing.T) {
	reg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 0, reg.Len())
}

func TestLoad_MissingFiles(t *testing.T) {
	reg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 0, reg.Len())
}

func TestLookupImage(t *testing.T) {
	reg := loadFixture(t)

	entry, ok := reg.LookupImage("IMG_001")
	require.True(t, ok)
	assert.Equal(t, "CASE_A", entry.CaseID)
	assert.Equal(t, "/mnt/data/medical_dummy/images/IMG_001.png", entry.StorageURI)
	assert.Equal(t, "XR", entry.Modality)

	_, ok = reg.LookupImage("IMG_404")
	assert.False(t, ok)
}

func TestLookupByFilename_CaseInsensitiveBase(t *testing.T) {
	reg := loadFixture(t)

	entry, ok := reg.LookupByFilename("/incoming/scans/CHEST_IMG001.PNG")
	require.True(t, ok)
	assert.Equal(t, "IMG_001", entry.ImageID)

	_, ok = reg.LookupByFilename("/incoming/unknown.png")
	assert.False(t, ok)
}

func TestSeedFindings(t *testing.T) {
	reg := loadFixture(t)

	seeds := reg.SeedFindings("IMG_001")
	require.Len(t, seeds, 2)

	assert.Equal(t, "nodule", seeds[0].Type)
	assert.Equal(t, "right upper lobe", seeds[0].Location)
	require.NotNil(t, seeds[0].SizeCM)
	assert.InDelta(t, 1.2, *seeds[0].SizeCM, 1e-9)
	assert.InDelta(t, 0.92, seeds[0].Conf, 1e-9)

	// Missing size and conf fall back to defaults.
	assert.Nil(t, seeds[1].SizeCM)
	assert.InDelta(t, 0.9, seeds[1].Conf, 1e-9)

	assert.Nil(t, reg.SeedFindings("IMG_404"))
}

func TestLoad_SkipsMalformedRows(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "images.csv", "IMG_001,CASE_A,/x.png\nshort\n,CASE_B,/y.png\n")
	reg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Len())
}
