// Copyright (C) 2026 Clarus Medical Imaging (eng@clarusmed.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package identity reconciles the payload, file path, registry, and
// normaliser output into one canonical image identity. The resolver is a
// pure function of its inputs: the same request always produces the same
// identity, which is what makes graph upserts idempotent.
package identity

import (
	"crypto/sha1"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/clarusmed/visiongraph/services/orchestrator/datatypes"
	"github.com/clarusmed/visiongraph/services/orchestrator/registry"
)

// Image-id source labels, in resolution priority order.
const (
	SourcePayload     = "payload"
	SourceDummyLookup = "dummy_lookup"
	SourceFilePath    = "file_path"
	SourceNormalizer  = "normalizer"
)

// Identity is the resolved canonical identity of the request image.
type Identity struct {
	ImageID       string
	CaseID        string
	StorageURI    string
	StorageURIKey string
	ImageIDSource string
	LookupSource  string
	SeedHit       bool
}

// ErrBlankImageID reports a payload image_id that is present but blank.
var ErrBlankImageID = fmt.Errorf("image_id must not be blank")

// ErrUnidentifiable reports that no source yielded an image id.
var ErrUnidentifiable = fmt.Errorf("no source yielded an image id")

// Resolver resolves identities against the seeded registry.
type Resolver struct {
	registry *registry.Registry
}

// New builds a Resolver over the given registry.
func New(reg *registry.Registry) *Resolver {
	return &Resolver{registry: reg}
}

var (
	numericIDRe = regexp.MustCompile(`^IMG_\d+$`)
	stemIDRe    = regexp.MustCompile(`IMG\d+`)
	modalityRe  = regexp.MustCompile(`^(US|CT|XR|MR)_`)
)

// Resolve derives the canonical identity.
//
// Image-id priority: explicit payload id, path-based registry alias,
// stem-embedded IMG<digits> pattern, normaliser-derived id, then a slug
// built from the path stem.
func (r *Resolver) Resolve(req *datatypes.AnalyzeRequest, normalized datatypes.ImageRecord,
	resolvedPath, imagePath string) (Identity, error) {

	var id Identity

	switch {
	case req.ImageID != "":
		if strings.TrimSpace(req.ImageID) == "" {
			return Identity{}, ErrBlankImageID
		}
		id.ImageID = Canonicalize(req.ImageID)
		id.ImageIDSource = SourcePayload

	default:
		if entry, ok := r.registry.LookupByFilename(imagePath); ok && entry.ImageID != "" {
			id.ImageID = Canonicalize(entry.ImageID)
			id.ImageIDSource = SourceDummyLookup
			id.LookupSource = "filename"
			id.SeedHit = true
			break
		}
		stem := pathStem(imagePath)
		if m := stemIDRe.FindString(strings.ToUpper(stem)); m != "" {
			id.ImageID = Canonicalize(strings.Replace(m, "IMG", "IMG_", 1))
			id.ImageIDSource = SourceFilePath
			break
		}
		if normalized.ImageID != "" {
			id.ImageID = Canonicalize(normalized.ImageID)
			id.ImageIDSource = SourceNormalizer
			break
		}
		if stem != "" {
			id.ImageID = slugID(stem)
			id.ImageIDSource = SourceFilePath
		}
	}

	if id.ImageID == "" {
		return Identity{}, ErrUnidentifiable
	}

	if !id.SeedHit {
		if _, ok := r.registry.LookupImage(id.ImageID); ok {
			id.SeedHit = true
			if id.LookupSource == "" {
				id.LookupSource = "image_id"
			}
		}
	}

	id.CaseID = resolveCaseID(req, id.ImageID, imagePath)
	id.StorageURI = r.resolveStorageURI(id.ImageID, resolvedPath)
	id.StorageURIKey = id.StorageURI
	return id, nil
}

func resolveCaseID(req *datatypes.AnalyzeRequest, imageID, imagePath string) string {
	if req.CaseID != "" {
		return req.CaseID
	}
	for _, seed := range []string{req.IdempotencyKey, imageID, pathStem(imagePath)} {
		if seed != "" {
			return "CASE_" + Canonicalize(seed)
		}
	}
	return "CASE_" + Canonicalize(uuid.NewString()[:8])
}

func (r *Resolver) resolveStorageURI(imageID, resolvedPath string) string {
	if entry, ok := r.registry.LookupImage(imageID); ok && entry.StorageURI != "" {
		return entry.StorageURI
	}
	if numericIDRe.MatchString(imageID) {
		return fmt.Sprintf("/mnt/data/medical_dummy/images/%s.png", imageID)
	}
	if stemIDRe.MatchString(imageID) || modalityRe.MatchString(imageID) {
		ext := filepath.Ext(resolvedPath)
		if ext == "" {
			ext = ".png"
		}
		return fmt.Sprintf("/data/dummy/%s%s", imageID, ext)
	}
	return resolvedPath
}

// Canonicalize applies the id normalisation rule: uppercase, dashes to
// underscores, collapsed repeats, no whitespace.
func Canonicalize(id string) string {
	id = strings.ToUpper(strings.TrimSpace(id))
	id = strings.ReplaceAll(id, " ", "_")
	id = strings.ReplaceAll(id, "-", "_")
	for strings.Contains(id, "__") {
		id = strings.ReplaceAll(id, "__", "_")
	}
	return id
}

func slugID(stem string) string {
	sum := sha1.Sum([]byte(stem))
	return fmt.Sprintf("IMG_%s_%X", Canonicalize(stem), sum[:3])
}

func pathStem(path string) string {
	base := filepath.Base(path)
	if base == "." || base == string(filepath.Separator) {
		return ""
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}
