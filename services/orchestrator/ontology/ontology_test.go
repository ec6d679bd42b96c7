// Copyright (C) 2026 Clarus Medical Imaging (eng@clarusmed.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ontology

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clarusmed/visiongraph/services/orchestrator/datatypes"
)

func mustLoad(t *testing.T) *Ontology {
	t.Helper()
	o, err := Load()
	require.NoError(t, err)
	require.NotNil(t, o)
	return o
}

func TestLoad_Version(t *testing.T) {
	o := mustLoad(t)
	assert.Equal(t, "onto-2026-02", o.Version())
}

func TestCanonicalType_AliasesAndCase(t *testing.T) {
	o := mustLoad(t)

	cases := []struct {
		in   string
		want string
	}{
		{"nodule", "nodule"},
		{"Nodules", "nodule"},
		{"결절", "nodule"},
		{"GGO", "opacity"},
		{"  Pleural Effusion ", "effusion"},
		{"tumour", "mass"},
	}
	for _, tc := range cases {
		got, ok := o.CanonicalType(tc.in)
		require.True(t, ok, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestCanonicalType_Unknown(t *testing.T) {
	o := mustLoad(t)
	_, ok := o.CanonicalType("spaceship")
	assert.False(t, ok)
}

func TestCanonicalLocation_Aliases(t *testing.T) {
	o := mustLoad(t)

	got, ok := o.CanonicalLocation("RUL")
	require.True(t, ok)
	assert.Equal(t, "right upper lobe", got)

	got, ok = o.CanonicalLocation("hepatic")
	require.True(t, ok)
	assert.Equal(t, "liver", got)
}

func TestCanonicalizeFindings_RewritesInPlace(t *testing.T) {
	o := mustLoad(t)
	findings := []datatypes.Finding{
		{Type: "결절", Location: "rul"},
		{Type: "GGO", Location: ""},
	}
	require.NoError(t, o.CanonicalizeFindings(findings))
	assert.Equal(t, "nodule", findings[0].Type)
	assert.Equal(t, "right upper lobe", findings[0].Location)
	assert.Equal(t, "opacity", findings[1].Type)
	assert.Equal(t, "", findings[1].Location)
}

func TestCanonicalizeFindings_UnknownType(t *testing.T) {
	o := mustLoad(t)
	err := o.CanonicalizeFindings([]datatypes.Finding{
		{Type: "nodule", Location: "lung"},
		{Type: "widget", Location: "lung"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotCanonical))
	assert.Contains(t, err.Error(), "finding[1].type")
}

func TestCanonicalizeFindings_UnknownLocation(t *testing.T) {
	o := mustLoad(t)
	err := o.CanonicalizeFindings([]datatypes.Finding{
		{Type: "mass", Location: "elbow"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotCanonical))
	assert.Contains(t, err.Error(), "finding[0].location")
}
