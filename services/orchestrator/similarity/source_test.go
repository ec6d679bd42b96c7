// Copyright (C) 2026 Clarus Medical Imaging (eng@clarusmed.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package similarity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFromEnv_UnsetIsAbsent(t *testing.T) {
	t.Setenv("SIMILARITY_INDEX_URL", "")
	src, err := NewFromEnv()
	require.NoError(t, err)
	assert.Nil(t, src)
}

func TestNewFromEnv_InvalidURL(t *testing.T) {
	t.Setenv("SIMILARITY_INDEX_URL", "not a url")
	_, err := NewFromEnv()
	assert.Error(t, err)
}

func TestNewFromEnv_ValidURL(t *testing.T) {
	t.Setenv("SIMILARITY_INDEX_URL", "http://similarity-index:8080")
	src, err := NewFromEnv()
	require.NoError(t, err)
	assert.NotNil(t, src)
}

func TestAdditionalScore_Squashing(t *testing.T) {
	score := additionalScore(map[string]interface{}{
		"_additional": map[string]interface{}{"score": "3.0"},
	})
	assert.InDelta(t, 0.75, score, 1e-9)

	assert.Zero(t, additionalScore(map[string]interface{}{}))
	assert.Zero(t, additionalScore(map[string]interface{}{
		"_additional": map[string]interface{}{"score": "garbage"},
	}))
	assert.Zero(t, additionalScore(map[string]interface{}{
		"_additional": map[string]interface{}{"score": "-2"},
	}))
}
