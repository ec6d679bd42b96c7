// Copyright (C) 2026 Clarus Medical Imaging (eng@clarusmed.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRetainExpected_FiltersStrays(t *testing.T) {
	persisted := []string{"f1", "f2", "f3"}
	got := retainExpected(persisted, []string{"f3", "f1"})
	assert.Equal(t, []string{"f1", "f3"}, got)
}

func TestRetainExpected_MissingExpectedYieldsEmpty(t *testing.T) {
	got := retainExpected([]string{"stray-1", "stray-2"}, []string{"f1"})
	assert.Empty(t, got)
}

func TestRetainExpected_EmptyExpectedKeepsAll(t *testing.T) {
	persisted := []string{"f1", "f2"}
	assert.Equal(t, persisted, retainExpected(persisted, nil))
}
