//go:build withcv

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/gazemap/internal/engine/cvengine"
)

func TestAutoEnginePrefersGoCV(t *testing.T) {
	eng, err := newEngine("auto")
	require.NoError(t, err)
	defer eng.Close()
	assert.IsType(t, &cvengine.Engine{}, eng)

	native, err := newEngine("native")
	require.NoError(t, err)
	assert.Nil(t, native)
}
