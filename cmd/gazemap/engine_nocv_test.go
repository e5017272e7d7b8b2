//go:build !withcv

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGoCVEngineNotBuilt(t *testing.T) {
	_, err := newEngine("gocv")
	assert.ErrorContains(t, err, "withcv")
}

func TestAutoEngineFallsBackToNative(t *testing.T) {
	eng, err := newEngine("auto")
	assert.NoError(t, err)
	assert.Nil(t, eng)
}
