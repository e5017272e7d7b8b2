//go:build withcv

package main

import (
	"github.com/banshee-data/gazemap/internal/engine"
	"github.com/banshee-data/gazemap/internal/engine/cvengine"
)

const cvBuiltIn = true

func newCVEngine() (engine.Engine, error) {
	return cvengine.New(), nil
}
