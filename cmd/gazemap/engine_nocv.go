//go:build !withcv

package main

import (
	"errors"

	"github.com/banshee-data/gazemap/internal/engine"
)

const cvBuiltIn = false

func newCVEngine() (engine.Engine, error) {
	return nil, errors.New("gocv engine not built in (rebuild with -tags withcv)")
}
