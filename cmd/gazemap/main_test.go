package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/gazemap/internal/pipeline"
	"github.com/banshee-data/gazemap/internal/testutil"
)

func TestParseFlagsRequired(t *testing.T) {
	var stderr bytes.Buffer
	_, err := parseFlags([]string{"-video", "w.mp4", "-ref", "r.png", "-o", "out"}, &stderr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "-gaze")

	o, err := parseFlags([]string{"-gaze", "g.tsv", "-video", "w.mp4", "-ref", "r.png", "-o", "out", "-workers", "4", "-plot"}, &stderr)
	require.NoError(t, err)
	assert.Equal(t, 4, o.workers)
	assert.True(t, o.plot)
	assert.Equal(t, "auto", o.engine)

	_, err = parseFlags([]string{"-gaze", "g", "-video", "v", "-ref", "r", "-o", "o", "-frames", "-1"}, &stderr)
	assert.Error(t, err)
}

func TestLoadConfigOverrides(t *testing.T) {
	cfg, err := loadConfig(&options{frames: 5, workers: 3})
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.GetMaxFrames())
	assert.Equal(t, 3, cfg.GetWorkers())

	dir := t.TempDir()
	path := testutil.WriteFile(t, dir, "tuning.json", `{"distance_ratio": 0.7, "workers": 2}`)
	cfg, err = loadConfig(&options{configPath: path})
	require.NoError(t, err)
	assert.Equal(t, 0.7, cfg.GetDistanceRatio())
	assert.Equal(t, 2, cfg.GetWorkers())

	_, err = loadConfig(&options{configPath: filepath.Join(dir, "tuning.yaml")})
	assert.Error(t, err)
}

func TestNewEngine(t *testing.T) {
	eng, err := newEngine("native")
	require.NoError(t, err)
	assert.Nil(t, eng)

	_, err = newEngine("orb")
	assert.Error(t, err)
}

func TestRunVersion(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-version"}, &stdout, &stderr)
	assert.Equal(t, exitOK, code)
	assert.True(t, strings.HasPrefix(stdout.String(), "gazemap "), stdout.String())
}

func TestRunUsageErrors(t *testing.T) {
	out := t.TempDir()
	base := []string{"-gaze", "g.tsv", "-video", "w.mp4", "-ref", "r.png", "-o", out, "-env", ""}
	for name, extra := range map[string][]string{
		"missing flag": {"-o", ""},
		"bad engine":   {"-engine", "orb"},
		"config ext":   {"-config", filepath.Join(out, "tuning.txt")},
		"unknown flag": {"-bogus"},
		"bad workers":  {"-workers", "-2"},
	} {
		t.Run(name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			code := run(context.Background(), append(append([]string{}, base...), extra...), &stdout, &stderr)
			assert.Equal(t, exitUsage, code, stderr.String())
		})
	}
}

func TestRunMissingInputs(t *testing.T) {
	out := filepath.Join(t.TempDir(), "run")
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{
		"-gaze", filepath.Join(out, "missing.tsv"),
		"-video", filepath.Join(out, "missing.mp4"),
		"-ref", filepath.Join(out, "missing.png"),
		"-o", out, "-env", "",
	}, &stdout, &stderr)

	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr.String(), "reference image")

	data, err := os.ReadFile(filepath.Join(out, pipeline.RunLogName))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "gazemap "), string(data))
	assert.Contains(t, string(data), "[pipeline] ")
}
