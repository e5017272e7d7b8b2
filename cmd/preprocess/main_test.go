package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	var stderr bytes.Buffer
	o, err := parseFlags([]string{"-vendor", "smi", "-in", "rec", "-out", "data", "-session", "3"}, &stderr)
	require.NoError(t, err)
	assert.Equal(t, "smi", o.vendor)
	assert.Equal(t, 3, o.session)
	assert.Equal(t, "mpeg4", o.codec)

	_, err = parseFlags([]string{"-vendor", "pupil"}, &stderr)
	assert.Error(t, err)
}

func TestRun(t *testing.T) {
	ctx := context.Background()
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 0, run(ctx, []string{"-version"}, &stdout, &stderr))
	assert.True(t, strings.HasPrefix(stdout.String(), "preprocess "))

	out := t.TempDir()
	stderr.Reset()
	assert.Equal(t, 2, run(ctx, []string{"-vendor", "eyelink", "-in", out, "-out", out, "-env", ""}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "unknown vendor")

	// an empty directory is not a Pupil recording
	stderr.Reset()
	assert.Equal(t, 1, run(ctx, []string{"-vendor", "pupil", "-in", out, "-out", filepath.Join(out, "x"), "-env", ""}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "info.csv")
}
