package video

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

// Environment variables naming the ffmpeg and ffprobe binaries.
const (
	EnvFFmpeg  = "GAZEMAP_FFMPEG"
	EnvFFprobe = "GAZEMAP_FFPROBE"
)

// ToolsFromEnv resolves the binaries from the process environment, falling
// back to envFile (a dotenv file) and then to PATH lookup. A missing envFile
// is not an error.
func ToolsFromEnv(envFile string) (Tools, error) {
	file := map[string]string{}
	if envFile != "" {
		m, err := godotenv.Read(envFile)
		switch {
		case err == nil:
			file = m
		case errors.Is(err, fs.ErrNotExist):
		default:
			return Tools{}, fmt.Errorf("read %s: %w", envFile, err)
		}
	}
	lookup := func(key, def string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		if v := file[key]; v != "" {
			return v
		}
		return def
	}
	d := DefaultTools()
	t := Tools{FFmpeg: lookup(EnvFFmpeg, d.FFmpeg), FFprobe: lookup(EnvFFprobe, d.FFprobe)}
	diagf("ffmpeg=%s ffprobe=%s", t.FFmpeg, t.FFprobe)
	return t, nil
}
