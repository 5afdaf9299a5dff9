package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/anatolykoptev/go_reels/internal/engine"
)

// ErrExtractionFailed is returned when ffmpeg fails or produces no audio file.
var ErrExtractionFailed = errors.New("audio extraction failed")

// Extractor strips the video stream and writes a mono MP3 at a fixed sample rate.
type Extractor struct {
	Path       string // ffmpeg binary
	SampleRate int
	Timeout    time.Duration
	Run        Runner
}

// ExtractAudio writes <video basename>.mp3 next to videoPath and returns its path.
// A partial output file is removed on failure.
func (e Extractor) ExtractAudio(ctx context.Context, videoPath string) (string, error) {
	path := e.Path
	if path == "" {
		path = "ffmpeg"
	}
	rate := e.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	run := e.Run
	if run == nil {
		run = ExecRunner
	}
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out := strings.TrimSuffix(videoPath, filepath.Ext(videoPath)) + ".mp3"
	engine.IncrExtractions()
	_, err := run(ctx, path,
		"-y", "-loglevel", "error",
		"-i", videoPath,
		"-vn",
		"-ac", "1",
		"-ar", strconv.Itoa(rate),
		"-c:a", "libmp3lame",
		out,
	)
	if err == nil {
		var st os.FileInfo
		st, err = os.Stat(out)
		if err == nil && st.Size() == 0 {
			err = errors.New("empty output file")
		}
	}
	if err != nil {
		removeQuiet(out)
		engine.IncrExtractionErrors()
		return "", fmt.Errorf("%w: %s: %v", ErrExtractionFailed, filepath.Base(videoPath), err)
	}
	return out, nil
}
