package ffmpeg

import (
	"errors"
	"fmt"
)

// ErrNoAudioTrack means the input has no audio stream at all. Retrying
// cannot fix it. The message casing is part of the webhook/API contract.
var ErrNoAudioTrack = errors.New("No audio track")

// ErrInvalidOutput means the transcoder exited cleanly but left a missing
// or empty output file.
var ErrInvalidOutput = errors.New("ffmpeg produced empty or missing output file")

// ProbeError wraps an ffprobe failure with its captured stderr.
type ProbeError struct {
	Stderr string
}

func (e *ProbeError) Error() string {
	return "ffprobe failed: " + e.Stderr
}

// TranscodeError wraps a non-zero ffmpeg exit. The stderr transcript lives
// in LogPath for post-mortem inspection.
type TranscodeError struct {
	ExitCode int
	LogPath  string
}

func (e *TranscodeError) Error() string {
	return fmt.Sprintf("ffmpeg failed with exit code %d, see %s for details", e.ExitCode, e.LogPath)
}
