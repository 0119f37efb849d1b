//go:build unix

package ffmpeg

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeBin writes an executable shell script standing in for ffmpeg/ffprobe.
func fakeBin(t *testing.T, name, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil { // #nosec G306
		t.Fatalf("write fake bin: %v", err)
	}
	return path
}

func TestProbeFindsAudio(t *testing.T) {
	d := NewDriver("", fakeBin(t, "ffprobe", `printf '0\n1\n'`))

	if err := d.Probe(context.Background(), "dummy.mp4"); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func TestProbeNoAudioTrack(t *testing.T) {
	d := NewDriver("", fakeBin(t, "ffprobe", `exit 0`))

	err := d.Probe(context.Background(), "/videos/silent.mp4")
	if !errors.Is(err, ErrNoAudioTrack) {
		t.Fatalf("expected ErrNoAudioTrack, got %v", err)
	}
	if !strings.Contains(err.Error(), "silent.mp4") {
		t.Errorf("error should name the input file: %v", err)
	}
}

func TestProbeFailure(t *testing.T) {
	d := NewDriver("", fakeBin(t, "ffprobe", `echo "moov atom not found" >&2; exit 1`))

	err := d.Probe(context.Background(), "broken.mp4")
	var probeErr *ProbeError
	if !errors.As(err, &probeErr) {
		t.Fatalf("expected ProbeError, got %v", err)
	}
	if !strings.Contains(probeErr.Stderr, "moov atom") {
		t.Errorf("stderr not captured: %q", probeErr.Stderr)
	}
}

func TestTranscodeSuccess(t *testing.T) {
	jobDir := t.TempDir()
	output := filepath.Join(jobDir, "output.mp3")

	// The fake transcoder emits progress on stdout, diagnostics on stderr
	// and writes a non-empty artifact to its last argument.
	d := NewDriver(fakeBin(t, "ffmpeg", `
out=""
for arg in "$@"; do out="$arg"; done
echo "out_time_ms=5000000"
echo "out_time_ms=15000000"
echo "configuration: --enable-libmp3lame" >&2
printf 'mp3data' > "$out"
`), "")

	if err := d.Transcode(context.Background(), filepath.Join(jobDir, "input.mp4"), output); err != nil {
		t.Fatalf("transcode: %v", err)
	}

	logData, err := os.ReadFile(filepath.Join(jobDir, LogFileName))
	if err != nil {
		t.Fatalf("read ffmpeg.log: %v", err)
	}
	if !strings.Contains(string(logData), "libmp3lame") {
		t.Errorf("stderr not streamed to log file: %q", logData)
	}
}

func TestTranscodeNonZeroExit(t *testing.T) {
	jobDir := t.TempDir()
	d := NewDriver(fakeBin(t, "ffmpeg", `echo "Invalid data found" >&2; exit 187`), "")

	err := d.Transcode(context.Background(), "in.mp4", filepath.Join(jobDir, "output.mp3"))
	var tErr *TranscodeError
	if !errors.As(err, &tErr) {
		t.Fatalf("expected TranscodeError, got %v", err)
	}
	if tErr.ExitCode != 187 {
		t.Errorf("expected exit code 187, got %d", tErr.ExitCode)
	}
	if !strings.HasSuffix(tErr.LogPath, LogFileName) {
		t.Errorf("unexpected log path %q", tErr.LogPath)
	}
}

func TestTranscodeEmptyOutput(t *testing.T) {
	jobDir := t.TempDir()
	// Exits cleanly but writes nothing.
	d := NewDriver(fakeBin(t, "ffmpeg", `exit 0`), "")

	err := d.Transcode(context.Background(), "in.mp4", filepath.Join(jobDir, "output.mp3"))
	if !errors.Is(err, ErrInvalidOutput) {
		t.Fatalf("expected ErrInvalidOutput, got %v", err)
	}
}

func TestTranscodeCancellation(t *testing.T) {
	jobDir := t.TempDir()
	d := NewDriver(fakeBin(t, "ffmpeg", `sleep 60`), "")
	d.KillTimeout = 200 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := d.Transcode(ctx, "in.mp4", filepath.Join(jobDir, "output.mp3"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("cancellation took too long: %s", elapsed)
	}
}

func TestProgressMilestones(t *testing.T) {
	d := NewDriver("", "")
	// Pure function check via the scanner: feed synthetic progress output.
	input := strings.NewReader(strings.Join([]string{
		"frame=100",
		"out_time_ms=3000000",
		"out_time_ms=9000000",
		"out_time_ms=12000000",
		"out_time_ms=26000000",
		"progress=end",
	}, "\n"))

	// Must not panic or loop; milestone bookkeeping is internal.
	d.scanProgress(zerolog.Nop(), input)
}
