// Package ffmpeg drives the external transcoder: probing inputs for audio
// tracks and converting video to STT-optimised mono MP3.
package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/sttools/convertd/internal/log"
	"github.com/sttools/convertd/internal/procgroup"
)

var (
	startTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "convertd_ffmpeg_start_total",
		Help: "Total number of ffmpeg process starts",
	}, []string{"result"})

	exitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "convertd_ffmpeg_exit_total",
		Help: "Total number of ffmpeg process exits",
	}, []string{"reason"})
)

// audioFilters is the fixed filter chain applied to every job. Order is
// significant: band-limit first, then strip silence, then normalise.
const audioFilters = "highpass=f=100," +
	"lowpass=f=8000," +
	"silenceremove=start_periods=1:start_duration=1:start_threshold=-45dB:" +
	"stop_periods=-1:stop_duration=1:stop_threshold=-45dB," +
	"loudnorm"

// progressInterval is how much output media passes between progress log
// milestones. out_time_ms is microseconds despite the name.
const progressInterval = int64(10_000_000)

// LogFileName is the stderr transcript written next to the output artifact.
const LogFileName = "ffmpeg.log"

// Driver wraps the external ffmpeg/ffprobe binaries.
type Driver struct {
	FFmpegBin  string
	FFprobeBin string

	// KillTimeout bounds the SIGTERM grace before escalating to SIGKILL
	// when a transcode is cancelled.
	KillTimeout time.Duration
}

// NewDriver builds a Driver, defaulting to the binaries on PATH.
func NewDriver(ffmpegBin, ffprobeBin string) *Driver {
	if ffmpegBin == "" {
		ffmpegBin = "ffmpeg"
	}
	if ffprobeBin == "" {
		ffprobeBin = "ffprobe"
	}
	return &Driver{
		FFmpegBin:   ffmpegBin,
		FFprobeBin:  ffprobeBin,
		KillTimeout: 5 * time.Second,
	}
}

// Probe checks that input carries at least one audio stream. It returns
// ErrNoAudioTrack when ffprobe reports none, and a ProbeError when ffprobe
// itself fails.
func (d *Driver) Probe(ctx context.Context, input string) error {
	logger := log.WithComponentFromContext(ctx, "ffmpeg")

	cmd := exec.CommandContext(ctx, d.FFprobeBin,
		"-v", "error",
		"-select_streams", "a",
		"-show_entries", "stream=index",
		"-of", "csv=p=0",
		input,
	) // #nosec G204

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Info().
		Str("event", "ffprobe.started").
		Str("path", input).
		Msg("validating audio track")

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		logger.Error().
			Str("event", "ffprobe.failed").
			Str("stderr", msg).
			Msg("ffprobe failed")
		return &ProbeError{Stderr: msg}
	}

	streams := strings.TrimSpace(stdout.String())
	if streams == "" {
		logger.Warn().
			Str("event", "ffprobe.no_audio_track").
			Str("path", input).
			Msg("no audio track found")
		return fmt.Errorf("%w found in %s", ErrNoAudioTrack, filepath.Base(input))
	}

	logger.Info().
		Str("event", "ffprobe.validated").
		Strs("streams", strings.Split(streams, "\n")).
		Msg("audio track validated")
	return nil
}

// Transcode converts input to a mono 16 kHz 128 kbit/s MP3 at output.
// Progress events are parsed from stdout; stderr is streamed verbatim to
// ffmpeg.log in the output directory. Cancellation signals the child's
// process group and waits for it to exit.
func (d *Driver) Transcode(ctx context.Context, input, output string) error {
	logger := log.WithComponentFromContext(ctx, "ffmpeg")

	args := []string{
		"-y",
		"-i", input,
		"-vn",
		"-af", audioFilters,
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "libmp3lame",
		"-b:a", "128k",
		"-progress", "pipe:1",
		output,
	}

	cmd := exec.Command(d.FFmpegBin, args...) // #nosec G204
	procgroup.Set(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stderr pipe: %w", err)
	}

	logPath := filepath.Join(filepath.Dir(output), LogFileName)
	logFile, err := os.Create(logPath) // #nosec G304
	if err != nil {
		return fmt.Errorf("create %s: %w", LogFileName, err)
	}
	defer logFile.Close() //nolint:errcheck

	logger.Info().
		Str("event", "ffmpeg.started").
		Str("command", cmd.String()).
		Msg("starting ffmpeg process")

	if err := cmd.Start(); err != nil {
		startTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("ffmpeg start failed: %w", err)
	}
	startTotal.WithLabelValues("ok").Inc()

	// Drain both pipes before Wait; the stderr transcript goes to disk.
	var ioWg sync.WaitGroup
	ioWg.Add(2)
	go func() {
		defer ioWg.Done()
		d.scanProgress(logger, stdout)
	}()
	go func() {
		defer ioWg.Done()
		writer := bufio.NewWriter(logFile)
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			_, _ = writer.Write(scanner.Bytes())
			_, _ = writer.Write([]byte("\n"))
		}
		_ = writer.Flush()
	}()

	done := make(chan error, 1)
	go func() {
		ioWg.Wait()
		done <- cmd.Wait()
	}()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		d.terminate(logger, cmd, done)
		exitTotal.WithLabelValues("ctx_cancel").Inc()
		return ctx.Err()
	}

	if waitErr != nil {
		code := 1
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
		logger.Error().
			Str("event", "ffmpeg.failed").
			Int("exit_code", code).
			Str("log_path", logPath).
			Msg("ffmpeg exited non-zero")
		exitTotal.WithLabelValues("error").Inc()
		return &TranscodeError{ExitCode: code, LogPath: logPath}
	}

	info, err := os.Stat(output)
	if err != nil || info.Size() == 0 {
		logger.Error().
			Str("event", "ffmpeg.output_invalid").
			Str("output", output).
			Msg("output missing or empty")
		exitTotal.WithLabelValues("invalid_output").Inc()
		return ErrInvalidOutput
	}

	logger.Info().
		Str("event", "ffmpeg.completed").
		Int64("output_size", info.Size()).
		Msg("transcode finished")
	exitTotal.WithLabelValues("clean").Inc()
	return nil
}

// scanProgress reads key=value progress events from stdout and logs at most
// one milestone per ~10s of output media.
func (d *Driver) scanProgress(logger zerolog.Logger, r io.Reader) {
	scanner := bufio.NewScanner(r)
	nextMilestone := progressInterval
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		value, ok := strings.CutPrefix(line, "out_time_ms=")
		if !ok {
			continue
		}
		timeMs, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			continue
		}
		if timeMs >= nextMilestone {
			logger.Info().
				Str("event", "ffmpeg.progress").
				Int64("time_ms", timeMs).
				Msg("transcode progress")
			for nextMilestone <= timeMs {
				nextMilestone += progressInterval
			}
		}
	}
}

// terminate escalates SIGTERM to SIGKILL on the child's process group and
// waits for the exit to be reaped.
func (d *Driver) terminate(logger zerolog.Logger, cmd *exec.Cmd, done <-chan error) {
	logger.Debug().
		Str("event", "ffmpeg.terminating").
		Msg("sending SIGTERM to ffmpeg process group")
	_ = procgroup.Kill(cmd, syscall.SIGTERM)

	killTimeout := d.KillTimeout
	if killTimeout <= 0 {
		killTimeout = 5 * time.Second
	}

	select {
	case <-done:
	case <-time.After(killTimeout):
		logger.Warn().
			Str("event", "ffmpeg.killed").
			Msg("SIGTERM grace exceeded, sending SIGKILL")
		_ = procgroup.Kill(cmd, syscall.SIGKILL)
		<-done
	}
}
