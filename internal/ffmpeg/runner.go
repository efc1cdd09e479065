package ffmpeg

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"media-server/internal/logging"
)

// stderr is kept for error reports but capped so a chatty encode
// cannot grow it without bound.
const stderrCap = 8 * 1024

// Runner executes ffmpeg argument lists. The worker pool depends on
// this interface so tests can substitute a fake encoder.
type Runner interface {
	// Run executes ffmpeg with the given arguments, reporting whole
	// percentages through report as the encode advances.
	Run(ctx context.Context, args []string, totalSeconds float64, report func(percent int)) error
}

// Encoder runs a real ffmpeg binary.
type Encoder struct {
	binary string
}

func NewEncoder() *Encoder {
	return &Encoder{binary: "ffmpeg"}
}

func (e *Encoder) Run(ctx context.Context, args []string, totalSeconds float64, report func(percent int)) error {
	cmd := exec.CommandContext(ctx, e.binary, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", e.binary, err)
	}

	progressErr := ParseProgress(stdout, totalSeconds, report)

	cmdErr := cmd.Wait()
	if cmdErr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logging.Error("%s exited with error: %v, stderr: %s", e.binary, cmdErr, stderrTail(&stderr))
		return fmt.Errorf("%s: %w: %s", e.binary, cmdErr, stderrTail(&stderr))
	}
	if progressErr != nil {
		logging.Warn("progress stream read error: %v", progressErr)
	}
	return nil
}

// RunQuiet executes ffmpeg without progress reporting, for short jobs
// like subtitle extraction.
func (e *Encoder) RunQuiet(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, e.binary, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s: %w: %s", e.binary, err, stderrTail(&stderr))
	}
	return nil
}

func stderrTail(buf *bytes.Buffer) string {
	b := buf.Bytes()
	if len(b) > stderrCap {
		b = b[len(b)-stderrCap:]
	}
	return string(bytes.TrimSpace(b))
}
