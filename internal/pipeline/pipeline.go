// Package pipeline invokes the external reconstruction backend one stage at
// a time. The backend is an opaque subprocess; stdout lines become live
// progress messages and a non-zero exit is a typed stage failure.
package pipeline

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"triform/internal/core"
)

// Config selects the backend command and bounds each stage invocation.
type Config struct {
	Command      string
	Args         []string
	StageTimeout time.Duration
}

// ExecRunner shells out to the reconstruction backend per stage:
//
//	<command> [args...] --stage <name> --input <dir> --output <dir>
//
// Progress lines on stdout use "step/total message" or a bare message.
type ExecRunner struct {
	cfg Config
}

func NewExecRunner(cfg Config) *ExecRunner {
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 10 * time.Minute
	}
	return &ExecRunner{cfg: cfg}
}

func (r *ExecRunner) RunStage(ctx context.Context, stage string, job core.PipelineJob, emit core.EmitFunc) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.StageTimeout)
	defer cancel()

	args := append(append([]string{}, r.cfg.Args...),
		"--stage", stage,
		"--input", job.InputDir,
		"--output", job.OutputDir,
	)
	cmd := exec.CommandContext(ctx, r.cfg.Command, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start backend: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		msg, step, total := parseProgressLine(line)
		emit(msg, step, total)
	}

	if err := cmd.Wait(); err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if tail := lastLine(stderr.String()); tail != "" {
			return fmt.Errorf("backend failed: %s: %w", tail, err)
		}
		return fmt.Errorf("backend failed: %w", err)
	}
	return nil
}

// parseProgressLine splits an optional "step/total" prefix off a progress
// message, e.g. "12/30 Rendering view 12".
func parseProgressLine(line string) (string, *int, *int) {
	fields := strings.SplitN(line, " ", 2)
	if len(fields) != 2 {
		return line, nil, nil
	}

	frac := strings.SplitN(fields[0], "/", 2)
	if len(frac) != 2 {
		return line, nil, nil
	}
	step, err1 := strconv.Atoi(frac[0])
	total, err2 := strconv.Atoi(frac[1])
	if err1 != nil || err2 != nil || total <= 0 {
		return line, nil, nil
	}
	return strings.TrimSpace(fields[1]), &step, &total
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}
