package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/smashpdf/smash/internal/protocol"
)

// Ghostscript announces the page span before rendering and then prints each
// page number as it finishes. qpdf prints nothing on success, so qpdf tasks
// report no intermediate progress.
var (
	pagesThroughRe = regexp.MustCompile(`^Processing pages \d+ through (\d+)\.`)
	pageRe         = regexp.MustCompile(`^Page (\d+)`)
)

// NativeRunner executes engine invocations against an installed tool binary.
type NativeRunner struct {
	bin    string
	logger *slog.Logger
}

// NewNativeRunner creates a runner that executes bin for every task.
func NewNativeRunner(bin string, logger *slog.Logger) *NativeRunner {
	return &NativeRunner{bin: bin, logger: logger}
}

func (r *NativeRunner) Run(ctx context.Context, spec *protocol.ExecSpec, progress func(int)) (*protocol.Result, error) {
	scratch, err := newScratch(spec)
	if err != nil {
		return nil, err
	}
	defer removeScratch(scratch, r.logger)

	cmd := exec.CommandContext(ctx, r.bin, spec.Argv...)
	cmd.Dir = scratch

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", r.bin, err)
	}

	var stdout strings.Builder
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanProgress(stdoutPipe, &stdout, progress)
	}()

	var stderr strings.Builder
	wg.Add(1)
	go func() {
		defer wg.Done()
		io.Copy(&stderr, stderrPipe)
	}()

	wg.Wait()
	waitErr := cmd.Wait()

	if waitErr != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("run %s: %w", r.bin, ctx.Err())
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(lastLine(stdout.String()))
		}
		if msg == "" {
			return nil, fmt.Errorf("run %s: %w", r.bin, waitErr)
		}
		return nil, fmt.Errorf("run %s: %w: %s", r.bin, waitErr, msg)
	}

	outputs, total, err := collectOutputs(scratch, spec)
	if err != nil {
		return nil, err
	}

	res := &protocol.Result{Outputs: outputs, OutputSize: total}
	if spec.CaptureStdout {
		res.Stdout = stdout.String()
	}
	return res, nil
}

// scanProgress accumulates stdout while turning the tool's page lines into
// percentage callbacks.
func scanProgress(r io.Reader, out *strings.Builder, progress func(int)) {
	total := 0
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		out.WriteString(line)
		out.WriteByte('\n')

		if m := pagesThroughRe.FindStringSubmatch(line); m != nil {
			total, _ = strconv.Atoi(m[1])
			continue
		}
		if m := pageRe.FindStringSubmatch(line); m != nil && total > 0 {
			page, _ := strconv.Atoi(m[1])
			progress(page * 100 / total)
		}
	}
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}
