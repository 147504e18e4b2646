package agent

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/smashpdf/smash/internal/protocol"
)

// newScratch creates the per-task scratch directory and populates it with the
// spec's input files. The caller removes the directory when the task ends.
func newScratch(spec *protocol.ExecSpec) (string, error) {
	dir, err := os.MkdirTemp("", "smash-task-")
	if err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}

	for _, in := range spec.Inputs {
		path, err := scratchPath(dir, in.Name)
		if err != nil {
			os.RemoveAll(dir)
			return "", err
		}
		if err := os.WriteFile(path, in.Data, 0o644); err != nil {
			os.RemoveAll(dir)
			return "", fmt.Errorf("write input %s: %w", in.Name, err)
		}
	}

	return dir, nil
}

func removeScratch(dir string, logger *slog.Logger) {
	if err := os.RemoveAll(dir); err != nil {
		logger.Warn("failed to remove scratch dir", "dir", dir, "error", err)
	}
}

// collectOutputs reads the spec's named output files, or the glob matches in
// lexical order, from the scratch directory.
func collectOutputs(dir string, spec *protocol.ExecSpec) ([][]byte, int64, error) {
	names := spec.OutputFiles
	if spec.OutputGlob != "" {
		matches, err := filepath.Glob(filepath.Join(dir, spec.OutputGlob))
		if err != nil {
			return nil, 0, fmt.Errorf("glob outputs: %w", err)
		}
		sort.Strings(matches)
		for _, m := range matches {
			names = append(names, filepath.Base(m))
		}
	}

	outputs := make([][]byte, 0, len(names))
	var total int64
	for _, name := range names {
		path, err := scratchPath(dir, name)
		if err != nil {
			return nil, 0, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, 0, fmt.Errorf("read output %s: %w", name, err)
		}
		outputs = append(outputs, data)
		total += int64(len(data))
	}

	return outputs, total, nil
}

// scratchPath joins dir with a scratch-relative name, rejecting names that
// escape the scratch directory.
func scratchPath(dir, name string) (string, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve scratch dir: %w", err)
	}
	full := filepath.Clean(filepath.Join(absDir, name))
	if !strings.HasPrefix(full, absDir+string(filepath.Separator)) {
		return "", fmt.Errorf("file name %q escapes scratch directory", name)
	}
	return full, nil
}
