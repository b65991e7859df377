package merge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/hlsdl/internal/utils"
)

const (
	DescriptorName = "files.txt"
	OutputExt      = ".mp4"
	maxNameTries   = 10000
)

// Error is returned when the concatenation tool fails. It is never retried.
type Error struct {
	Output string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("merge into %s failed: %v", filepath.Base(e.Output), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type Request struct {
	// SegmentPaths in index order; concatenation follows this slice.
	SegmentPaths   []string
	TempDir        string
	DestinationDir string
	DisplayName    string
	// Duration is the summed media duration, used to turn the tool's
	// position reports into a percentage. Zero disables merge progress.
	Duration   time.Duration
	OnProgress func(percent int)
}

// Runner executes the concatenation over a descriptor file.
type Runner interface {
	Concat(ctx context.Context, descriptor, output string, onPosition func(time.Duration)) error
}

// Merger serializes output name selection so concurrent tasks never pick the
// same file; the tool itself runs outside the lock.
type Merger struct {
	runner Runner
	mu     sync.Mutex
}

func NewMerger(runner Runner) *Merger {
	return &Merger{runner: runner}
}

// Merge writes the descriptor, reserves a free output name and runs the
// concatenation. The temp directory is removed only on success.
func (m *Merger) Merge(ctx context.Context, req Request) (string, error) {
	descriptor := filepath.Join(req.TempDir, DescriptorName)
	if err := WriteDescriptor(descriptor, req.SegmentPaths); err != nil {
		return "", &Error{Err: err}
	}
	if err := os.MkdirAll(req.DestinationDir, 0755); err != nil {
		return "", &Error{Err: fmt.Errorf("error creating destination directory: %w", err)}
	}
	output, err := m.reserve(req.DestinationDir, utils.SanitizeName(req.DisplayName))
	if err != nil {
		return "", &Error{Err: err}
	}
	log.Debug().Str("op", "merge/merge").Msgf("Concatenating %d segments into %s", len(req.SegmentPaths), output)

	lastPercent := -1
	onPosition := func(pos time.Duration) {
		if req.OnProgress == nil || req.Duration <= 0 {
			return
		}
		percent := min(int(pos*100/req.Duration), 100)
		if percent != lastPercent {
			lastPercent = percent
			req.OnProgress(percent)
		}
	}
	if err := m.runner.Concat(ctx, descriptor, output, onPosition); err != nil {
		os.Remove(output)
		return "", &Error{Output: output, Err: err}
	}
	if req.OnProgress != nil && lastPercent != 100 {
		req.OnProgress(100)
	}
	if err := os.RemoveAll(req.TempDir); err != nil {
		log.Warn().Str("op", "merge/merge").Err(err).Msgf("Failed to remove temp directory %s", req.TempDir)
	}
	return output, nil
}

// reserve picks {name}.mp4, then {name}_1.mp4, {name}_2.mp4, ... and creates
// it exclusively so that a second caller can never choose the same path.
func (m *Merger) reserve(dir, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for n := 0; n < maxNameTries; n++ {
		candidate := filepath.Join(dir, name+OutputExt)
		if n > 0 {
			candidate = filepath.Join(dir, fmt.Sprintf("%s_%d%s", name, n, OutputExt))
		}
		f, err := os.OpenFile(candidate, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("error reserving output file: %w", err)
		}
		f.Close()
		return candidate, nil
	}
	return "", fmt.Errorf("no free output name for %s in %s", name, dir)
}

// WriteDescriptor writes one `file '<path>'` line per segment, in the given
// order, with forward slashes.
func WriteDescriptor(path string, segmentPaths []string) error {
	var b strings.Builder
	for _, p := range segmentPaths {
		fmt.Fprintf(&b, "file '%s'\n", quote(filepath.ToSlash(p)))
	}
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("error writing descriptor: %w", err)
	}
	return nil
}

// quote escapes single quotes the way the concat demuxer expects.
func quote(p string) string {
	return strings.ReplaceAll(p, "'", `'\''`)
}
