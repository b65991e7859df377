package merge

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// FFmpeg runs `ffmpeg -f concat -safe 0 -i files.txt -c copy` and follows its
// machine-readable progress on stdout.
type FFmpeg struct {
	Binary string
}

func NewFFmpeg(binary string) *FFmpeg {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &FFmpeg{Binary: binary}
}

// Available reports whether the binary can be found.
func (f *FFmpeg) Available() error {
	if _, err := exec.LookPath(f.Binary); err != nil {
		return fmt.Errorf("%s not found in PATH: %w", f.Binary, err)
	}
	return nil
}

func ConcatArgs(descriptor, output string) []string {
	return []string{
		"-hide_banner", "-nostats", "-loglevel", "error",
		"-progress", "pipe:1",
		"-f", "concat", "-safe", "0",
		"-i", descriptor,
		"-c", "copy",
		"-y", output,
	}
}

func (f *FFmpeg) Concat(ctx context.Context, descriptor, output string, onPosition func(time.Duration)) error {
	cmd := exec.CommandContext(ctx, f.Binary, ConcatArgs(descriptor, output)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("error attaching to ffmpeg output: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("error starting ffmpeg: %w", err)
	}
	ParseProgress(stdout, onPosition)
	if err := cmd.Wait(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("ffmpeg: %w: %s", err, lastLine(msg))
		}
		return fmt.Errorf("ffmpeg: %w", err)
	}
	return nil
}

// ParseProgress reads `key=value` progress blocks and reports out_time_us
// positions until the stream ends.
func ParseProgress(r io.Reader, onPosition func(time.Duration)) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "out_time_us", "out_time_ms":
			// both keys carry microseconds
			us, err := strconv.ParseInt(value, 10, 64)
			if err != nil || us < 0 {
				continue
			}
			if onPosition != nil {
				onPosition(time.Duration(us) * time.Microsecond)
			}
		case "progress":
			if value == "end" {
				log.Debug().Str("op", "merge/ffmpeg").Msg("ffmpeg reported end of progress")
			}
		}
	}
	io.Copy(io.Discard, r)
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
