// Package ffmpeg wraps the ffmpeg command for stream-copy container
// assembly. Streams are never re-encoded; ffmpeg only rewraps them and
// writes metadata.
package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
)

var commandContext = exec.CommandContext

// Option configures the CLI client.
type Option func(*CLI)

// WithBinary overrides the default binary name.
func WithBinary(binary string) Option {
	return func(c *CLI) {
		if binary != "" {
			c.binary = binary
		}
	}
}

// CLI wraps the ffmpeg command-line tool.
type CLI struct {
	binary string
}

// NewCLI constructs a CLI client using defaults.
func NewCLI(opts ...Option) *CLI {
	cli := &CLI{binary: "ffmpeg"}
	for _, opt := range opts {
		opt(cli)
	}
	return cli
}

// Binary returns the configured command name.
func (c *CLI) Binary() string {
	return c.binary
}

// Remux rewraps the input streams into outputPath with stream copy and the
// provided metadata tags.
func (c *CLI) Remux(ctx context.Context, inputs []string, outputPath string, tags map[string]string) error {
	if len(inputs) == 0 {
		return errors.New("at least one input required")
	}
	if strings.TrimSpace(outputPath) == "" {
		return errors.New("output path required")
	}

	args := []string{"-hide_banner", "-loglevel", "error", "-y"}
	for _, input := range inputs {
		args = append(args, "-i", input)
	}
	for i := range inputs {
		args = append(args, "-map", fmt.Sprintf("%d", i))
	}
	args = append(args, "-c", "copy", "-movflags", "+faststart")

	keys := make([]string, 0, len(tags))
	for key := range tags {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		args = append(args, "-metadata", key+"="+tags[key])
	}
	args = append(args, outputPath)

	cmd := commandContext(ctx, c.binary, args...) //nolint:gosec
	output, err := cmd.CombinedOutput()
	if err != nil {
		detail := strings.TrimSpace(string(output))
		if detail == "" {
			return fmt.Errorf("ffmpeg remux failed: %w", err)
		}
		return fmt.Errorf("ffmpeg remux failed: %w: %s", err, detail)
	}
	return nil
}
