// Package mp4box wraps the GPAC MP4Box command as the alternate container
// assembly backend.
package mp4box

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

// CLI wraps the MP4Box command-line tool.
type CLI struct {
	binary string
}

// NewCLI constructs a CLI client using defaults.
func NewCLI(opts ...Option) *CLI {
	cli := &CLI{binary: "MP4Box"}
	for _, opt := range opts {
		opt(cli)
	}
	return cli
}

// Binary returns the configured command name.
func (c *CLI) Binary() string {
	return c.binary
}

// Remux assembles the input streams into outputPath and writes itunes-style
// tags via -itags.
func (c *CLI) Remux(ctx context.Context, inputs []string, outputPath string, tags map[string]string) error {
	if len(inputs) == 0 {
		return errors.New("at least one input required")
	}
	if strings.TrimSpace(outputPath) == "" {
		return errors.New("output path required")
	}

	args := []string{"-quiet"}
	for _, input := range inputs {
		args = append(args, "-add", input)
	}
	if len(tags) > 0 {
		keys := make([]string, 0, len(tags))
		for key := range tags {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, key := range keys {
			pairs = append(pairs, key+"="+escapeTagValue(tags[key]))
		}
		args = append(args, "-itags", strings.Join(pairs, ":"))
	}
	args = append(args, "-new", outputPath)

	cmd := commandContext(ctx, c.binary, args...) //nolint:gosec
	output, err := cmd.CombinedOutput()
	if err != nil {
		detail := strings.TrimSpace(string(output))
		if detail == "" {
			return fmt.Errorf("mp4box remux failed: %w", err)
		}
		return fmt.Errorf("mp4box remux failed: %w: %s", err, detail)
	}
	return nil
}

// escapeTagValue keeps colons in values from being parsed as pair
// separators by MP4Box.
func escapeTagValue(value string) string {
	return strings.ReplaceAll(value, ":", "\\:")
}
