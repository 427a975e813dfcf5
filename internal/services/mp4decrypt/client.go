// Package mp4decrypt wraps the Bento4 mp4decrypt command used to strip DRM
// from fetched payloads once a content key has been resolved.
package mp4decrypt

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

var commandContext = exec.CommandContext

// Tool defines mp4decrypt behaviour.
type Tool interface {
	Decrypt(ctx context.Context, inputPath, outputPath, kid, key string) error
}

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

// CLI wraps the mp4decrypt command-line tool.
type CLI struct {
	binary string
}

// NewCLI constructs a CLI client using defaults.
func NewCLI(opts ...Option) *CLI {
	cli := &CLI{binary: "mp4decrypt"}
	for _, opt := range opts {
		opt(cli)
	}
	return cli
}

// Binary returns the configured command name.
func (c *CLI) Binary() string {
	return c.binary
}

// Decrypt runs mp4decrypt with the resolved key pair.
func (c *CLI) Decrypt(ctx context.Context, inputPath, outputPath, kid, key string) error {
	if inputPath == "" {
		return errors.New("input path required")
	}
	if outputPath == "" {
		return errors.New("output path required")
	}
	if strings.TrimSpace(key) == "" {
		return errors.New("content key required")
	}
	track := strings.TrimSpace(kid)
	if track == "" {
		track = "1"
	}

	args := []string{"--key", track + ":" + key, inputPath, outputPath}
	cmd := commandContext(ctx, c.binary, args...) //nolint:gosec
	output, err := cmd.CombinedOutput()
	if err != nil {
		detail := strings.TrimSpace(string(output))
		if detail == "" {
			return fmt.Errorf("mp4decrypt failed: %w", err)
		}
		return fmt.Errorf("mp4decrypt failed: %w: %s", err, detail)
	}
	return nil
}

var _ Tool = (*CLI)(nil)
