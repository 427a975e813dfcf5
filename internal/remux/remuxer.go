// Package remux implements the container assembly stage. Decrypted streams
// are rewrapped into the plan's target container by one of two registered
// backends, ffmpeg or MP4Box, without re-encoding.
package remux

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"log/slog"

	"conveyor/internal/config"
	"conveyor/internal/fileutil"
	"conveyor/internal/logging"
	"conveyor/internal/queue"
	"conveyor/internal/services"
	"conveyor/internal/services/ffmpeg"
	"conveyor/internal/services/mp4box"
	"conveyor/internal/stage"
	"conveyor/internal/tags"
)

// Muxer is the backend contract shared by the ffmpeg and MP4Box clients.
type Muxer interface {
	Remux(ctx context.Context, inputs []string, outputPath string, tags map[string]string) error
}

// Remuxer manages the container assembly stage.
type Remuxer struct {
	store    *queue.Store
	cfg      *config.Config
	logger   *slog.Logger
	backends map[string]Muxer
}

// New constructs the remux handler with both CLI backends registered.
func New(cfg *config.Config, store *queue.Store, logger *slog.Logger) *Remuxer {
	backends := map[string]Muxer{
		"ffmpeg": ffmpeg.NewCLI(ffmpeg.WithBinary(cfg.Remux.FFmpegBinary)),
		"mp4box": mp4box.NewCLI(mp4box.WithBinary(cfg.Remux.Mp4boxBinary)),
	}
	return NewWithBackends(cfg, store, logger, backends)
}

// NewWithBackends allows injecting muxer backends (used in tests).
func NewWithBackends(cfg *config.Config, store *queue.Store, logger *slog.Logger, backends map[string]Muxer) *Remuxer {
	return &Remuxer{
		store:    store,
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "remuxer"),
		backends: backends,
	}
}

// Prepare verifies the decrypted payload is in place.
func (r *Remuxer) Prepare(ctx context.Context, item *queue.Item) error {
	logger := logging.WithContext(ctx, r.logger)

	payload := item.DecryptedPayload()
	if payload == "" {
		return services.Wrap(
			services.ErrValidation, "remux", "locate payload",
			"Task work directory missing; earlier stages did not run", nil)
	}
	ok, err := fileutil.NonEmptyFile(payload)
	if err != nil {
		return services.Wrap(
			services.ErrTransient, "remux", "inspect payload",
			"Failed to inspect decrypted payload", err)
	}
	if !ok {
		return services.Wrap(
			services.ErrValidation, "remux", "locate payload",
			"Decrypted payload is missing or empty; rerun decryption", nil)
	}

	item.SetProgress("Assembling container", "Starting remux", 0)
	logger.Info("starting remux preparation", logging.String("payload", payload))
	return nil
}

// Execute assembles the final container in the work directory.
func (r *Remuxer) Execute(ctx context.Context, item *queue.Item) error {
	logger := logging.WithContext(ctx, r.logger)

	plan, err := stage.TaskPlan(item)
	if err != nil {
		return err
	}

	mode := strings.ToLower(strings.TrimSpace(plan.Mode))
	if mode == "" {
		mode = strings.ToLower(strings.TrimSpace(r.cfg.Remux.Mode))
	}
	muxer, ok := r.backends[mode]
	if !ok || muxer == nil {
		return services.Wrap(
			services.ErrValidation, "remux", "select backend",
			fmt.Sprintf("Unknown remux mode %q; use ffmpeg or mp4box", mode), nil)
	}

	inputs, err := r.resolveInputs(item, plan)
	if err != nil {
		return err
	}

	container := strings.TrimSpace(plan.Container)
	if container == "" {
		container = strings.TrimPrefix(filepath.Ext(item.DestinationPath), ".")
	}
	if container == "" {
		return services.Wrap(
			services.ErrValidation, "remux", "resolve container",
			"Plan has no container and destination has no extension; resubmit the task", nil)
	}
	staged := item.StagedArtifact(container)

	runCtx := ctx
	if r.cfg.Remux.ToolTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(r.cfg.Remux.ToolTimeout)*time.Second)
		defer cancel()
	}

	logger.Info("starting remux execution",
		logging.String("mode", mode),
		logging.Int("inputs", len(inputs)),
		logging.String("artifact", staged))

	if err := muxer.Remux(runCtx, inputs, staged, tags.Sanitize(plan.Tags)); err != nil {
		_ = os.Remove(staged)
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return services.Wrap(
				services.ErrTimeout, "remux", "run muxer",
				"Remux timed out; raise tool_timeout or check the payload", err)
		}
		if ctx.Err() != nil {
			return services.Wrap(services.ErrTransient, "remux", "run muxer", "Remux interrupted", err)
		}
		if transientToolExit(err) {
			return services.Wrap(
				services.ErrTransient, "remux", "run muxer",
				"Muxer exited with a resource shortage; retrying", err)
		}
		return services.Wrap(
			services.ErrExternalTool, "remux", "run muxer",
			"Container assembly failed; check muxer installation and payload integrity", err)
	}

	ok, err = fileutil.NonEmptyFile(staged)
	if err != nil || !ok {
		_ = os.Remove(staged)
		return services.Wrap(
			services.ErrExternalTool, "remux", "verify artifact",
			"Muxer reported success but produced no artifact", err)
	}

	item.SetProgress("Assembling container", "Container assembled", 100)
	logger.Info("remux completed", logging.String("artifact", staged))
	return nil
}

// transientToolExit reports whether the muxer exit code belongs to the
// narrow flaky set worth retrying: 11 mirrors EAGAIN (resource temporarily
// unavailable) and 137 is a kill under memory pressure.
func transientToolExit(err error) bool {
	var exit *exec.ExitError
	if !errors.As(err, &exit) {
		return false
	}
	switch exit.ExitCode() {
	case 11, 137:
		return true
	}
	return false
}

// resolveInputs returns the muxer input list. An explicit stream list in the
// plan resolves against the work directory; otherwise the decrypted payload
// is the sole input.
func (r *Remuxer) resolveInputs(item *queue.Item, plan queue.ContainerPlan) ([]string, error) {
	if len(plan.Streams) == 0 {
		return []string{item.DecryptedPayload()}, nil
	}
	inputs := make([]string, 0, len(plan.Streams))
	for _, name := range plan.Streams {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		path := name
		if !filepath.IsAbs(path) {
			path = filepath.Join(item.WorkDir, name)
		}
		ok, err := fileutil.NonEmptyFile(path)
		if err != nil {
			return nil, services.Wrap(
				services.ErrTransient, "remux", "inspect stream",
				fmt.Sprintf("Failed to inspect stream %q", name), err)
		}
		if !ok {
			return nil, services.Wrap(
				services.ErrValidation, "remux", "resolve streams",
				fmt.Sprintf("Planned stream %q is missing or empty; rerun earlier stages", name), nil)
		}
		inputs = append(inputs, path)
	}
	if len(inputs) == 0 {
		return nil, services.Wrap(
			services.ErrValidation, "remux", "resolve streams",
			"Plan lists no usable streams; resubmit the task", nil)
	}
	return inputs, nil
}

// HealthCheck verifies the configured backend's binary is present.
func (r *Remuxer) HealthCheck(ctx context.Context) stage.Health {
	const name = "remuxer"
	if r.cfg == nil {
		return stage.Unhealthy(name, "configuration unavailable")
	}
	mode := strings.ToLower(strings.TrimSpace(r.cfg.Remux.Mode))
	if _, ok := r.backends[mode]; !ok {
		return stage.Unhealthy(name, fmt.Sprintf("unknown remux mode %q", mode))
	}
	binary := r.cfg.Remux.FFmpegBinary
	if mode == "mp4box" {
		binary = r.cfg.Remux.Mp4boxBinary
	}
	binary = strings.TrimSpace(binary)
	if binary == "" {
		return stage.Unhealthy(name, "muxer binary not configured")
	}
	if _, err := exec.LookPath(binary); err != nil {
		return stage.Unhealthy(name, fmt.Sprintf("muxer binary %q not found", binary))
	}
	return stage.Healthy(name)
}
