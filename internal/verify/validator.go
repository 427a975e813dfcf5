// Package verify implements the final validation stage. The staged artifact
// is checked before it is moved into the library, so the destination path is
// only ever touched by a validated file.
package verify

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"log/slog"

	"conveyor/internal/config"
	"conveyor/internal/fileutil"
	"conveyor/internal/logging"
	"conveyor/internal/queue"
	"conveyor/internal/services"
	"conveyor/internal/stage"
)

// Validator manages the validation and placement stage.
type Validator struct {
	store  *queue.Store
	cfg    *config.Config
	logger *slog.Logger
}

// New constructs the validation handler.
func New(cfg *config.Config, store *queue.Store, logger *slog.Logger) *Validator {
	return &Validator{
		store:  store,
		cfg:    cfg,
		logger: logging.NewComponentLogger(logger, "validator"),
	}
}

// Prepare seeds progress for the validation stage.
func (v *Validator) Prepare(ctx context.Context, item *queue.Item) error {
	logger := logging.WithContext(ctx, v.logger)
	item.SetProgress("Validating artifact", "Starting validation", 0)
	logger.Info("starting validation preparation",
		logging.String("destination", item.DestinationPath))
	return nil
}

// Execute validates the staged artifact and moves it to the destination.
func (v *Validator) Execute(ctx context.Context, item *queue.Item) error {
	logger := logging.WithContext(ctx, v.logger)

	plan, err := stage.TaskPlan(item)
	if err != nil {
		return err
	}

	container := strings.TrimSpace(plan.Container)
	if container == "" {
		container = strings.TrimPrefix(filepath.Ext(item.DestinationPath), ".")
	}
	staged := item.StagedArtifact(container)
	if staged == "" {
		return services.Wrap(
			services.ErrValidation, "validate", "locate artifact",
			"Task work directory missing; earlier stages did not run", nil)
	}

	ok, err := fileutil.NonEmptyFile(staged)
	if err != nil {
		return services.Wrap(
			services.ErrTransient, "validate", "inspect artifact",
			"Failed to inspect staged artifact", err)
	}
	if !ok {
		return services.Wrap(
			services.ErrValidation, "validate", "inspect artifact",
			"Staged artifact is missing or empty; rerun the remux stage", nil)
	}

	if destExt := strings.TrimPrefix(filepath.Ext(item.DestinationPath), "."); destExt != "" && container != "" {
		if !strings.EqualFold(destExt, container) {
			return services.Wrap(
				services.ErrValidation, "validate", "check container",
				fmt.Sprintf("Destination extension %q does not match assembled container %q", destExt, container), nil)
		}
	}

	if _, err := os.Stat(item.DestinationPath); err == nil {
		return services.Wrap(
			services.ErrPermanent, "validate", "place artifact",
			fmt.Sprintf("Destination %s already exists; remove it or choose another path", item.DestinationPath), nil)
	} else if !os.IsNotExist(err) {
		return services.Wrap(
			services.ErrTransient, "validate", "place artifact",
			"Failed to inspect destination path", err)
	}

	if err := fileutil.MoveFile(staged, item.DestinationPath); err != nil {
		return services.Wrap(
			services.ErrTransient, "validate", "place artifact",
			"Failed to move validated artifact into the library", err)
	}

	item.SetProgress("Validating artifact", "Artifact placed at "+item.DestinationPath, 100)
	logger.Info("validation completed", logging.String("destination", item.DestinationPath))
	return nil
}

// HealthCheck verifies the library directory is configured.
func (v *Validator) HealthCheck(ctx context.Context) stage.Health {
	const name = "validator"
	if v.cfg == nil {
		return stage.Unhealthy(name, "configuration unavailable")
	}
	if strings.TrimSpace(v.cfg.Paths.LibraryDir) == "" {
		return stage.Unhealthy(name, "library directory not configured")
	}
	return stage.Healthy(name)
}
