// Package decrypt implements the payload decryption stage. The concrete
// engine is selected by the task's protection scheme: unprotected payloads
// pass through, AES-CBC payloads are streamed through the block cipher, and
// DRM payloads go through key resolution plus the external decryption tool.
package decrypt

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"log/slog"

	"conveyor/internal/config"
	"conveyor/internal/fileutil"
	"conveyor/internal/logging"
	"conveyor/internal/queue"
	"conveyor/internal/services"
	"conveyor/internal/services/keyvault"
	"conveyor/internal/services/mp4decrypt"
	"conveyor/internal/stage"
)

// ErrKeyResolution marks failures while exchanging the protection header for
// a content key. License exchanges are single-use, so the stage never
// retries these itself; the workflow re-resolves once and then gives up.
var ErrKeyResolution = errors.New("key resolution failed")

// IsKeyResolution reports whether err stems from content key resolution.
func IsKeyResolution(err error) bool {
	return errors.Is(err, ErrKeyResolution)
}

// KeyResolver exchanges an opaque protection header for a content key.
type KeyResolver interface {
	ResolveKey(ctx context.Context, protectionHeader string) (keyvault.ContentKey, error)
}

type engine func(ctx context.Context, d *Decrypter, item *queue.Item, protection queue.Protection) error

var engines = map[queue.ProtectionScheme]engine{
	queue.ProtectionNone: runPassthrough,
	queue.ProtectionCBC:  runCBC,
	queue.ProtectionDRM:  runDRM,
}

// Decrypter manages the decryption stage.
type Decrypter struct {
	store    *queue.Store
	cfg      *config.Config
	logger   *slog.Logger
	resolver KeyResolver
	tool     mp4decrypt.Tool
}

// New constructs the decrypt handler using default dependencies. The key
// resolver is only wired when a vault endpoint is configured.
func New(cfg *config.Config, store *queue.Store, logger *slog.Logger) *Decrypter {
	var resolver KeyResolver
	if strings.TrimSpace(cfg.Decrypt.ResolverURL) != "" {
		resolver = keyvault.NewClient(keyvault.Config{
			BaseURL: cfg.Decrypt.ResolverURL,
			Token:   cfg.Decrypt.ResolverToken,
			Timeout: resolverTimeout(cfg),
		})
	}
	tool := mp4decrypt.NewCLI(mp4decrypt.WithBinary(cfg.Decrypt.Mp4decryptBinary))
	return NewWithDependencies(cfg, store, logger, resolver, tool)
}

// NewWithDependencies allows injecting all collaborators (used in tests).
func NewWithDependencies(cfg *config.Config, store *queue.Store, logger *slog.Logger, resolver KeyResolver, tool mp4decrypt.Tool) *Decrypter {
	return &Decrypter{
		store:    store,
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "decrypter"),
		resolver: resolver,
		tool:     tool,
	}
}

func resolverTimeout(cfg *config.Config) time.Duration {
	return time.Duration(cfg.Decrypt.ResolverTimeout) * time.Second
}

// Prepare verifies the fetched payload is present before engaging an engine.
func (d *Decrypter) Prepare(ctx context.Context, item *queue.Item) error {
	logger := logging.WithContext(ctx, d.logger)

	source := item.SourcePayload()
	if source == "" {
		return services.Wrap(
			services.ErrValidation, "decrypt", "locate payload",
			"Task work directory missing; fetch stage did not run", nil)
	}
	ok, err := fileutil.NonEmptyFile(source)
	if err != nil {
		return services.Wrap(
			services.ErrTransient, "decrypt", "inspect payload",
			"Failed to inspect fetched payload", err)
	}
	if !ok {
		return services.Wrap(
			services.ErrValidation, "decrypt", "locate payload",
			"Fetched payload is missing or empty; refetch the source", nil)
	}

	item.SetProgress("Decrypting payload", "Starting decryption", 0)
	logger.Info("starting decrypt preparation", logging.String("payload", source))
	return nil
}

// Execute dispatches to the engine matching the task's protection scheme.
func (d *Decrypter) Execute(ctx context.Context, item *queue.Item) error {
	logger := logging.WithContext(ctx, d.logger)

	protection, err := stage.TaskProtection(item)
	if err != nil {
		return err
	}
	run, ok := engines[protection.Scheme]
	if !ok {
		return services.Wrap(
			services.ErrValidation, "decrypt", "select engine",
			fmt.Sprintf("Unknown protection scheme %q; resubmit the task", protection.Scheme), nil)
	}

	logger.Info("starting decrypt execution",
		logging.String("scheme", string(protection.Scheme)),
		logging.String("payload", item.SourcePayload()))

	if err := run(ctx, d, item, protection); err != nil {
		return err
	}

	item.SetProgress("Decrypting payload", "Payload decrypted", 100)
	logger.Info("decryption completed", logging.String("output", item.DecryptedPayload()))
	return nil
}

// HealthCheck verifies decryption dependencies. The external tool is only
// required when a key resolver is configured, since unprotected and CBC
// payloads never shell out.
func (d *Decrypter) HealthCheck(ctx context.Context) stage.Health {
	const name = "decrypter"
	if d.cfg == nil {
		return stage.Unhealthy(name, "configuration unavailable")
	}
	if strings.TrimSpace(d.cfg.Paths.StagingDir) == "" {
		return stage.Unhealthy(name, "staging directory not configured")
	}
	if d.resolver != nil {
		binary := strings.TrimSpace(d.cfg.Decrypt.Mp4decryptBinary)
		if binary == "" {
			return stage.Unhealthy(name, "mp4decrypt binary not configured")
		}
		if _, err := exec.LookPath(binary); err != nil {
			return stage.Unhealthy(name, fmt.Sprintf("mp4decrypt binary %q not found", binary))
		}
	}
	return stage.Healthy(name)
}

// runPassthrough promotes an unprotected payload without transformation.
func runPassthrough(ctx context.Context, d *Decrypter, item *queue.Item, _ queue.Protection) error {
	if err := fileutil.MoveFile(item.SourcePayload(), item.DecryptedPayload()); err != nil {
		return services.Wrap(
			services.ErrTransient, "decrypt", "promote payload",
			"Failed to move unprotected payload into place", err)
	}
	return nil
}

// runCBC streams the payload through AES-CBC into a partial file, renaming
// only after the full payload decrypted cleanly.
func runCBC(ctx context.Context, d *Decrypter, item *queue.Item, protection queue.Protection) error {
	key, err := base64.StdEncoding.DecodeString(protection.Key)
	if err != nil || len(key) == 0 {
		return services.Wrap(
			services.ErrValidation, "decrypt", "decode key",
			"Protection key missing or not valid base64; resubmit the task", err)
	}
	iv, err := base64.StdEncoding.DecodeString(protection.IV)
	if err != nil || len(iv) == 0 {
		return services.Wrap(
			services.ErrValidation, "decrypt", "decode iv",
			"Protection IV missing or not valid base64; resubmit the task", err)
	}

	source, err := os.Open(item.SourcePayload())
	if err != nil {
		return services.Wrap(
			services.ErrTransient, "decrypt", "open payload",
			"Failed to open fetched payload", err)
	}
	defer source.Close()

	partial := item.DecryptedPayload() + ".partial"
	out, err := os.Create(partial)
	if err != nil {
		return services.Wrap(
			services.ErrConfiguration, "decrypt", "create output",
			"Failed to create decryption output in work directory", err)
	}
	defer out.Close()

	if err := decryptCBCStream(ctx, source, out, key, iv); err != nil {
		_ = os.Remove(partial)
		if errors.Is(err, errNotBlockAligned) || errors.Is(err, errBadPadding) {
			return services.Wrap(
				services.ErrPermanent, "decrypt", "stream decrypt",
				"Payload does not decrypt cleanly; source is corrupt or the key is wrong", err)
		}
		if ctx.Err() != nil {
			return services.Wrap(services.ErrTransient, "decrypt", "stream decrypt", "Decryption interrupted", err)
		}
		return services.Wrap(services.ErrTransient, "decrypt", "stream decrypt", "Decryption failed", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(partial)
		return services.Wrap(services.ErrConfiguration, "decrypt", "finalize output", "Failed finalizing decrypted payload", err)
	}
	if err := os.Rename(partial, item.DecryptedPayload()); err != nil {
		_ = os.Remove(partial)
		return services.Wrap(services.ErrTransient, "decrypt", "finalize output", "Failed to move decrypted payload into place", err)
	}
	return nil
}

// runDRM resolves the content key and shells out to the decryption tool.
func runDRM(ctx context.Context, d *Decrypter, item *queue.Item, protection queue.Protection) error {
	if strings.TrimSpace(protection.ProtectionHeader) == "" {
		return services.Wrap(
			services.ErrValidation, "decrypt", "inspect protection",
			"DRM task has no protection header; resubmit the task", nil)
	}
	if d.resolver == nil {
		return services.Wrap(
			services.ErrConfiguration, "decrypt", "resolve key",
			"No key resolver configured; set resolver_url in the decrypt section", nil)
	}

	contentKey, err := d.resolver.ResolveKey(ctx, protection.ProtectionHeader)
	if err != nil {
		return services.Wrap(
			services.ErrExternalTool, "decrypt", "resolve key",
			"Key vault did not return a content key",
			fmt.Errorf("%w: %w", ErrKeyResolution, err))
	}

	if d.tool == nil {
		return services.Wrap(
			services.ErrConfiguration, "decrypt", "run tool",
			"Decryption tool unavailable; check mp4decrypt_binary", nil)
	}
	output := item.DecryptedPayload()
	partial := output + ".partial"
	if err := d.tool.Decrypt(ctx, item.SourcePayload(), partial, contentKey.KID, contentKey.Key); err != nil {
		_ = os.Remove(partial)
		return services.Wrap(
			services.ErrExternalTool, "decrypt", "run tool",
			"mp4decrypt failed; check Bento4 installation and key material", err)
	}

	ok, err := fileutil.NonEmptyFile(partial)
	if err != nil || !ok {
		_ = os.Remove(partial)
		return services.Wrap(
			services.ErrExternalTool, "decrypt", "verify output",
			"mp4decrypt produced no output", err)
	}
	if err := os.Rename(partial, output); err != nil {
		_ = os.Remove(partial)
		return services.Wrap(
			services.ErrTransient, "decrypt", "finalize output",
			"Failed to move decrypted payload into place", err)
	}
	return nil
}
