// Package fetch implements the source download stage. It streams the
// protected payload into the task work directory in bounded chunks so
// cancellation takes effect at chunk boundaries.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"log/slog"

	"conveyor/internal/config"
	"conveyor/internal/logging"
	"conveyor/internal/queue"
	"conveyor/internal/services"
	"conveyor/internal/stage"
)

// Fetcher downloads the raw source payload for a task.
type Fetcher struct {
	store  *queue.Store
	cfg    *config.Config
	logger *slog.Logger
	client *http.Client
}

// New constructs the fetch handler with an HTTP client tuned from config.
func New(cfg *config.Config, store *queue.Store, logger *slog.Logger) *Fetcher {
	return NewWithClient(cfg, store, logger, newHTTPClient(cfg))
}

// NewWithClient allows injecting the HTTP client (used in tests).
func NewWithClient(cfg *config.Config, store *queue.Store, logger *slog.Logger, client *http.Client) *Fetcher {
	return &Fetcher{
		store:  store,
		cfg:    cfg,
		logger: logging.NewComponentLogger(logger, "fetcher"),
		client: client,
	}
}

func newHTTPClient(cfg *config.Config) *http.Client {
	maxRedirects := cfg.Fetch.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = 10
	}
	transport := http.DefaultTransport
	if cfg.Fetch.DisableCompress {
		cloned := http.DefaultTransport.(*http.Transport).Clone()
		cloned.DisableCompression = true
		transport = cloned
	}
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}
}

// Prepare creates the per-task work directory and seeds initial progress.
func (f *Fetcher) Prepare(ctx context.Context, item *queue.Item) error {
	logger := logging.WithContext(ctx, f.logger)

	workDir := item.StagingRoot(f.cfg.Paths.StagingDir)
	if workDir == "" {
		return services.Wrap(
			services.ErrConfiguration, "fetch", "resolve work dir",
			"Staging directory not configured; set staging_dir to a writable location", nil)
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return services.Wrap(
			services.ErrConfiguration, "fetch", "create work dir",
			"Failed to create task work directory; check staging_dir permissions", err)
	}
	item.WorkDir = workDir
	item.SetProgress("Fetching source", "Starting download", 0)
	logger.Info("starting fetch preparation",
		logging.String("source_url", item.SourceURL),
		logging.String("work_dir", workDir))
	return nil
}

// Execute streams the source payload to disk, validating declared length.
func (f *Fetcher) Execute(ctx context.Context, item *queue.Item) error {
	logger := logging.WithContext(ctx, f.logger)

	if strings.TrimSpace(item.SourceURL) == "" {
		return services.Wrap(
			services.ErrValidation, "fetch", "validate source",
			"Task has no source URL; resubmit the task", nil)
	}
	if item.WorkDir == "" {
		return services.Wrap(
			services.ErrValidation, "fetch", "validate work dir",
			"Task work directory missing; fetch preparation did not run", nil)
	}

	reqCtx := ctx
	if f.cfg.Fetch.RequestTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, time.Duration(f.cfg.Fetch.RequestTimeout)*time.Second)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, item.SourceURL, nil)
	if err != nil {
		return services.Wrap(
			services.ErrValidation, "fetch", "build request",
			"Source URL is malformed; resubmit the task", err)
	}
	if ua := strings.TrimSpace(f.cfg.Fetch.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	headers, err := item.AuthHeaders()
	if err != nil {
		return services.Wrap(
			services.ErrValidation, "fetch", "decode auth headers",
			"Stored auth headers are invalid; resubmit the task", err)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return classifyRequestError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return classifyStatus(resp.StatusCode)
	}

	target := item.SourcePayload()
	written, err := f.streamBody(ctx, item, resp, target)
	if err != nil {
		_ = os.Remove(target)
		return err
	}

	if resp.ContentLength >= 0 && written != resp.ContentLength {
		_ = os.Remove(target)
		return services.Wrap(
			services.ErrTransient, "fetch", "verify length",
			fmt.Sprintf("Downloaded %d bytes but server declared %d; restarting fetch", written, resp.ContentLength),
			nil)
	}

	item.SetProgress("Fetching source", "Download complete", 100)
	logger.Info("fetch completed",
		logging.String("payload", target),
		logging.Int64("bytes", written))
	return nil
}

// streamBody copies the response body in config-sized chunks, persisting
// throttled progress and honoring cancellation between chunks.
func (f *Fetcher) streamBody(ctx context.Context, item *queue.Item, resp *http.Response, target string) (int64, error) {
	logger := logging.WithContext(ctx, f.logger)

	out, err := os.Create(target)
	if err != nil {
		return 0, services.Wrap(
			services.ErrConfiguration, "fetch", "create payload file",
			"Failed to create payload file in work directory", err)
	}
	defer out.Close()

	chunkSize := f.cfg.Fetch.ChunkSizeBytes
	if chunkSize <= 0 {
		chunkSize = 256 * 1024
	}
	progressEvery := time.Duration(f.cfg.Fetch.ProgressMinMs) * time.Millisecond
	if progressEvery <= 0 {
		progressEvery = time.Second
	}

	sampler := logging.NewProgressSampler(5)
	buf := make([]byte, chunkSize)
	var written int64
	lastPersist := time.Now()

	for {
		if err := ctx.Err(); err != nil {
			return written, services.Wrap(services.ErrTransient, "fetch", "stream payload", "Download interrupted", context.Cause(ctx))
		}

		n, readErr := io.ReadFull(resp.Body, buf)
		if n > 0 {
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				return written, services.Wrap(
					services.ErrConfiguration, "fetch", "write payload",
					"Failed writing payload to work directory; check free space", writeErr)
			}
			written += int64(n)
		}

		percent := -1.0
		if resp.ContentLength > 0 {
			percent = float64(written) / float64(resp.ContentLength) * 100
		}
		if time.Since(lastPersist) >= progressEvery {
			f.persistProgress(ctx, item, percent, written)
			lastPersist = time.Now()
		}
		if percent >= 0 && sampler.ShouldLog(percent, "Fetching source") {
			logger.Info("fetch progress",
				logging.Float64("percent", percent),
				logging.Int64("bytes", written))
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
				break
			}
			return written, classifyRequestError(ctx, readErr)
		}
	}

	if err := out.Close(); err != nil {
		return written, services.Wrap(
			services.ErrConfiguration, "fetch", "close payload",
			"Failed finalizing payload file", err)
	}
	return written, nil
}

func (f *Fetcher) persistProgress(ctx context.Context, item *queue.Item, percent float64, written int64) {
	logger := logging.WithContext(ctx, f.logger)
	copy := *item
	message := fmt.Sprintf("Downloaded %d bytes", written)
	if percent < 0 {
		percent = copy.ProgressPercent
	}
	copy.SetProgress("Fetching source", message, percent)
	if err := f.store.Update(ctx, &copy); err != nil {
		logger.Warn("failed to persist progress", logging.Error(err))
		return
	}
	*item = copy
}

// HealthCheck verifies fetch configuration.
func (f *Fetcher) HealthCheck(ctx context.Context) stage.Health {
	const name = "fetcher"
	if f.cfg == nil {
		return stage.Unhealthy(name, "configuration unavailable")
	}
	if strings.TrimSpace(f.cfg.Paths.StagingDir) == "" {
		return stage.Unhealthy(name, "staging directory not configured")
	}
	if f.client == nil {
		return stage.Unhealthy(name, "http client unavailable")
	}
	return stage.Healthy(name)
}

// classifyStatus maps an HTTP status into the retry taxonomy: server-side
// and throttling responses are retryable, other client errors are not.
func classifyStatus(status int) error {
	message := fmt.Sprintf("Source responded with HTTP %d", status)
	switch {
	case status == http.StatusTooManyRequests:
		return services.Wrap(services.ErrTransient, "fetch", "http status", message+"; server is throttling", nil)
	case status >= 500:
		return services.Wrap(services.ErrTransient, "fetch", "http status", message, nil)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return services.Wrap(services.ErrPermanent, "fetch", "http status", message+"; check supplied auth headers", nil)
	case status == http.StatusNotFound || status == http.StatusGone:
		return services.Wrap(services.ErrNotFound, "fetch", "http status", message+"; source no longer available", nil)
	case status >= 400:
		return services.Wrap(services.ErrPermanent, "fetch", "http status", message, nil)
	default:
		return services.Wrap(services.ErrTransient, "fetch", "http status", message, nil)
	}
}

// classifyRequestError maps transport failures: timeouts and connection
// resets are retryable, everything else surfaces as transient by default.
func classifyRequestError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return services.Wrap(services.ErrTransient, "fetch", "request", "Download interrupted", context.Cause(ctx))
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return services.Wrap(services.ErrTimeout, "fetch", "request", "Source request timed out", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return services.Wrap(services.ErrTimeout, "fetch", "request", "Source request timed out", err)
	}
	return services.Wrap(services.ErrTransient, "fetch", "request", "Source request failed", err)
}
