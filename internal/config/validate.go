package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	if err := c.validateRemux(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if c.Workflow.MaxActiveTasks <= 0 {
		return errors.New("workflow.max_active_tasks must be positive")
	}
	if c.Workflow.MaxProcessTasks <= 0 {
		return errors.New("workflow.max_process_tasks must be positive")
	}
	if c.Workflow.MaxStageAttempts <= 0 {
		return errors.New("workflow.max_stage_attempts must be positive")
	}
	return ensurePositiveMap(map[string]int{
		"workflow.queue_poll_interval":  c.Workflow.QueuePollInterval,
		"workflow.error_retry_interval": c.Workflow.ErrorRetryInterval,
		"workflow.heartbeat_interval":   c.Workflow.HeartbeatInterval,
		"workflow.heartbeat_timeout":    c.Workflow.HeartbeatTimeout,
		"workflow.retry_backoff_base":   c.Workflow.RetryBackoffBase,
		"workflow.retry_backoff_cap":    c.Workflow.RetryBackoffCap,
		"fetch.request_timeout":         c.Fetch.RequestTimeout,
		"decrypt.resolver_timeout":      c.Decrypt.ResolverTimeout,
		"remux.tool_timeout":            c.Remux.ToolTimeout,
		"notifications.request_timeout": c.Notifications.RequestTimeout,
	})
}

func (c *Config) validateRemux() error {
	switch c.Remux.Mode {
	case "ffmpeg", "mp4box":
		return nil
	default:
		return fmt.Errorf("remux.mode must be \"ffmpeg\" or \"mp4box\", got %q", c.Remux.Mode)
	}
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be \"console\" or \"json\", got %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("logging.level must be one of debug/info/warn/error, got %q", c.Logging.Level)
	}
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
