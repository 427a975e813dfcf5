package config

const (
	defaultStagingDir        = "~/.local/share/conveyor/staging"
	defaultLibraryDir        = "~/media"
	defaultLogDir            = "~/.local/share/conveyor/logs"
	defaultLogFormat         = "console"
	defaultLogLevel          = "info"
	defaultMaxActiveTasks    = 3
	defaultMaxProcessTasks   = 2
	defaultMaxStageAttempts  = 3
	defaultRetryBackoffBase  = 2
	defaultRetryBackoffCap   = 60
	defaultStaleWorkdirHours = 24
	defaultFetchUserAgent    = "conveyor/1.0"
	defaultFetchTimeout      = 600
	defaultFetchChunkSize    = 256 * 1024
	defaultFetchProgressMs   = 500
	defaultFetchMaxRedirects = 10
	defaultMp4decryptBinary  = "mp4decrypt"
	defaultResolverTimeout   = 30
	defaultRemuxMode         = "ffmpeg"
	defaultFFmpegBinary      = "ffmpeg"
	defaultMp4boxBinary      = "MP4Box"
	defaultRemuxToolTimeout  = 900
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StagingDir: defaultStagingDir,
			LibraryDir: defaultLibraryDir,
			LogDir:     defaultLogDir,
		},
		Workflow: Workflow{
			MaxActiveTasks:     defaultMaxActiveTasks,
			MaxProcessTasks:    defaultMaxProcessTasks,
			QueuePollInterval:  5,
			ErrorRetryInterval: 10,
			HeartbeatInterval:  15,
			HeartbeatTimeout:   120,
			MaxStageAttempts:   defaultMaxStageAttempts,
			RetryBackoffBase:   defaultRetryBackoffBase,
			RetryBackoffCap:    defaultRetryBackoffCap,
			StaleWorkdirHours:  defaultStaleWorkdirHours,
		},
		Fetch: Fetch{
			UserAgent:       defaultFetchUserAgent,
			RequestTimeout:  defaultFetchTimeout,
			ChunkSizeBytes:  defaultFetchChunkSize,
			ProgressMinMs:   defaultFetchProgressMs,
			MaxRedirects:    defaultFetchMaxRedirects,
			DisableCompress: true,
		},
		Decrypt: Decrypt{
			Mp4decryptBinary: defaultMp4decryptBinary,
			ResolverTimeout:  defaultResolverTimeout,
		},
		Remux: Remux{
			Mode:         defaultRemuxMode,
			FFmpegBinary: defaultFFmpegBinary,
			Mp4boxBinary: defaultMp4boxBinary,
			ToolTimeout:  defaultRemuxToolTimeout,
		},
		Notifications: Notifications{
			RequestTimeout: 10,
			Errors:         true,
			Completions:    true,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
