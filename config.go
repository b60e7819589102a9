package hookmachine

import "time"

// Config holds process-wide configuration for the daemon. Values are
// populated from the environment by cmd/hookmachine; library users can
// build one by hand and only the fields their components read matter.
type Config struct {
	// TaskDir is the root of the durable task store. The index, pending
	// and running buckets plus the advisory lock file live under it.
	TaskDir string `env:"HOOKMACHINE_TASK_DIR" envDefault:"tasks"`

	// MaxItems is the maximum number of jobs executing simultaneously.
	// Zero or negative means unbounded.
	MaxItems int `env:"HOOKMACHINE_MAX_ITEMS" envDefault:"1"`

	// ListenAddr is the webhook listener bind address.
	ListenAddr string `env:"HOOKMACHINE_LISTEN_ADDR" envDefault:":8408"`

	// HookEvent is the event name a webhook delivery must carry
	// (X-GitHub-Event header) to be accepted. Empty accepts any event.
	HookEvent string `env:"HOOKMACHINE_HOOK_EVENT" envDefault:"push"`

	// HookRateLimit is the sustained number of accepted webhook
	// deliveries per second. Zero disables rate limiting.
	HookRateLimit float64 `env:"HOOKMACHINE_HOOK_RATE_LIMIT" envDefault:"5"`

	// HookRateBurst is the burst size for the webhook rate limiter.
	HookRateBurst int `env:"HOOKMACHINE_HOOK_RATE_BURST" envDefault:"10"`

	// CheckSchedule is the periodic check schedule. Standard 5-field cron
	// expressions and descriptors like "@every 10m" are accepted.
	CheckSchedule string `env:"HOOKMACHINE_CHECK_SCHEDULE" envDefault:"@every 10m"`

	// HooksFile is the path of the JSON file listing hook definitions.
	HooksFile string `env:"HOOKMACHINE_HOOKS_FILE" envDefault:"hooks.json"`

	// WorkDir is where the worker keeps repository clones.
	WorkDir string `env:"HOOKMACHINE_WORK_DIR" envDefault:"work"`

	// JobTimeout is the maximum time a job's script may run before the
	// worker kills it and reports the job as failed.
	JobTimeout time.Duration `env:"HOOKMACHINE_JOB_TIMEOUT" envDefault:"10m"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration `env:"HOOKMACHINE_SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		TaskDir:         "tasks",
		MaxItems:        1,
		ListenAddr:      ":8408",
		HookEvent:       "push",
		HookRateLimit:   5,
		HookRateBurst:   10,
		CheckSchedule:   "@every 10m",
		HooksFile:       "hooks.json",
		WorkDir:         "work",
		JobTimeout:      10 * time.Minute,
		ShutdownTimeout: 30 * time.Second,
	}
}
