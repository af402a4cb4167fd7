package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"time"
)

// Store backends selectable with -store.
const (
	StoreSQLite   = "sqlite"
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Config holds the daemon's own settings. go-core component configs are
// registered next to it on the same FlagSet.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int

	Store        string
	DBPath       string
	DatabaseURL  string
	StoreTimeout time.Duration
	SinkTimeout  time.Duration
	Retention    time.Duration
	CleanupDays  int

	PolicyFile string
	VIPMatch   string

	SlackWebhookURL string
	ToastRate       int
	ToastBurst      int
	HourlyDigest    bool

	RedisAddr string
	AMQPURL   string
	AMQPQueue string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 5, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 15, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")

	fs.StringVar(&c.Store, "store", StoreSQLite, "notification store: sqlite, memory or postgres")
	fs.StringVar(&c.DBPath, "db-path", "hush.db", "SQLite database file (store=sqlite)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (store=postgres)")
	fs.DurationVar(&c.StoreTimeout, "store-timeout", 5*time.Second, "bound on every store call")
	fs.DurationVar(&c.SinkTimeout, "sink-timeout", 10*time.Second, "bound on every toast delivery")
	fs.DurationVar(&c.Retention, "retention", 24*time.Hour, "age after which a pending notification counts as expired")
	fs.IntVar(&c.CleanupDays, "cleanup-days", 7, "days archived and expired notifications are kept (1..3650)")

	fs.StringVar(&c.PolicyFile, "policy-file", "", "YAML seed policy for a fresh store (empty = built-in default)")
	fs.StringVar(&c.VIPMatch, "vip-match", "exact", "VIP sender matching: exact or fuzzy")

	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for toasts (empty = log toasts only)")
	fs.IntVar(&c.ToastRate, "toast-rate", 30, "toasts per minute before non-urgent toasts are held back")
	fs.IntVar(&c.ToastBurst, "toast-burst", 5, "toast burst allowance")
	fs.BoolVar(&c.HourlyDigest, "hourly-digest", false, "deliver a digest at the top of every hour")

	fs.StringVar(&c.RedisAddr, "redis-addr", "", "Redis address for the cross-process digest lock (empty = process-local)")
	fs.StringVar(&c.AMQPURL, "amqp-url", "", "AMQP broker URL to consume notifications from (empty = disabled)")
	fs.StringVar(&c.AMQPQueue, "amqp-queue", "hush.notifications", "AMQP queue bound to notification.received")
}

// Keep is the cleanup horizon as a duration.
func (c *Config) Keep() time.Duration {
	return time.Duration(c.CleanupDays) * 24 * time.Hour
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	switch c.Store {
	case StoreSQLite:
		if c.DBPath == "" {
			errs = append(errs, errors.New("DB_PATH is required when STORE is sqlite"))
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required when STORE is postgres"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("invalid STORE %q (must be sqlite, memory or postgres)", c.Store))
	}

	if c.StoreTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid STORE_TIMEOUT %s (must be positive)", c.StoreTimeout))
	}
	if c.SinkTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid SINK_TIMEOUT %s (must be positive)", c.SinkTimeout))
	}
	if c.Retention <= 0 {
		errs = append(errs, fmt.Errorf("invalid RETENTION %s (must be positive)", c.Retention))
	}
	if c.CleanupDays <= 0 || c.CleanupDays > 3650 {
		errs = append(errs, fmt.Errorf("invalid CLEANUP_DAYS %d (must be 1..3650)", c.CleanupDays))
	}

	if c.VIPMatch != "exact" && c.VIPMatch != "fuzzy" {
		errs = append(errs, fmt.Errorf("invalid VIP_MATCH %q (must be exact or fuzzy)", c.VIPMatch))
	}

	if c.SlackWebhookURL != "" {
		u, err := url.Parse(c.SlackWebhookURL)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			errs = append(errs, errors.New("invalid SLACK_WEBHOOK_URL (must be an http(s) URL)"))
		}
	}
	if c.ToastRate <= 0 {
		errs = append(errs, fmt.Errorf("invalid TOAST_RATE %d (must be positive)", c.ToastRate))
	}
	if c.ToastBurst <= 0 {
		errs = append(errs, fmt.Errorf("invalid TOAST_BURST %d (must be positive)", c.ToastBurst))
	}

	if c.AMQPURL != "" && c.AMQPQueue == "" {
		errs = append(errs, errors.New("AMQP_QUEUE is required when AMQP_URL is set"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
