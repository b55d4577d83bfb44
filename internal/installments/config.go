package installments

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"lmsBack/internal/installments/reconcile"
)

const (
	defaultMaxRetries       = 3
	defaultRetryTick        = 6 * time.Hour
	defaultRunBudget        = 10 * time.Minute
	defaultGatewayInterval  = 250 * time.Millisecond
	defaultWorkers          = 4
	defaultBatchSize        = 200
	defaultInvoiceLead      = 72 * time.Hour
	defaultOverdueGrace     = 72 * time.Hour
	defaultChargeTimeout    = 30 * time.Second
	defaultSpoolReplayEvery = time.Minute
)

var defaultRetryBackoff = []time.Duration{24 * time.Hour, 72 * time.Hour, 168 * time.Hour}

// InstallmentsConfig holds runtime configuration for the Installments module.
type InstallmentsConfig struct {
	MaxRetries       int
	RetryBackoff     []time.Duration
	RetryTick        time.Duration
	RunBudget        time.Duration
	GatewayInterval  time.Duration
	Workers          int
	BatchSize        int
	InvoiceLead      time.Duration
	OverdueGrace     time.Duration
	ChargeTimeout    time.Duration
	ActivationPolicy string

	AirbaPayUsername    string
	AirbaPayPassword    string
	AirbaPayTerminalID  string
	AirbaPayBaseURL     string
	AirbaPayCallbackURL string

	WebhookSecret  string
	CronSecretHash string

	FirebaseCredentialsFile string
	SendGridAPIKey          string
	MailFromName            string
	MailFromAddress         string

	ArchiveBucket    string
	ArchivePrefix    string
	ArchiveRegion    string
	ArchiveEndpoint  string
	ArchiveAccessKey string
	ArchiveSecretKey string

	RollbarToken       string
	RollbarEnvironment string

	SpoolPath        string
	SpoolReplayEvery time.Duration
}

// LoadInstallmentsConfig reads configuration from environment variables and applies defaults.
func LoadInstallmentsConfig() (InstallmentsConfig, error) {
	cfg := InstallmentsConfig{
		MaxRetries:       defaultMaxRetries,
		RetryBackoff:     defaultRetryBackoff,
		RetryTick:        defaultRetryTick,
		RunBudget:        defaultRunBudget,
		GatewayInterval:  defaultGatewayInterval,
		Workers:          defaultWorkers,
		BatchSize:        defaultBatchSize,
		InvoiceLead:      defaultInvoiceLead,
		OverdueGrace:     defaultOverdueGrace,
		ChargeTimeout:    defaultChargeTimeout,
		ActivationPolicy: reconcile.ActivatePaidInFull,
		SpoolReplayEvery: defaultSpoolReplayEvery,
	}

	if v, err := readIntEnv("INSTALLMENTS_MAX_RETRIES"); err != nil {
		return InstallmentsConfig{}, fmt.Errorf("parse INSTALLMENTS_MAX_RETRIES: %w", err)
	} else if v != nil {
		cfg.MaxRetries = *v
	}

	if v := os.Getenv("INSTALLMENTS_RETRY_BACKOFF_HOURS"); v != "" {
		backoff, err := parseHours(v)
		if err != nil {
			return InstallmentsConfig{}, fmt.Errorf("parse INSTALLMENTS_RETRY_BACKOFF_HOURS: %w", err)
		}
		cfg.RetryBackoff = backoff
	}

	durations := []struct {
		name string
		unit time.Duration
		dst  *time.Duration
	}{
		{"INSTALLMENTS_RETRY_TICK_SECONDS", time.Second, &cfg.RetryTick},
		{"INSTALLMENTS_RUN_BUDGET_SECONDS", time.Second, &cfg.RunBudget},
		{"INSTALLMENTS_GATEWAY_INTERVAL_MS", time.Millisecond, &cfg.GatewayInterval},
		{"INSTALLMENTS_INVOICE_LEAD_HOURS", time.Hour, &cfg.InvoiceLead},
		{"INSTALLMENTS_OVERDUE_GRACE_HOURS", time.Hour, &cfg.OverdueGrace},
		{"INSTALLMENTS_ADMIN_CHARGE_TIMEOUT_SECONDS", time.Second, &cfg.ChargeTimeout},
		{"SPOOL_REPLAY_SECONDS", time.Second, &cfg.SpoolReplayEvery},
	}
	for _, d := range durations {
		v, err := readIntEnv(d.name)
		if err != nil {
			return InstallmentsConfig{}, fmt.Errorf("parse %s: %w", d.name, err)
		}
		if v != nil {
			*d.dst = time.Duration(*v) * d.unit
		}
	}

	if v, err := readIntEnv("INSTALLMENTS_WORKERS"); err != nil {
		return InstallmentsConfig{}, fmt.Errorf("parse INSTALLMENTS_WORKERS: %w", err)
	} else if v != nil {
		cfg.Workers = *v
	}

	if v, err := readIntEnv("INSTALLMENTS_BATCH_SIZE"); err != nil {
		return InstallmentsConfig{}, fmt.Errorf("parse INSTALLMENTS_BATCH_SIZE: %w", err)
	} else if v != nil {
		cfg.BatchSize = *v
	}

	if v := os.Getenv("INSTALLMENTS_ACTIVATION_POLICY"); v != "" {
		cfg.ActivationPolicy = v
	}

	cfg.AirbaPayUsername = os.Getenv("AIRBAPAY_USERNAME")
	cfg.AirbaPayPassword = os.Getenv("AIRBAPAY_PASSWORD")
	cfg.AirbaPayTerminalID = os.Getenv("AIRBAPAY_TERMINAL_ID")
	cfg.AirbaPayBaseURL = os.Getenv("AIRBAPAY_BASE_URL")
	cfg.AirbaPayCallbackURL = os.Getenv("AIRBAPAY_CALLBACK_URL")
	if cfg.AirbaPayUsername == "" || cfg.AirbaPayPassword == "" || cfg.AirbaPayTerminalID == "" || cfg.AirbaPayBaseURL == "" {
		return InstallmentsConfig{}, fmt.Errorf("AIRBAPAY configuration incomplete")
	}

	cfg.WebhookSecret = os.Getenv("WEBHOOK_SECRET")
	if cfg.WebhookSecret == "" {
		return InstallmentsConfig{}, fmt.Errorf("WEBHOOK_SECRET is required")
	}
	cfg.CronSecretHash = os.Getenv("CRON_SECRET_HASH")

	cfg.FirebaseCredentialsFile = os.Getenv("FIREBASE_CREDENTIALS_FILE")
	cfg.SendGridAPIKey = os.Getenv("SENDGRID_API_KEY")
	cfg.MailFromName = os.Getenv("SENDGRID_FROM_NAME")
	cfg.MailFromAddress = os.Getenv("SENDGRID_FROM_ADDRESS")
	if cfg.SendGridAPIKey != "" && cfg.MailFromAddress == "" {
		return InstallmentsConfig{}, fmt.Errorf("SENDGRID_FROM_ADDRESS is required with SENDGRID_API_KEY")
	}

	cfg.ArchiveBucket = os.Getenv("ARCHIVE_S3_BUCKET")
	cfg.ArchivePrefix = os.Getenv("ARCHIVE_S3_PREFIX")
	cfg.ArchiveRegion = os.Getenv("ARCHIVE_S3_REGION")
	cfg.ArchiveEndpoint = os.Getenv("ARCHIVE_S3_ENDPOINT")
	cfg.ArchiveAccessKey = os.Getenv("ARCHIVE_S3_ACCESS_KEY")
	cfg.ArchiveSecretKey = os.Getenv("ARCHIVE_S3_SECRET_KEY")

	cfg.RollbarToken = os.Getenv("ROLLBAR_TOKEN")
	cfg.RollbarEnvironment = os.Getenv("ROLLBAR_ENVIRONMENT")
	if cfg.RollbarEnvironment == "" {
		cfg.RollbarEnvironment = "production"
	}

	cfg.SpoolPath = os.Getenv("SPOOL_PATH")

	if err := cfg.validate(); err != nil {
		return InstallmentsConfig{}, err
	}
	return cfg, nil
}

func (c InstallmentsConfig) validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("INSTALLMENTS_MAX_RETRIES must not be negative")
	}
	if c.MaxRetries > 0 && len(c.RetryBackoff) == 0 {
		return fmt.Errorf("INSTALLMENTS_RETRY_BACKOFF_HOURS must list at least one delay")
	}
	if c.Workers <= 0 || c.BatchSize <= 0 {
		return fmt.Errorf("INSTALLMENTS_WORKERS and INSTALLMENTS_BATCH_SIZE must be positive")
	}
	if c.RunBudget <= 0 || c.ChargeTimeout <= 0 {
		return fmt.Errorf("run budget and admin charge timeout must be positive")
	}
	switch c.ActivationPolicy {
	case reconcile.ActivatePaidInFull, reconcile.ActivateFirstPayment:
	default:
		return fmt.Errorf("unknown INSTALLMENTS_ACTIVATION_POLICY %q", c.ActivationPolicy)
	}
	if c.SpoolPath != "" && c.SpoolReplayEvery <= 0 {
		return fmt.Errorf("SPOOL_REPLAY_SECONDS must be positive with SPOOL_PATH")
	}
	if c.ArchiveBucket != "" && c.ArchiveRegion == "" {
		return fmt.Errorf("ARCHIVE_S3_REGION is required with ARCHIVE_S3_BUCKET")
	}
	return nil
}

func readIntEnv(name string) (*int, error) {
	val := os.Getenv(name)
	if val == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(val)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// parseHours reads a comma separated list such as "24,72,168".
func parseHours(s string) ([]time.Duration, error) {
	var out []time.Duration
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		h, err := strconv.Atoi(part)
		if err != nil {
			return nil, err
		}
		if h <= 0 {
			return nil, fmt.Errorf("delay %d must be positive", h)
		}
		out = append(out, time.Duration(h)*time.Hour)
	}
	return out, nil
}
