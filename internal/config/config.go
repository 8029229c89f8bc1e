package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	cron "github.com/robfig/cron/v3"
)

// Config holds all fleetgate configuration from environment variables, with
// an optional YAML overlay for list-valued options (see file.go).
type Config struct {
	// HTTP
	ListenAddr  string // address the HTTPS server binds
	TLSCertFile string // server certificate PEM
	TLSKeyFile  string // server key PEM

	// Trust / mTLS enforcement
	TrustEnabled      bool     // globally enables certificate enforcement
	AllowExpiredCerts bool     // dev-only escape hatch; logged as a warning when used
	RequireClientCert bool     // strict (401 on missing cert) vs lenient pass-through
	SpiffeTrustDomain string   // expected domain component of node SPIFFE ids
	AgentPrefix       string   // path prefix the trust middleware guards
	ExemptPaths       []string // sub-paths under the prefix that bypass mTLS
	CABundleFile      string   // CA certificate(s) PEM used to validate issuer trust

	// Enrollment
	EnrollmentSecret   string        // HKDF input for the token HMAC key
	EnrollmentTokenTTL time.Duration // validity window for freshly minted tokens

	// Capacity ledger
	ReservationTTL time.Duration // Pending reservations expire after this

	// Background schedules (robfig/cron expressions, @every accepted)
	SweepSchedule     string        // expiry sweeper cadence
	SweepBatchSize    int           // max reservations expired per store transaction
	RetentionSchedule string        // audit retention purge cadence
	AuditRetention    time.Duration // audit entries older than this are purged

	// Audit recorder
	AuditBufferSize int // buffered entries before writes are dropped

	// Outbox / events
	MQTTBroker   string // empty disables the relay
	MQTTTopic    string
	MQTTClientID string
	MQTTUsername string
	MQTTPassword string

	// Storage
	DBPath string

	// Observability
	LogJSON         bool
	MetricsTextfile string // optional node_exporter textfile path, empty disables

	// Config file overlay
	FilePath string
}

// Load reads all configuration from environment variables with defaults,
// then applies the YAML overlay if FLEETGATE_CONFIG points at a file.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:  envStr("FLEETGATE_LISTEN_ADDR", ":8443"),
		TLSCertFile: envStr("FLEETGATE_TLS_CERT", ""),
		TLSKeyFile:  envStr("FLEETGATE_TLS_KEY", ""),

		TrustEnabled:      envBool("FLEETGATE_TRUST_ENABLED", true),
		AllowExpiredCerts: envBool("FLEETGATE_ALLOW_EXPIRED_CERTS", false),
		RequireClientCert: envBool("FLEETGATE_REQUIRE_CLIENT_CERT", true),
		SpiffeTrustDomain: envStr("FLEETGATE_TRUST_DOMAIN", ""),
		AgentPrefix:       envStr("FLEETGATE_AGENT_PREFIX", "/api/v1/agents/"),
		ExemptPaths:       envList("FLEETGATE_EXEMPT_PATHS", []string{"enroll", "ca-certificate"}),
		CABundleFile:      envStr("FLEETGATE_CA_BUNDLE", ""),

		EnrollmentSecret:   envStr("FLEETGATE_ENROLLMENT_SECRET", ""),
		EnrollmentTokenTTL: envDuration("FLEETGATE_ENROLLMENT_TOKEN_TTL", 24*time.Hour),

		ReservationTTL: envDuration("FLEETGATE_RESERVATION_TTL", 5*time.Minute),

		SweepSchedule:     envStr("FLEETGATE_SWEEP_SCHEDULE", "@every 30s"),
		SweepBatchSize:    envInt("FLEETGATE_SWEEP_BATCH", 100),
		RetentionSchedule: envStr("FLEETGATE_RETENTION_SCHEDULE", "@every 1h"),
		AuditRetention:    envDuration("FLEETGATE_AUDIT_RETENTION", 90*24*time.Hour),

		AuditBufferSize: envInt("FLEETGATE_AUDIT_BUFFER", 1024),

		MQTTBroker:   envStr("FLEETGATE_MQTT_BROKER", ""),
		MQTTTopic:    envStr("FLEETGATE_MQTT_TOPIC", "fleetgate/events"),
		MQTTClientID: envStr("FLEETGATE_MQTT_CLIENT_ID", "fleetgate"),
		MQTTUsername: envStr("FLEETGATE_MQTT_USERNAME", ""),
		MQTTPassword: envStr("FLEETGATE_MQTT_PASSWORD", ""),

		DBPath: envStr("FLEETGATE_DB_PATH", "/data/fleetgate.db"),

		LogJSON:         envBool("FLEETGATE_LOG_JSON", true),
		MetricsTextfile: envStr("FLEETGATE_METRICS_TEXTFILE", ""),

		FilePath: envStr("FLEETGATE_CONFIG", ""),
	}

	if cfg.FilePath != "" {
		if err := cfg.applyFile(cfg.FilePath); err != nil {
			return nil, fmt.Errorf("apply config file: %w", err)
		}
	}
	return cfg, nil
}

// Validate checks configuration for invalid values. All violations are
// reported at once rather than first-error-wins.
func (c *Config) Validate() error {
	var errs []error

	if c.TrustEnabled && c.SpiffeTrustDomain == "" {
		errs = append(errs, errors.New("FLEETGATE_TRUST_DOMAIN is required when trust is enabled"))
	}
	if c.TrustEnabled && c.CABundleFile == "" {
		errs = append(errs, errors.New("FLEETGATE_CA_BUNDLE is required when trust is enabled"))
	}
	if !strings.HasPrefix(c.AgentPrefix, "/") || !strings.HasSuffix(c.AgentPrefix, "/") {
		errs = append(errs, fmt.Errorf("FLEETGATE_AGENT_PREFIX must start and end with /, got %q", c.AgentPrefix))
	}
	if c.EnrollmentSecret == "" {
		errs = append(errs, errors.New("FLEETGATE_ENROLLMENT_SECRET must be set"))
	}
	if c.ReservationTTL <= 0 {
		errs = append(errs, fmt.Errorf("FLEETGATE_RESERVATION_TTL must be > 0, got %s", c.ReservationTTL))
	}
	if c.EnrollmentTokenTTL <= 0 {
		errs = append(errs, fmt.Errorf("FLEETGATE_ENROLLMENT_TOKEN_TTL must be > 0, got %s", c.EnrollmentTokenTTL))
	}
	if c.SweepBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("FLEETGATE_SWEEP_BATCH must be > 0, got %d", c.SweepBatchSize))
	}
	if c.AuditRetention <= 0 {
		errs = append(errs, fmt.Errorf("FLEETGATE_AUDIT_RETENTION must be > 0, got %s", c.AuditRetention))
	}
	if c.AuditBufferSize <= 0 {
		errs = append(errs, fmt.Errorf("FLEETGATE_AUDIT_BUFFER must be > 0, got %d", c.AuditBufferSize))
	}

	// Cron expressions are validated up front so a typo fails at startup,
	// not at first tick.
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(c.SweepSchedule); err != nil {
		errs = append(errs, fmt.Errorf("FLEETGATE_SWEEP_SCHEDULE: %w", err))
	}
	if _, err := parser.Parse(c.RetentionSchedule); err != nil {
		errs = append(errs, fmt.Errorf("FLEETGATE_RETENTION_SCHEDULE: %w", err))
	}

	return errors.Join(errs...)
}

// ExemptPathSet expands the configured exempt sub-paths to full paths under
// the agent prefix, e.g. "enroll" -> "/api/v1/agents/enroll".
func (c *Config) ExemptPathSet() map[string]bool {
	set := make(map[string]bool, len(c.ExemptPaths))
	for _, p := range c.ExemptPaths {
		set[c.AgentPrefix+strings.TrimPrefix(p, "/")] = true
	}
	return set
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func envList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
