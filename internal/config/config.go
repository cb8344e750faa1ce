package config

import (
    "fmt"
    "os"
    "strconv"
    "time"

    yaml "gopkg.in/yaml.v3"
)

// Config holds all deployment parameters for the off-route engine. Values are
// read from an optional YAML file and overridden by environment variables.
type Config struct {
    Port string `yaml:"port"`

    DatabaseURL string `yaml:"databaseUrl"`
    RedisURL    string `yaml:"redisUrl"`

    OffRoute OffRouteConfig `yaml:"offRoute"`
    Ingest   IngestConfig   `yaml:"ingest"`
    Webhook  WebhookConfig  `yaml:"webhook"`
}

// OffRouteConfig tunes detection and escalation.
type OffRouteConfig struct {
    // ThresholdMeters is the deviation distance beyond which a position
    // counts as off-route.
    ThresholdMeters float64 `yaml:"thresholdMeters"`
    // GraceWindowSec is how long a warned driver has to self-correct.
    GraceWindowSec int `yaml:"graceWindowSec"`
    // GraceExtensionSec is added per staff-granted extension.
    GraceExtensionSec  int `yaml:"graceExtensionSec"`
    MaxGraceExtensions int `yaml:"maxGraceExtensions"`
    // TickIntervalSec is the period of the re-evaluation pass.
    TickIntervalSec int `yaml:"tickIntervalSec"`
    // TickTimeoutSec bounds one whole re-evaluation pass.
    TickTimeoutSec int `yaml:"tickTimeoutSec"`
}

// IngestConfig tunes the websocket position gateway.
type IngestConfig struct {
    // RatePerSec / Burst limit position updates per assignment.
    RatePerSec float64 `yaml:"ratePerSec"`
    Burst      int     `yaml:"burst"`
}

// WebhookConfig configures the optional HTTP notification sink.
type WebhookConfig struct {
    URL         string `yaml:"url"`
    Secret      string `yaml:"secret"`
    MaxAttempts int    `yaml:"maxAttempts"`
}

func defaults() Config {
    return Config{
        Port: "8080",
        OffRoute: OffRouteConfig{
            ThresholdMeters:    250,
            GraceWindowSec:     300,
            GraceExtensionSec:  900,
            MaxGraceExtensions: 3,
            TickIntervalSec:    60,
            TickTimeoutSec:     30,
        },
        Ingest: IngestConfig{RatePerSec: 1, Burst: 3},
        Webhook: WebhookConfig{MaxAttempts: 10},
    }
}

// Load reads the config file at path (skipped when empty or missing) and then
// applies environment overrides.
func Load(path string) (Config, error) {
    cfg := defaults()
    if path != "" {
        data, err := os.ReadFile(path)
        if err == nil {
            if err := yaml.Unmarshal(data, &cfg); err != nil {
                return cfg, fmt.Errorf("config: parse %s: %w", path, err)
            }
        } else if !os.IsNotExist(err) {
            return cfg, fmt.Errorf("config: read %s: %w", path, err)
        }
    }
    cfg.applyEnv()
    if err := cfg.validate(); err != nil {
        return cfg, err
    }
    return cfg, nil
}

func (c *Config) applyEnv() {
    c.Port = envOr("PORT", c.Port)
    c.DatabaseURL = envOr("DATABASE_URL", c.DatabaseURL)
    c.RedisURL = envOr("REDIS_URL", c.RedisURL)
    c.Webhook.URL = envOr("NOTIFY_WEBHOOK_URL", c.Webhook.URL)
    c.Webhook.Secret = envOr("NOTIFY_WEBHOOK_SECRET", c.Webhook.Secret)
    envFloat("OFFROUTE_THRESHOLD_METERS", &c.OffRoute.ThresholdMeters)
    envInt("OFFROUTE_GRACE_WINDOW_SEC", &c.OffRoute.GraceWindowSec)
    envInt("OFFROUTE_GRACE_EXTENSION_SEC", &c.OffRoute.GraceExtensionSec)
    envInt("OFFROUTE_MAX_GRACE_EXTENSIONS", &c.OffRoute.MaxGraceExtensions)
    envInt("OFFROUTE_TICK_INTERVAL_SEC", &c.OffRoute.TickIntervalSec)
    envInt("OFFROUTE_TICK_TIMEOUT_SEC", &c.OffRoute.TickTimeoutSec)
    envFloat("INGEST_RATE_PER_SEC", &c.Ingest.RatePerSec)
    envInt("INGEST_BURST", &c.Ingest.Burst)
    envInt("NOTIFY_WEBHOOK_MAX_ATTEMPTS", &c.Webhook.MaxAttempts)
}

func (c *Config) validate() error {
    if c.OffRoute.ThresholdMeters <= 0 {
        return fmt.Errorf("config: thresholdMeters must be > 0")
    }
    if c.OffRoute.GraceWindowSec <= 0 {
        return fmt.Errorf("config: graceWindowSec must be > 0")
    }
    if c.OffRoute.TickIntervalSec <= 0 {
        return fmt.Errorf("config: tickIntervalSec must be > 0")
    }
    return nil
}

func (c OffRouteConfig) GraceWindow() time.Duration { return time.Duration(c.GraceWindowSec) * time.Second }
func (c OffRouteConfig) GraceExtension() time.Duration {
    return time.Duration(c.GraceExtensionSec) * time.Second
}
func (c OffRouteConfig) TickInterval() time.Duration { return time.Duration(c.TickIntervalSec) * time.Second }
func (c OffRouteConfig) TickTimeout() time.Duration { return time.Duration(c.TickTimeoutSec) * time.Second }

func envOr(k, d string) string {
    if v := os.Getenv(k); v != "" {
        return v
    }
    return d
}

func envInt(k string, dst *int) {
    if v := os.Getenv(k); v != "" {
        if n, err := strconv.Atoi(v); err == nil {
            *dst = n
        }
    }
}

func envFloat(k string, dst *float64) {
    if v := os.Getenv(k); v != "" {
        if f, err := strconv.ParseFloat(v, 64); err == nil {
            *dst = f
        }
    }
}
