package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "STAMPTOUR"
	defaultBackendBaseURL     = "http://localhost:8000/api"
	defaultBackendTimeout     = 10 * time.Second
	defaultStorePath          = "stamptour.db"
	defaultLogLevel           = "info"
	defaultHTTPAddress        = "0.0.0.0:8090"
	defaultThreshold          = 5
	defaultBoothPrefixes      = "art,folk,life"
	defaultCompleteDelay      = 2 * time.Second
	defaultHomeDelay          = 1500 * time.Millisecond
	defaultStatisticsInterval = 30 * time.Second
	defaultHealthInterval     = 30 * time.Second
	defaultGiftInterval       = 60 * time.Second
	defaultQRBaseURL          = "http://localhost:3000"
	defaultReportTimezone     = "Asia/Seoul"
)

// AppConfig captures runtime configuration for the stamp tour client.
type AppConfig struct {
	BackendBaseURL     string
	BackendTimeout     time.Duration
	StorePath          string
	LogLevel           string
	HTTPAddress        string
	Threshold          int
	BoothPrefixes      []string
	CompleteDelay      time.Duration
	HomeDelay          time.Duration
	StatisticsInterval time.Duration
	HealthInterval     time.Duration
	GiftInterval       time.Duration
	QRBaseURL          string
	ReportLocation     *time.Location
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("backend.base_url", defaultBackendBaseURL)
	configViper.SetDefault("backend.timeout", defaultBackendTimeout)
	configViper.SetDefault("store.path", defaultStorePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("tour.threshold", defaultThreshold)
	configViper.SetDefault("tour.booth_prefixes", defaultBoothPrefixes)
	configViper.SetDefault("tour.complete_delay", defaultCompleteDelay)
	configViper.SetDefault("tour.home_delay", defaultHomeDelay)
	configViper.SetDefault("poll.statistics_interval", defaultStatisticsInterval)
	configViper.SetDefault("poll.health_interval", defaultHealthInterval)
	configViper.SetDefault("poll.gift_interval", defaultGiftInterval)
	configViper.SetDefault("qr.base_url", defaultQRBaseURL)
	configViper.SetDefault("report.timezone", defaultReportTimezone)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	location, err := time.LoadLocation(strings.TrimSpace(configViper.GetString("report.timezone")))
	if err != nil {
		return AppConfig{}, fmt.Errorf("report.timezone is invalid: %w", err)
	}

	cfg := AppConfig{
		BackendBaseURL:     strings.TrimRight(strings.TrimSpace(configViper.GetString("backend.base_url")), "/"),
		BackendTimeout:     configViper.GetDuration("backend.timeout"),
		StorePath:          configViper.GetString("store.path"),
		LogLevel:           configViper.GetString("log.level"),
		HTTPAddress:        configViper.GetString("http.address"),
		Threshold:          configViper.GetInt("tour.threshold"),
		BoothPrefixes:      splitList(configViper.GetString("tour.booth_prefixes")),
		CompleteDelay:      configViper.GetDuration("tour.complete_delay"),
		HomeDelay:          configViper.GetDuration("tour.home_delay"),
		StatisticsInterval: configViper.GetDuration("poll.statistics_interval"),
		HealthInterval:     configViper.GetDuration("poll.health_interval"),
		GiftInterval:       configViper.GetDuration("poll.gift_interval"),
		QRBaseURL:          strings.TrimRight(strings.TrimSpace(configViper.GetString("qr.base_url")), "/"),
		ReportLocation:     location,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if c.BackendBaseURL == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	if parsed, err := url.Parse(c.BackendBaseURL); err != nil || !parsed.IsAbs() {
		return fmt.Errorf("backend.base_url must be an absolute url")
	}
	if c.BackendTimeout <= 0 {
		return fmt.Errorf("backend.timeout must be positive")
	}
	if strings.TrimSpace(c.StorePath) == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Threshold <= 0 {
		return fmt.Errorf("tour.threshold must be positive")
	}
	if len(c.BoothPrefixes) == 0 {
		return fmt.Errorf("tour.booth_prefixes is required")
	}
	if c.CompleteDelay < 0 || c.HomeDelay < 0 {
		return fmt.Errorf("tour navigation delays must not be negative")
	}
	if c.StatisticsInterval <= 0 || c.HealthInterval <= 0 || c.GiftInterval <= 0 {
		return fmt.Errorf("poll intervals must be positive")
	}
	if c.QRBaseURL == "" {
		return fmt.Errorf("qr.base_url is required")
	}
	return nil
}

func splitList(raw string) []string {
	var values []string
	for _, segment := range strings.Split(raw, ",") {
		if trimmed := strings.ToLower(strings.TrimSpace(segment)); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
