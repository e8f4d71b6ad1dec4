package uci

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/markus-lassfolk/locfix/pkg"
	"github.com/markus-lassfolk/locfix/pkg/journal"
	"github.com/markus-lassfolk/locfix/pkg/location"
	"github.com/markus-lassfolk/locfix/pkg/mqtt"
)

// DefaultConfigPath is where locfixd looks for its UCI file
const DefaultConfigPath = "/etc/config/locfix"

// GNSS back-ends
const (
	GNSSBackendGpsctl = "gpsctl"
	GNSSBackendMQTT   = "mqtt"
)

// Config is the complete locfixd configuration
type Config struct {
	// locfix 'main'
	LogLevel              string `json:"log_level"`
	PIDFile               string `json:"pid_file"`
	Listen                string `json:"listen"`
	APIKey                string `json:"-"`
	TraceExporter         string `json:"trace_exporter"`
	AcquireIntervalS      int    `json:"acquire_interval_s"`
	LocationPermissionCmd string `json:"location_permission_cmd"`

	// acquisition
	Acquisition pkg.AcquisitionConfig `json:"acquisition"`

	// gnss
	GNSSBackend        string `json:"gnss_backend"`
	GNSSPollIntervalMS int    `json:"gnss_poll_interval_ms"`

	// network
	GoogleAPIKey        string `json:"-"`
	GoogleBaseURL       string `json:"google_base_url"`
	BreakerMaxFailures  int    `json:"breaker_max_failures"`
	BreakerOpenTimeoutS int    `json:"breaker_open_timeout_s"`
	RequestsPerMinute   int    `json:"requests_per_minute"`

	// fused
	FusedCachePath string `json:"fused_cache_path"`
	FusedMaxAgeS   int    `json:"fused_max_age_s"`

	MQTT *mqtt.Config `json:"mqtt"`

	JournalEnabled bool            `json:"journal_enabled"`
	Journal        *journal.Config `json:"journal"`

	// reference; nil when not configured
	Reference *pkg.LocationSample `json:"reference,omitempty"`

	referenceLat, referenceLon *float64
}

// LoadConfig reads the UCI file at path. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}

	cfg := &Config{}
	cfg.setDefaults()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if err := cfg.parseUCI(path); err != nil {
		return nil, fmt.Errorf("failed to parse UCI config: %w", err)
	}
	cfg.resolveReference()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) setDefaults() {
	c.LogLevel = "info"
	c.PIDFile = "/var/run/locfixd.pid"
	c.Listen = "127.0.0.1:8787"
	c.AcquireIntervalS = 0
	c.LocationPermissionCmd = "gpsctl"

	c.Acquisition = pkg.DefaultAcquisitionConfig()

	c.GNSSBackend = GNSSBackendGpsctl
	c.GNSSPollIntervalMS = 1000

	c.BreakerMaxFailures = 3
	c.BreakerOpenTimeoutS = 60
	c.RequestsPerMinute = 30

	c.FusedCachePath = "/var/lib/locfix/fixes.db"
	c.FusedMaxAgeS = 3600

	c.MQTT = mqtt.DefaultConfig()

	c.JournalEnabled = false
	c.Journal = journal.DefaultConfig()
}

func (c *Config) parseUCI(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var sectionType, sectionName string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		keyword, rest := splitWord(line)
		switch keyword {
		case "config":
			sectionType, rest = splitWord(rest)
			sectionName = unquote(rest)
		case "option":
			option, value := splitWord(rest)
			c.parseOption(sectionType, sectionName, option, unquote(value))
		}
	}
	return nil
}

// splitWord returns the first whitespace separated word and the trimmed rest
func splitWord(s string) (string, string) {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, " \t"); i >= 0 {
		return s[:i], strings.TrimSpace(s[i+1:])
	}
	return s, ""
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

func (c *Config) parseOption(sectionType, sectionName, option, value string) {
	switch sectionType {
	case "locfix":
		if sectionName == "main" || sectionName == "" {
			c.parseMainOption(option, value)
		}
	case "acquisition":
		c.parseAcquisitionOption(option, value)
	case "gnss":
		c.parseGNSSOption(option, value)
	case "network":
		c.parseNetworkOption(option, value)
	case "fused":
		c.parseFusedOption(option, value)
	case "mqtt":
		c.parseMQTTOption(option, value)
	case "journal":
		c.parseJournalOption(option, value)
	case "reference":
		c.parseReferenceOption(option, value)
	}
}

func (c *Config) parseMainOption(option, value string) {
	switch option {
	case "log_level":
		c.LogLevel = value
	case "pid_file":
		c.PIDFile = value
	case "listen":
		c.Listen = value
	case "api_key":
		c.APIKey = value
	case "trace_exporter":
		c.TraceExporter = value
	case "acquire_interval_s":
		if v, err := strconv.Atoi(value); err == nil && v >= 0 {
			c.AcquireIntervalS = v
		}
	case "location_permission_cmd":
		c.LocationPermissionCmd = value
	}
}

func (c *Config) parseAcquisitionOption(option, value string) {
	a := &c.Acquisition
	switch option {
	case "max_distance_km":
		if v, err := strconv.ParseFloat(value, 64); err == nil && v >= 0 {
			a.MaxDistanceKm = v
		}
	case "accuracy_threshold_m":
		if v, err := strconv.ParseFloat(value, 32); err == nil && v >= 0 {
			a.AccuracyThresholdM = float32(v)
		}
	case "proximity_threshold_m":
		if v, err := strconv.ParseFloat(value, 64); err == nil && v >= 0 {
			a.ProximityThresholdM = v
		}
	case "gps_timeout_ms":
		setPositiveMillis(&a.GPSTimeout, value)
	case "network_timeout_ms":
		setPositiveMillis(&a.NetworkTimeout, value)
	case "recency_threshold_ms":
		setMillis(&a.RecencyThreshold, value)
	case "last_known_max_age_ms":
		setMillis(&a.LastKnownMaxAge, value)
	case "network_max_cached_age_ms":
		setMillis(&a.NetworkMaxCachedAge, value)
	case "stale_reference_policy":
		switch p := pkg.StaleReferencePolicy(value); p {
		case pkg.StaleReferenceFail, pkg.StaleReferenceSkip:
			a.StaleReferencePolicy = p
		}
	}
}

func setMillis(d *time.Duration, value string) {
	if v, err := strconv.ParseInt(value, 10, 64); err == nil && v >= 0 {
		*d = time.Duration(v) * time.Millisecond
	}
}

func setPositiveMillis(d *time.Duration, value string) {
	if v, err := strconv.ParseInt(value, 10, 64); err == nil && v > 0 {
		*d = time.Duration(v) * time.Millisecond
	}
}

func (c *Config) parseGNSSOption(option, value string) {
	switch option {
	case "backend":
		c.GNSSBackend = value
	case "poll_interval_ms":
		if v, err := strconv.Atoi(value); err == nil && v > 0 {
			c.GNSSPollIntervalMS = v
		}
	}
}

func (c *Config) parseNetworkOption(option, value string) {
	switch option {
	case "google_api_key":
		c.GoogleAPIKey = value
	case "google_base_url":
		c.GoogleBaseURL = value
	case "breaker_max_failures":
		if v, err := strconv.Atoi(value); err == nil && v > 0 {
			c.BreakerMaxFailures = v
		}
	case "breaker_open_timeout_s":
		if v, err := strconv.Atoi(value); err == nil && v > 0 {
			c.BreakerOpenTimeoutS = v
		}
	case "requests_per_minute":
		if v, err := strconv.Atoi(value); err == nil && v > 0 {
			c.RequestsPerMinute = v
		}
	}
}

func (c *Config) parseFusedOption(option, value string) {
	switch option {
	case "cache_path":
		c.FusedCachePath = value
	case "max_age_s":
		if v, err := strconv.Atoi(value); err == nil && v >= 0 {
			c.FusedMaxAgeS = v
		}
	}
}

func (c *Config) parseMQTTOption(option, value string) {
	switch option {
	case "enabled":
		c.MQTT.Enabled = value == "1"
	case "broker":
		c.MQTT.Broker = value
	case "port":
		if v, err := strconv.Atoi(value); err == nil && v > 0 && v <= 65535 {
			c.MQTT.Port = v
		}
	case "client_id":
		c.MQTT.ClientID = value
	case "username":
		c.MQTT.Username = value
	case "password":
		c.MQTT.Password = value
	case "topic_prefix":
		c.MQTT.TopicPrefix = strings.TrimSuffix(value, "/")
	case "qos":
		if v, err := strconv.Atoi(value); err == nil && v >= 0 && v <= 2 {
			c.MQTT.QoS = v
		}
	case "retain":
		c.MQTT.Retain = value == "1"
	}
}

func (c *Config) parseJournalOption(option, value string) {
	switch option {
	case "enabled":
		c.JournalEnabled = value == "1"
	case "path":
		c.Journal.Path = value
	case "max_entries":
		if v, err := strconv.Atoi(value); err == nil && v >= 0 {
			c.Journal.MaxEntries = v
		}
	case "retention_days":
		if v, err := strconv.Atoi(value); err == nil && v >= 0 {
			c.Journal.RetentionDays = v
		}
	}
}

func (c *Config) parseReferenceOption(option, value string) {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return
	}
	switch option {
	case "latitude":
		c.referenceLat = &v
	case "longitude":
		c.referenceLon = &v
	}
}

// resolveReference builds the registered reference once both coordinates
// are known. It counts as captured at load time.
func (c *Config) resolveReference() {
	if c.referenceLat == nil || c.referenceLon == nil {
		return
	}
	c.Reference = &pkg.LocationSample{
		Latitude:     *c.referenceLat,
		Longitude:    *c.referenceLon,
		CapturedAtMs: time.Now().UnixMilli(),
	}
}

func (c *Config) validate() error {
	if !isValidLogLevel(c.LogLevel) {
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}

	switch c.GNSSBackend {
	case GNSSBackendGpsctl:
	case GNSSBackendMQTT:
		if !c.MQTT.Enabled {
			return fmt.Errorf("gnss backend %q requires the mqtt section to be enabled", c.GNSSBackend)
		}
	default:
		return fmt.Errorf("unknown gnss backend %q", c.GNSSBackend)
	}

	switch c.TraceExporter {
	case "", "noop", "stdout":
	default:
		return fmt.Errorf("unknown trace_exporter %q", c.TraceExporter)
	}

	if c.GNSSPollIntervalMS < 100 || c.GNSSPollIntervalMS > 60000 {
		return fmt.Errorf("gnss poll_interval_ms must be between 100 and 60000")
	}

	if err := c.Acquisition.Validate(); err != nil {
		return err
	}

	if (c.referenceLat == nil) != (c.referenceLon == nil) {
		return fmt.Errorf("reference needs both latitude and longitude")
	}
	if c.Reference != nil {
		if err := location.ValidateCoordinates(c.Reference.Latitude, c.Reference.Longitude); err != nil {
			return fmt.Errorf("reference: %w", err)
		}
	}
	return nil
}

// Warnings lists accepted settings that degrade acquisition
func (c *Config) Warnings() []string {
	warnings := c.Acquisition.Warnings()
	if c.GoogleAPIKey == "" {
		warnings = append(warnings, "network.google_api_key is empty; the network provider never yields a fix")
	}
	return warnings
}

func isValidLogLevel(level string) bool {
	validLevels := []string{"trace", "debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return true
		}
	}
	return false
}
