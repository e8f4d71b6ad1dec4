package uci

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/locfix/pkg"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "locfix")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, GNSSBackendGpsctl, cfg.GNSSBackend)
	assert.Equal(t, pkg.DefaultAcquisitionConfig(), cfg.Acquisition)
	assert.False(t, cfg.MQTT.Enabled)
	assert.False(t, cfg.JournalEnabled)
	assert.Nil(t, cfg.Reference)
}

func TestLoadConfig_FullFile(t *testing.T) {
	path := writeConfig(t, `
# locfix configuration
config locfix 'main'
	option log_level 'debug'
	option listen '0.0.0.0:9000'
	option api_key 's3cret key'
	option trace_exporter 'stdout'
	option acquire_interval_s '300'
	option location_permission_cmd 'gpsctl'

config acquisition 'acquisition'
	option max_distance_km '5'
	option accuracy_threshold_m '50.5'
	option gps_timeout_ms '20000'
	option network_timeout_ms '10000'
	option recency_threshold_ms '15000'
	option last_known_max_age_ms '300000'
	option proximity_threshold_m '250'
	option stale_reference_policy 'skip'
	option network_max_cached_age_ms '30000'

config gnss 'gnss'
	option backend 'mqtt'
	option poll_interval_ms '500'

config network 'network'
	option google_api_key 'AIza-test'
	option breaker_max_failures '5'
	option requests_per_minute '12'

config fused 'fused'
	option cache_path '/tmp/locfix/fixes.db'
	option max_age_s '900'

config mqtt 'mqtt'
	option enabled '1'
	option broker 'broker.local'
	option port '8883'
	option topic_prefix 'site/router1/'
	option qos '0'

config journal 'journal'
	option enabled '1'
	option path '/tmp/locfix/journal.db'
	option max_entries '500'

config reference 'home'
	option latitude '59.3293'
	option longitude '18.0686'
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "0.0.0.0:9000", cfg.Listen)
	assert.Equal(t, "s3cret key", cfg.APIKey)
	assert.Equal(t, "stdout", cfg.TraceExporter)
	assert.Equal(t, 300, cfg.AcquireIntervalS)

	a := cfg.Acquisition
	assert.Equal(t, 5.0, a.MaxDistanceKm)
	assert.Equal(t, float32(50.5), a.AccuracyThresholdM)
	assert.Equal(t, 20*time.Second, a.GPSTimeout)
	assert.Equal(t, 10*time.Second, a.NetworkTimeout)
	assert.Equal(t, 15*time.Second, a.RecencyThreshold)
	assert.Equal(t, 5*time.Minute, a.LastKnownMaxAge)
	assert.Equal(t, 250.0, a.ProximityThresholdM)
	assert.Equal(t, pkg.StaleReferenceSkip, a.StaleReferencePolicy)
	assert.Equal(t, 30*time.Second, a.NetworkMaxCachedAge)

	assert.Equal(t, GNSSBackendMQTT, cfg.GNSSBackend)
	assert.Equal(t, 500, cfg.GNSSPollIntervalMS)
	assert.Equal(t, "AIza-test", cfg.GoogleAPIKey)
	assert.Equal(t, 5, cfg.BreakerMaxFailures)
	assert.Equal(t, 60, cfg.BreakerOpenTimeoutS)
	assert.Equal(t, 12, cfg.RequestsPerMinute)
	assert.Equal(t, "/tmp/locfix/fixes.db", cfg.FusedCachePath)
	assert.Equal(t, 900, cfg.FusedMaxAgeS)

	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, "broker.local", cfg.MQTT.Broker)
	assert.Equal(t, 8883, cfg.MQTT.Port)
	assert.Equal(t, "site/router1", cfg.MQTT.TopicPrefix)
	assert.Equal(t, 0, cfg.MQTT.QoS)

	assert.True(t, cfg.JournalEnabled)
	assert.Equal(t, "/tmp/locfix/journal.db", cfg.Journal.Path)
	assert.Equal(t, 500, cfg.Journal.MaxEntries)
	assert.Equal(t, 30, cfg.Journal.RetentionDays)

	require.NotNil(t, cfg.Reference)
	assert.Equal(t, 59.3293, cfg.Reference.Latitude)
	assert.Equal(t, 18.0686, cfg.Reference.Longitude)
	assert.Empty(t, cfg.Warnings())
}

func TestLoadConfig_InvalidValuesKeepDefaults(t *testing.T) {
	path := writeConfig(t, `
config acquisition 'acquisition'
	option gps_timeout_ms 'soon'
	option network_timeout_ms '0'
	option accuracy_threshold_m '-3'
	option stale_reference_policy 'maybe'

config mqtt 'mqtt'
	option port '99999'
	option qos '7'
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	defaults := pkg.DefaultAcquisitionConfig()
	assert.Equal(t, defaults.GPSTimeout, cfg.Acquisition.GPSTimeout)
	assert.Equal(t, defaults.NetworkTimeout, cfg.Acquisition.NetworkTimeout)
	assert.Equal(t, defaults.AccuracyThresholdM, cfg.Acquisition.AccuracyThresholdM)
	assert.Equal(t, pkg.StaleReferenceFail, cfg.Acquisition.StaleReferencePolicy)
	assert.Equal(t, 1883, cfg.MQTT.Port)
	assert.Equal(t, 1, cfg.MQTT.QoS)
}

func TestLoadConfig_ValuesWithSpaces(t *testing.T) {
	path := writeConfig(t, `
config mqtt 'mqtt'
	option password 'correct horse battery'
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "correct horse battery", cfg.MQTT.Password)
}

func TestLoadConfig_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad log level", "config locfix 'main'\n\toption log_level 'loud'\n"},
		{"unknown backend", "config gnss 'gnss'\n\toption backend 'nmea'\n"},
		{"unknown trace exporter", "config locfix 'main'\n\toption trace_exporter 'zipkin'\n"},
		{"mqtt backend without mqtt", "config gnss 'gnss'\n\toption backend 'mqtt'\n"},
		{"half a reference", "config reference 'home'\n\toption latitude '59.3'\n"},
		{"reference out of range", "config reference 'home'\n\toption latitude '95'\n\toption longitude '18'\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestConfig_Warnings(t *testing.T) {
	path := writeConfig(t, `
config acquisition 'acquisition'
	option gps_timeout_ms '5000'
	option network_timeout_ms '8000'
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	warnings := cfg.Warnings()
	require.Len(t, warnings, 2)
	assert.Contains(t, warnings[0], "network_timeout")
	assert.Contains(t, warnings[1], "google_api_key")
}
