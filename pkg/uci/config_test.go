package uci

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/ridemeter/pkg"
	"github.com/markus-lassfolk/ridemeter/pkg/datasync"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ridemeter")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Main.LogLevel)
	assert.Equal(t, 0.4, cfg.Fusion.SmoothingAlpha)
	assert.Equal(t, datasync.DefaultSources, cfg.Sync.Sources)
	assert.Equal(t, "/var/lib/ridemeter/location_cache.db", cfg.CityStore.DatabasePath)
	assert.Equal(t, "/var/lib/ridemeter/state.db", cfg.StatePath())
	assert.False(t, cfg.MQTT.Enabled)
	assert.True(t, cfg.NMEAEnabled)
}

func TestLoadConfigParsesSections(t *testing.T) {
	path := writeConfig(t, `
# ridemeter configuration
config ridemeter 'main'
	option log_level 'debug'
	option data_dir '/tmp/ridemeter data'
	option country 'fr'

config fusion 'fusion'
	option min_interval_ms '500'
	option smoothing_alpha '0.3'
	option primary_provider 'gps'

config gps 'gps'
	option device '/dev/ttyACM0'
	option baud_rate '115200'
	option uere_m "4.5"

config google 'google'
	option enabled '1'
	option api_key 'AIza-test'
	option language 'fr'

config sync 'sync'
	option batch_size '250'
	list source 'https://mirror.example/cities.json'
	list source 'https://backup.example/cities.json'

config netmon 'netmon'
	option interval_s '10'
	list wifi_interface 'phy0'

config mqtt 'mqtt'
	option enabled '1'
	option broker 'broker.local'
	option relay_topic 'fleet/fix' # trailing comment

config api 'api'
	option port '9090'
	option auth_key 'k'

config weather 'weather'
	option enabled '0'
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Main.LogLevel)
	assert.Equal(t, "FR", cfg.Main.Country)
	assert.Equal(t, "/tmp/ridemeter data/location_cache.db", cfg.CityStore.DatabasePath)

	assert.Equal(t, 500*time.Millisecond, cfg.Fusion.MinInterval)
	assert.Equal(t, 0.3, cfg.Fusion.SmoothingAlpha)
	assert.Equal(t, pkg.ProviderGPS, cfg.Fusion.PrimaryProvider)

	assert.Equal(t, "/dev/ttyACM0", cfg.NMEA.Device)
	assert.Equal(t, uint(115200), cfg.NMEA.BaudRate)
	assert.Equal(t, 4.5, cfg.NMEA.UERE)

	assert.True(t, cfg.GoogleEnabled)
	assert.Equal(t, "AIza-test", cfg.Google.APIKey)
	assert.Equal(t, "AIza-test", cfg.GoogleGeocode.APIKey)
	assert.Equal(t, "fr", cfg.GoogleGeocode.Language)

	assert.Equal(t, 250, cfg.Sync.BatchSize)
	assert.Equal(t, []string{"https://mirror.example/cities.json", "https://backup.example/cities.json"}, cfg.Sync.Sources)

	assert.Equal(t, 10*time.Second, cfg.Netmon.Interval)
	assert.Contains(t, cfg.Probe.WiFiInterfaces, "phy0")

	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, "broker.local", cfg.MQTT.Broker)
	assert.Equal(t, "fleet/fix", cfg.MQTT.RelayTopic)

	assert.Equal(t, 9090, cfg.API.Port)
	assert.Equal(t, "k", cfg.API.AuthKey)
	assert.False(t, cfg.WeatherEnabled)
}

func TestLoadConfigValidation(t *testing.T) {
	cases := map[string]string{
		"bad log level": "config ridemeter 'main'\n\toption log_level 'loud'\n",
		"bad country":   "config ridemeter 'main'\n\toption country 'FRA'\n",
		"bad alpha":     "config fusion 'fusion'\n\toption smoothing_alpha '1.5'\n",
		"bad batch":     "config sync 'sync'\n\toption batch_size '0'\n",
		"bad qos":       "config mqtt 'mqtt'\n\toption qos '3'\n",
		"bad interval":  "config netmon 'netmon'\n\toption interval_s '0'\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigUnterminatedQuote(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "config ridemeter 'main\n"))
	assert.Error(t, err)
}

func TestSplitFields(t *testing.T) {
	fields, err := splitFields(`option message 'No internet yet'`)
	require.NoError(t, err)
	assert.Equal(t, []string{"option", "message", "No internet yet"}, fields)

	fields, err = splitFields(`option api_key ''`)
	require.NoError(t, err)
	assert.Equal(t, []string{"option", "api_key", ""}, fields)
}
