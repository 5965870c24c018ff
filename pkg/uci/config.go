package uci

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/markus-lassfolk/ridemeter/pkg"
	"github.com/markus-lassfolk/ridemeter/pkg/api"
	"github.com/markus-lassfolk/ridemeter/pkg/citystore"
	"github.com/markus-lassfolk/ridemeter/pkg/datasync"
	"github.com/markus-lassfolk/ridemeter/pkg/fusion"
	"github.com/markus-lassfolk/ridemeter/pkg/geocode"
	"github.com/markus-lassfolk/ridemeter/pkg/gps"
	"github.com/markus-lassfolk/ridemeter/pkg/mqtt"
	"github.com/markus-lassfolk/ridemeter/pkg/netmon"
	"github.com/markus-lassfolk/ridemeter/pkg/weather"
)

// DefaultConfigPath is where ridemeterd looks without -config
const DefaultConfigPath = "/etc/config/ridemeter"

// MainConfig is the `config ridemeter 'main'` section
type MainConfig struct {
	Enable          bool   `json:"enable"`
	LogLevel        string `json:"log_level"`
	LogFile         string `json:"log_file"`
	DataDir         string `json:"data_dir"`
	Country         string `json:"country"` // ISO-3166 alpha-2 used for dataset sync
	PIDFile         string `json:"pid_file"`
	StatusIntervalS int    `json:"status_interval_s"`
}

// Config is the complete ridemeter configuration
type Config struct {
	Main MainConfig

	Fusion   *fusion.Config
	Registry *gps.RegistryConfig

	NMEAEnabled bool
	NMEA        *gps.NMEAConfig

	GoogleEnabled bool
	Google        *gps.GoogleConfig
	GoogleGeocode *geocode.GoogleConfig
	Geocode       *geocode.ResolverConfig

	Sync      *datasync.Config
	CityStore *citystore.Config

	Netmon *netmon.Config
	Probe  *netmon.ProbeConfig

	MQTT *mqtt.Config
	API  *api.Config

	WeatherEnabled bool
	Weather        *weather.Config

	sourcesFromFile bool
}

// LoadConfig reads path, falling back to defaults when the file is absent
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	cfg.setDefaults()

	if path == "" {
		path = DefaultConfigPath
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg.derivePaths()
		return cfg, nil
	}

	if err := cfg.parseUCI(path); err != nil {
		return nil, fmt.Errorf("failed to parse UCI config: %w", err)
	}
	cfg.derivePaths()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) setDefaults() {
	c.Main = MainConfig{
		Enable:          true,
		LogLevel:        "info",
		DataDir:         "/var/lib/ridemeter",
		PIDFile:         "/var/run/ridemeterd.pid",
		StatusIntervalS: 60,
	}
	c.Fusion = fusion.DefaultConfig()
	c.Registry = gps.DefaultRegistryConfig()
	c.NMEAEnabled = true
	c.NMEA = gps.DefaultNMEAConfig()
	c.Google = gps.DefaultGoogleConfig()
	c.GoogleGeocode = &geocode.GoogleConfig{Language: "en"}
	c.Geocode = geocode.DefaultResolverConfig()
	c.Sync = datasync.DefaultConfig()
	c.CityStore = citystore.DefaultConfig()
	c.Netmon = netmon.DefaultConfig()
	c.Probe = netmon.DefaultProbeConfig()
	c.MQTT = mqtt.DefaultConfig()
	c.API = api.DefaultConfig()
	c.WeatherEnabled = true
	c.Weather = weather.DefaultConfig()
}

// derivePaths places the databases under the data directory unless set explicitly
func (c *Config) derivePaths() {
	if c.CityStore.DatabasePath == citystore.DefaultConfig().DatabasePath {
		c.CityStore.DatabasePath = filepath.Join(c.Main.DataDir, "location_cache.db")
	}
}

// StatePath is the bbolt file holding odometer and sync flags
func (c *Config) StatePath() string {
	return filepath.Join(c.Main.DataDir, "state.db")
}

// parseUCI parses the UCI configuration file
func (c *Config) parseUCI(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var sectionType, sectionName string
	for n, raw := range strings.Split(string(data), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields, err := splitFields(line)
		if err != nil {
			return fmt.Errorf("line %d: %w", n+1, err)
		}

		switch fields[0] {
		case "config":
			if len(fields) < 2 {
				return fmt.Errorf("line %d: config without type", n+1)
			}
			sectionType = fields[1]
			sectionName = ""
			if len(fields) >= 3 {
				sectionName = fields[2]
			}
		case "option":
			if len(fields) < 3 {
				continue
			}
			c.parseOption(sectionType, sectionName, fields[1], fields[2])
		case "list":
			if len(fields) < 3 {
				continue
			}
			c.parseList(sectionType, fields[1], fields[2])
		}
	}
	return nil
}

// splitFields tokenizes a UCI line, honoring single and double quotes
func splitFields(line string) ([]string, error) {
	var fields []string
	var cur strings.Builder
	var quote rune
	inField := false

	for _, r := range line {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
				continue
			}
			cur.WriteRune(r)
		case r == '\'' || r == '"':
			quote = r
			inField = true
		case r == ' ' || r == '\t':
			if inField {
				fields = append(fields, cur.String())
				cur.Reset()
				inField = false
			}
		case r == '#' && !inField:
			return fields, nil
		default:
			cur.WriteRune(r)
			inField = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote")
	}
	if inField {
		fields = append(fields, cur.String())
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty line")
	}
	return fields, nil
}

// parseOption routes options to the section parsers
func (c *Config) parseOption(sectionType, sectionName, option, value string) {
	switch sectionType {
	case "ridemeter":
		if sectionName == "main" || sectionName == "" {
			c.parseMainOption(option, value)
		}
	case "fusion":
		c.parseFusionOption(option, value)
	case "gps":
		c.parseGPSOption(option, value)
	case "google":
		c.parseGoogleOption(option, value)
	case "geocode":
		c.parseGeocodeOption(option, value)
	case "sync":
		c.parseSyncOption(option, value)
	case "netmon":
		c.parseNetmonOption(option, value)
	case "mqtt":
		c.parseMQTTOption(option, value)
	case "api":
		c.parseAPIOption(option, value)
	case "weather":
		c.parseWeatherOption(option, value)
	}
}

func (c *Config) parseList(sectionType, option, value string) {
	switch {
	case sectionType == "sync" && option == "source":
		if !c.sourcesFromFile {
			c.Sync.Sources = nil
			c.sourcesFromFile = true
		}
		c.Sync.Sources = append(c.Sync.Sources, value)
	case sectionType == "weather" && option == "base_url":
		c.Weather.BaseURLs = appendUnique(c.Weather.BaseURLs, value)
	case sectionType == "netmon" && option == "cellular_interface":
		c.Probe.CellularInterfaces = appendUnique(c.Probe.CellularInterfaces, value)
	case sectionType == "netmon" && option == "wifi_interface":
		c.Probe.WiFiInterfaces = appendUnique(c.Probe.WiFiInterfaces, value)
	case sectionType == "netmon" && option == "lan_interface":
		c.Probe.LANInterfaces = appendUnique(c.Probe.LANInterfaces, value)
	}
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}

func (c *Config) parseMainOption(option, value string) {
	switch option {
	case "enable":
		c.Main.Enable = value == "1"
	case "log_level":
		c.Main.LogLevel = value
	case "log_file":
		c.Main.LogFile = value
	case "data_dir":
		c.Main.DataDir = value
	case "country":
		c.Main.Country = strings.ToUpper(value)
	case "pid_file":
		c.Main.PIDFile = value
	case "status_interval_s":
		if v, err := strconv.Atoi(value); err == nil {
			c.Main.StatusIntervalS = v
		}
	}
}

func (c *Config) parseFusionOption(option, value string) {
	switch option {
	case "min_interval_ms":
		if v, err := strconv.Atoi(value); err == nil {
			c.Fusion.MinInterval = time.Duration(v) * time.Millisecond
		}
	case "smoothing_alpha":
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			c.Fusion.SmoothingAlpha = v
		}
	case "max_accuracy_m":
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			c.Fusion.MaxAccuracy = v
		}
	case "display_min_speed_kmh":
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			c.Fusion.DisplayMinSpeedKmh = v
		}
	case "heading_min_speed_kmh":
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			c.Fusion.HeadingMinSpeedKmh = v
		}
	case "primary_provider":
		c.Fusion.PrimaryProvider = pkg.ProviderID(value)
	}
}

func (c *Config) parseGPSOption(option, value string) {
	switch option {
	case "enabled":
		c.NMEAEnabled = value == "1"
	case "device":
		c.NMEA.Device = value
	case "baud_rate":
		if v, err := strconv.ParseUint(value, 10, 32); err == nil {
			c.NMEA.BaudRate = uint(v)
		}
	case "uere_m":
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			c.NMEA.UERE = v
		}
	case "fallback_accuracy_m":
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			c.NMEA.FallbackAccuracy = v
		}
	case "retry_delay_s":
		if v, err := strconv.Atoi(value); err == nil {
			c.Registry.RetryDelay = time.Duration(v) * time.Second
		}
	case "availability_timeout_s":
		if v, err := strconv.Atoi(value); err == nil {
			c.Registry.AvailabilityTimeout = time.Duration(v) * time.Second
		}
	}
}

func (c *Config) parseGoogleOption(option, value string) {
	switch option {
	case "enabled":
		c.GoogleEnabled = value == "1"
	case "api_key":
		c.Google.APIKey = value
		c.GoogleGeocode.APIKey = value
	case "language":
		c.GoogleGeocode.Language = value
	case "poll_interval_s":
		if v, err := strconv.Atoi(value); err == nil {
			c.Google.PollInterval = time.Duration(v) * time.Second
		}
	case "timeout_s":
		if v, err := strconv.Atoi(value); err == nil {
			c.Google.Timeout = time.Duration(v) * time.Second
		}
	}
}

func (c *Config) parseGeocodeOption(option, value string) {
	switch option {
	case "cache_precision":
		if v, err := strconv.Atoi(value); err == nil {
			c.Geocode.CachePrecision = v
		}
	case "cache_size":
		if v, err := strconv.Atoi(value); err == nil {
			c.Geocode.CacheSize = v
		}
	case "database_path":
		c.CityStore.DatabasePath = value
	}
}

func (c *Config) parseSyncOption(option, value string) {
	switch option {
	case "batch_size":
		if v, err := strconv.Atoi(value); err == nil {
			c.Sync.BatchSize = v
		}
	case "connect_timeout_s":
		if v, err := strconv.Atoi(value); err == nil {
			c.Sync.ConnectTimeout = time.Duration(v) * time.Second
		}
	case "read_timeout_s":
		if v, err := strconv.Atoi(value); err == nil {
			c.Sync.ReadTimeout = time.Duration(v) * time.Second
		}
	case "user_agent":
		c.Sync.UserAgent = value
	}
}

func (c *Config) parseNetmonOption(option, value string) {
	switch option {
	case "interval_s":
		if v, err := strconv.Atoi(value); err == nil {
			c.Netmon.Interval = time.Duration(v) * time.Second
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
		if v, err := strconv.Atoi(value); err == nil {
			c.MQTT.Port = v
		}
	case "client_id":
		c.MQTT.ClientID = value
	case "username":
		c.MQTT.Username = value
	case "password":
		c.MQTT.Password = value
	case "topic_prefix":
		c.MQTT.TopicPrefix = value
	case "relay_topic":
		c.MQTT.RelayTopic = value
	case "qos":
		if v, err := strconv.Atoi(value); err == nil {
			c.MQTT.QoS = v
		}
	case "retain":
		c.MQTT.Retain = value == "1"
	case "max_telemetry_rate":
		if v, err := strconv.Atoi(value); err == nil {
			c.MQTT.MaxTelemetryRate = v
		}
	}
}

func (c *Config) parseAPIOption(option, value string) {
	switch option {
	case "enabled":
		c.API.Enabled = value == "1"
	case "host":
		c.API.Host = value
	case "port":
		if v, err := strconv.Atoi(value); err == nil {
			c.API.Port = v
		}
	case "auth_key":
		c.API.AuthKey = value
	case "cert_file":
		c.API.CertFile = value
	case "key_file":
		c.API.KeyFile = value
	}
}

func (c *Config) parseWeatherOption(option, value string) {
	switch option {
	case "enabled":
		c.WeatherEnabled = value == "1"
	case "timeout_s":
		if v, err := strconv.Atoi(value); err == nil {
			c.Weather.Timeout = time.Duration(v) * time.Second
		}
	case "max_retries":
		if v, err := strconv.Atoi(value); err == nil {
			c.Weather.MaxRetries = v
		}
	}
}

// validate validates the configuration
func (c *Config) validate() error {
	if !isValidLogLevel(c.Main.LogLevel) {
		return fmt.Errorf("log_level must be one of trace, debug, info, warn, error")
	}
	if c.Main.Country != "" && len(c.Main.Country) != 2 {
		return fmt.Errorf("country must be a two-letter ISO code")
	}
	if err := c.Fusion.Validate(); err != nil {
		return err
	}
	if c.NMEA.BaudRate == 0 {
		return fmt.Errorf("baud_rate must be positive")
	}
	if c.NMEA.UERE <= 0 {
		return fmt.Errorf("uere_m must be positive")
	}
	if c.Sync.BatchSize < 1 || c.Sync.BatchSize > 10000 {
		return fmt.Errorf("batch_size must be between 1 and 10000")
	}
	if len(c.Sync.Sources) == 0 {
		return fmt.Errorf("at least one sync source is required")
	}
	if c.Netmon.Interval < time.Second {
		return fmt.Errorf("netmon interval_s must be at least 1")
	}
	if c.Geocode.CachePrecision < 1 || c.Geocode.CachePrecision > 12 {
		return fmt.Errorf("cache_precision must be between 1 and 12")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("qos must be 0, 1 or 2")
	}
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		return fmt.Errorf("api port must be between 1 and 65535")
	}
	return nil
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
