// Package weather fetches current conditions from Open-Meteo.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/markus-lassfolk/ridemeter/pkg/logx"
)

// ForecastHours is the number of upcoming hourly slots kept
const ForecastHours = 5

// Config holds the weather client configuration
type Config struct {
	BaseURLs   []string      `json:"base_urls"`
	Timeout    time.Duration `json:"timeout"`
	MaxRetries int           `json:"max_retries"`
	RetryDelay time.Duration `json:"retry_delay"`
}

// DefaultConfig returns the public Open-Meteo endpoint
func DefaultConfig() *Config {
	return &Config{
		BaseURLs:   []string{"https://api.open-meteo.com"},
		Timeout:    15 * time.Second,
		MaxRetries: 2,
		RetryDelay: time.Second,
	}
}

// ForecastItem is one hourly slot
type ForecastItem struct {
	Time         time.Time `json:"time"`
	TemperatureC float64   `json:"temperature_c"`
	Code         int       `json:"code"`
	Short        string    `json:"short"`
}

// Report is the current conditions plus a short forecast
type Report struct {
	TemperatureC float64        `json:"temperature_c"`
	Code         int            `json:"code"`
	Description  string         `json:"description"`
	Forecast     []ForecastItem `json:"forecast"`
	FetchedAt    time.Time      `json:"fetched_at"`
}

// Temperature renders the rounded Celsius value
func (r Report) Temperature() string {
	return fmt.Sprintf("%.0f°C", r.TemperatureC)
}

type forecastResponse struct {
	Current struct {
		Temperature float64 `json:"temperature_2m"`
		WeatherCode int     `json:"weather_code"`
	} `json:"current"`
	Hourly struct {
		Time        []string  `json:"time"`
		Temperature []float64 `json:"temperature_2m"`
		WeatherCode []int     `json:"weather_code"`
	} `json:"hourly"`
	UTCOffsetSeconds int `json:"utc_offset_seconds"`
}

// Client queries the forecast endpoint and keeps the last report
type Client struct {
	config     *Config
	httpClient *http.Client
	logger     *logx.Logger
	now        func() time.Time

	mu     sync.RWMutex
	latest *Report
}

// NewClient creates a weather client
func NewClient(config *Config, logger *logx.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if len(config.BaseURLs) == 0 {
		config.BaseURLs = DefaultConfig().BaseURLs
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 1
	}
	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger,
		now:        time.Now,
	}
}

// Latest returns the last successful report
func (c *Client) Latest() (Report, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.latest == nil {
		return Report{}, false
	}
	return *c.latest, true
}

// Refresh fetches conditions for the position, trying each base URL in turn
func (c *Client) Refresh(ctx context.Context, lat, lon float64) (Report, error) {
	var lastErr error
	for _, base := range c.config.BaseURLs {
		report, err := c.fetch(ctx, base, lat, lon)
		if err == nil {
			c.mu.Lock()
			c.latest = &report
			c.mu.Unlock()
			c.logger.Debug("Weather refreshed", "temperature", report.TemperatureC, "code", report.Code)
			return report, nil
		}
		lastErr = err
		c.logger.Warn("Weather endpoint failed", "base", base, "error", err)
	}
	return Report{}, fmt.Errorf("failed to refresh weather: %w", lastErr)
}

func (c *Client) fetch(ctx context.Context, base string, lat, lon float64) (Report, error) {
	params := url.Values{}
	params.Set("latitude", strconv.FormatFloat(lat, 'f', 5, 64))
	params.Set("longitude", strconv.FormatFloat(lon, 'f', 5, 64))
	params.Set("current", "temperature_2m,weather_code")
	params.Set("hourly", "temperature_2m,weather_code")
	params.Set("forecast_days", "2")
	params.Set("timezone", "auto")
	requestURL := fmt.Sprintf("%s/v1/forecast?%s", base, params.Encode())

	var resp *http.Response
	var lastErr error
	for attempt := 0; attempt < c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Report{}, ctx.Err()
			case <-time.After(c.config.RetryDelay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			return Report{}, fmt.Errorf("failed to create request: %w", err)
		}
		resp, lastErr = c.httpClient.Do(req)
		if lastErr == nil {
			break
		}
		c.logger.LogDebugVerbose("weather_retry", map[string]interface{}{
			"attempt": attempt + 1,
			"error":   lastErr.Error(),
		})
	}
	if lastErr != nil {
		return Report{}, fmt.Errorf("request failed after %d attempts: %w", c.config.MaxRetries, lastErr)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return Report{}, fmt.Errorf("HTTP error %d", resp.StatusCode)
	}

	var body forecastResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Report{}, fmt.Errorf("failed to parse response: %w", err)
	}

	now := c.now()
	return Report{
		TemperatureC: body.Current.Temperature,
		Code:         body.Current.WeatherCode,
		Description:  Describe(body.Current.WeatherCode),
		Forecast:     upcoming(body, now),
		FetchedAt:    now,
	}, nil
}

// upcoming returns the first ForecastHours slots strictly after now
func upcoming(body forecastResponse, now time.Time) []ForecastItem {
	loc := time.FixedZone("local", body.UTCOffsetSeconds)
	h := body.Hourly
	n := len(h.Time)
	if len(h.Temperature) < n {
		n = len(h.Temperature)
	}
	if len(h.WeatherCode) < n {
		n = len(h.WeatherCode)
	}

	start := -1
	times := make([]time.Time, n)
	for i := 0; i < n; i++ {
		t, err := time.ParseInLocation("2006-01-02T15:04", h.Time[i], loc)
		if err != nil {
			continue
		}
		times[i] = t
		if start < 0 && t.After(now) {
			start = i
		}
	}
	if start < 0 {
		start = 0
	}

	var out []ForecastItem
	for i := start; i < n && len(out) < ForecastHours; i++ {
		out = append(out, ForecastItem{
			Time:         times[i],
			TemperatureC: h.Temperature[i],
			Code:         h.WeatherCode[i],
			Short:        Short(h.WeatherCode[i]),
		})
	}
	return out
}

// Describe maps a WMO weather code to a label
func Describe(code int) string {
	switch code {
	case 0:
		return "Clear sky"
	case 1, 2, 3:
		return "Partly cloudy"
	case 45, 48:
		return "Fog"
	case 51, 53, 55:
		return "Drizzle"
	case 61, 63, 65:
		return "Rain"
	case 71, 73, 75:
		return "Snow fall"
	case 80, 81, 82:
		return "Rain showers"
	case 95, 96, 99:
		return "Thunderstorm"
	default:
		return "Cloudy"
	}
}

// Short is the compact label used in the forecast strip
func Short(code int) string {
	switch code {
	case 0:
		return "Clear"
	case 1, 2, 3:
		return "Cloudy"
	case 45, 48:
		return "Fog"
	case 51, 53, 55:
		return "Drizzle"
	case 61, 63, 65:
		return "Rain"
	case 71, 73, 75:
		return "Snow"
	case 80, 81, 82:
		return "Showers"
	case 95, 96, 99:
		return "Storm"
	default:
		return "Cloud"
	}
}
