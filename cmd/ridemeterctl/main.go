package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/markus-lassfolk/ridemeter/pkg"
	"github.com/markus-lassfolk/ridemeter/pkg/citystore"
	"github.com/markus-lassfolk/ridemeter/pkg/datasync"
	"github.com/markus-lassfolk/ridemeter/pkg/geo"
	"github.com/markus-lassfolk/ridemeter/pkg/geocode"
	"github.com/markus-lassfolk/ridemeter/pkg/kvstore"
	"github.com/markus-lassfolk/ridemeter/pkg/logx"
	"github.com/markus-lassfolk/ridemeter/pkg/odometer"
	"github.com/markus-lassfolk/ridemeter/pkg/pidfile"
	"github.com/markus-lassfolk/ridemeter/pkg/uci"
)

// Command line flags
var (
	// Odometer
	showOdometer  = flag.Bool("odometer", false, "Show the total distance")
	resetOdometer = flag.Bool("reset-odometer", false, "Reset the total distance to zero")

	// Location database
	showCities  = flag.Bool("cities", false, "Show the number of cities in the offline database")
	nearest     = flag.String("nearest", "", "Name the nearest city to LAT,LON using the offline database")
	clearCities = flag.Bool("clear-cities", false, "Delete every city from the offline database")
	syncCountry = flag.String("sync", "", "Download the city dataset for a country code (e.g. FR)")

	// Status
	showStatus = flag.Bool("status", false, "Show daemon status")
	statusFile = flag.String("status-file", "/tmp/ridemeterd.status", "Status file written by ridemeterd")

	// Options
	configPath   = flag.String("config", uci.DefaultConfigPath, "Path to UCI configuration file")
	outputFormat = flag.String("format", "standard", "Output format: standard, json, csv")
	imperial     = flag.Bool("imperial", false, "Show distances in miles")
	logLevel     = flag.String("log-level", "warn", "Log level (debug|info|warn|error|trace)")
	timeout      = flag.Duration("timeout", 30*time.Second, "Operation timeout (sync ignores it)")
	version      = flag.Bool("version", false, "Show version information")
)

const (
	AppName    = "ridemeterctl"
	AppVersion = "1.0.0"
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		os.Exit(0)
	}

	logger := logx.NewLogger(*logLevel, AppName)

	cfg, err := uci.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var cmdErr error
	switch {
	case *showOdometer || *resetOdometer:
		cmdErr = handleOdometer(ctx, cfg, logger)
	case *showCities:
		cmdErr = handleCityCount(ctx, cfg, logger)
	case *nearest != "":
		cmdErr = handleNearest(ctx, cfg, logger)
	case *clearCities:
		cmdErr = handleClearCities(ctx, cfg, logger)
	case *syncCountry != "":
		cmdErr = handleSync(cfg, logger)
	case *showStatus:
		cmdErr = handleStatus(cfg)
	default:
		flag.Usage()
		os.Exit(2)
	}

	if cmdErr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", cmdErr)
		os.Exit(1)
	}
}

// daemonRunning reports whether ridemeterd holds the configured PID file
func daemonRunning(cfg *uci.Config) bool {
	running, _, err := pidfile.CheckRunning(cfg.Main.PIDFile)
	return err == nil && running
}

// apiRequest calls the local daemon API
func apiRequest(ctx context.Context, cfg *uci.Config, method, path string, out interface{}) error {
	host := cfg.API.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	url := fmt.Sprintf("http://%s:%d%s", host, cfg.API.Port, path)

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return err
	}
	if cfg.API.AuthKey != "" {
		req.Header.Set("X-API-Key", cfg.API.AuthKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("daemon API unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("daemon API returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func handleOdometer(ctx context.Context, cfg *uci.Config, logger *logx.Logger) error {
	var meters float64

	if daemonRunning(cfg) && cfg.API.Enabled {
		method := http.MethodGet
		if *resetOdometer {
			method = http.MethodDelete
		}
		var body struct {
			TotalMeters float64 `json:"total_meters"`
		}
		if err := apiRequest(ctx, cfg, method, "/api/odometer", &body); err != nil {
			return err
		}
		meters = body.TotalMeters
	} else {
		kv, err := kvstore.Open(cfg.StatePath())
		if err != nil {
			return err
		}
		defer kv.Close()

		odo, err := odometer.New(kv, logger, nil)
		if err != nil {
			return err
		}
		if *resetOdometer {
			if err := odo.Reset(); err != nil {
				return err
			}
		}
		meters = odo.TotalMeters()
	}

	km := meters / 1000
	value, unit := km, "km"
	if *imperial {
		value, unit = geo.KilometersToMiles(km), "mi"
	}
	return printRecord([]string{"distance", "unit"}, []string{strconv.FormatFloat(value, 'f', 1, 64), unit}, map[string]interface{}{
		"distance": value,
		"unit":     unit,
		"meters":   meters,
	})
}

func openCities(cfg *uci.Config, logger *logx.Logger) (*citystore.Store, error) {
	return citystore.Open(cfg.CityStore, logger)
}

func handleCityCount(ctx context.Context, cfg *uci.Config, logger *logx.Logger) error {
	store, err := openCities(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	count, err := store.Count(ctx)
	if err != nil {
		return err
	}
	return printRecord([]string{"cities", "path"}, []string{strconv.Itoa(count), store.Path()}, map[string]interface{}{
		"cities": count,
		"path":   store.Path(),
	})
}

// parseLatLon parses "lat,lon"
func parseLatLon(s string) (float64, float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected LAT,LON, got %q", s)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid latitude: %w", err)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid longitude: %w", err)
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return 0, 0, fmt.Errorf("coordinates out of range: %v,%v", lat, lon)
	}
	return lat, lon, nil
}

func handleNearest(ctx context.Context, cfg *uci.Config, logger *logx.Logger) error {
	lat, lon, err := parseLatLon(*nearest)
	if err != nil {
		return err
	}

	store, err := openCities(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	info, ok, err := geocode.NewOfflineGeocoder(store).NearestCity(ctx, lat, lon)
	if err != nil {
		return err
	}
	if !ok {
		info = pkg.CityInfo{Name: pkg.UnknownLocation}
	}
	return printRecord([]string{"name", "state", "country"}, []string{info.Name, info.State, info.Country}, map[string]interface{}{
		"name":    info.Name,
		"state":   info.State,
		"country": info.Country,
		"label":   info.Label(),
	})
}

func handleClearCities(ctx context.Context, cfg *uci.Config, logger *logx.Logger) error {
	store, err := openCities(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Clear(ctx); err != nil {
		return err
	}
	fmt.Println("Offline city database cleared")
	return nil
}

// handleSync asks a running daemon to sync, or syncs in-process otherwise
func handleSync(cfg *uci.Config, logger *logx.Logger) error {
	country := strings.ToUpper(strings.TrimSpace(*syncCountry))
	if len(country) != 2 {
		return fmt.Errorf("country must be a two-letter code, got %q", *syncCountry)
	}

	if daemonRunning(cfg) && cfg.API.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		defer cancel()
		var body struct {
			Started bool   `json:"started"`
			State   string `json:"state"`
		}
		if err := apiRequest(ctx, cfg, http.MethodPost, "/api/sync?country="+country, &body); err != nil {
			return err
		}
		if !body.Started {
			fmt.Printf("Sync not started (state: %s); the database already has data or a sync ran this session\n", body.State)
			return nil
		}
		fmt.Printf("Sync for %s started by ridemeterd\n", country)
		return nil
	}

	store, err := openCities(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	kv, err := kvstore.Open(cfg.StatePath())
	if err != nil {
		return err
	}
	defer kv.Close()

	var failure string
	listener := datasync.ListenerFuncs{
		Started:  func(cc string) { fmt.Printf("Downloading cities for %s...\n", cc) },
		Progress: func(n int) { fmt.Printf("\r%d cities processed", n) },
		Finished: func() { fmt.Println("\nSync finished") },
		Error:    func(msg string) { failure = msg },
	}
	manager := datasync.NewManager(cfg.Sync, store, kv, listener, logger, nil)
	if !manager.SyncCurrentCountry(context.Background(), country) {
		fmt.Println("Sync not needed: the offline database already has data (use -clear-cities first)")
		return nil
	}
	manager.Wait()
	if failure != "" {
		return errors.New(failure)
	}

	count, err := store.Count(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("%d cities stored in %s\n", count, store.Path())
	return nil
}

func handleStatus(cfg *uci.Config) error {
	running, pid, err := pidfile.CheckRunning(cfg.Main.PIDFile)
	if err != nil {
		return err
	}

	status := map[string]interface{}{}
	if data, err := os.ReadFile(*statusFile); err == nil {
		if err := json.Unmarshal(data, &status); err != nil {
			return fmt.Errorf("invalid status file %s: %w", *statusFile, err)
		}
	}
	status["running"] = running
	if running {
		status["pid"] = pid
	}

	if *outputFormat == "json" {
		return printJSON(status)
	}
	if !running {
		fmt.Println("ridemeterd is not running")
		return nil
	}

	fmt.Printf("ridemeterd running (PID %d)\n", pid)
	for _, key := range []string{"online", "has_fix", "provider", "accuracy", "place", "odometer_km", "sync_state", "country", "last_sync", "uptime_s", "ts"} {
		if v, ok := status[key]; ok {
			fmt.Printf("  %-12s %v\n", key+":", v)
		}
	}
	return nil
}

// printRecord writes one record in the selected output format
func printRecord(header, row []string, obj map[string]interface{}) error {
	switch *outputFormat {
	case "json":
		return printJSON(obj)
	case "csv":
		w := csv.NewWriter(os.Stdout)
		if err := w.Write(header); err != nil {
			return err
		}
		if err := w.Write(row); err != nil {
			return err
		}
		w.Flush()
		return w.Error()
	default:
		for i := range header {
			fmt.Printf("%-10s %s\n", header[i]+":", row[i])
		}
		return nil
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
