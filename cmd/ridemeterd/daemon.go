package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/markus-lassfolk/ridemeter/pkg"
	"github.com/markus-lassfolk/ridemeter/pkg/api"
	"github.com/markus-lassfolk/ridemeter/pkg/citystore"
	"github.com/markus-lassfolk/ridemeter/pkg/datasync"
	"github.com/markus-lassfolk/ridemeter/pkg/fusion"
	"github.com/markus-lassfolk/ridemeter/pkg/geo"
	"github.com/markus-lassfolk/ridemeter/pkg/geocode"
	"github.com/markus-lassfolk/ridemeter/pkg/gps"
	"github.com/markus-lassfolk/ridemeter/pkg/kvstore"
	"github.com/markus-lassfolk/ridemeter/pkg/logx"
	"github.com/markus-lassfolk/ridemeter/pkg/metrics"
	"github.com/markus-lassfolk/ridemeter/pkg/mqtt"
	"github.com/markus-lassfolk/ridemeter/pkg/netmon"
	"github.com/markus-lassfolk/ridemeter/pkg/odometer"
	"github.com/markus-lassfolk/ridemeter/pkg/trip"
	"github.com/markus-lassfolk/ridemeter/pkg/uci"
	"github.com/markus-lassfolk/ridemeter/pkg/weather"
)

const (
	// place names are refreshed after this much movement or this much time
	placeMinDistanceM = 250.0
	placeMaxAge       = 5 * time.Minute

	weatherInterval = 15 * time.Minute
)

// placeRequest asks the place loop to name a position
type placeRequest struct {
	fix   pkg.Fix
	force bool
}

// daemon owns every component of ridemeterd
type daemon struct {
	cfg        *uci.Config
	logger     *logx.Logger
	metrics    *metrics.Metrics
	statusFile string
	startTime  time.Time

	kv       *kvstore.BoltStore
	cities   *citystore.Store
	registry *gps.Registry
	engine   *fusion.Engine
	odometer *odometer.Odometer
	trip     *trip.Tracker
	resolver *geocode.Resolver
	sync     *datasync.Manager
	monitor  *netmon.Monitor
	mqtt     *mqtt.Client
	weather  *weather.Client // nil when disabled
	api      *api.Server

	places      chan placeRequest
	weatherKick chan struct{}

	mu          sync.Mutex
	ctx         context.Context
	lastPlace   pkg.Fix
	lastPlaceAt time.Time
	hasPlace    bool
	place       pkg.CityInfo
	country     string
}

// newDaemon opens the stores and builds every component. Nothing runs until Run.
func newDaemon(cfg *uci.Config, logger *logx.Logger, statusFile string) (*daemon, error) {
	d := &daemon{
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics.New(),
		statusFile:  statusFile,
		startTime:   time.Now(),
		trip:        trip.NewTracker(),
		places:      make(chan placeRequest, 1),
		weatherKick: make(chan struct{}, 1),
		ctx:         context.Background(),
	}

	var err error
	if d.kv, err = kvstore.Open(cfg.StatePath()); err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}
	if d.cities, err = citystore.Open(cfg.CityStore, logger.Named("citystore")); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to open city store: %w", err)
	}
	if d.odometer, err = odometer.New(d.kv, logger.Named("odometer"), d.metrics); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to load odometer: %w", err)
	}
	if country, ok, err := d.kv.GetString(kvstore.KeySyncCountry); err == nil && ok {
		d.country = country
	}

	d.mqtt = mqtt.NewClient(cfg.MQTT, logger.Named("mqtt"))
	d.registry = gps.NewRegistry(cfg.Registry, logger.Named("gps"))
	d.registerSources()

	if d.engine, err = fusion.NewEngine(cfg.Fusion, d.registry, logger.Named("fusion"), d.metrics); err != nil {
		d.Close()
		return nil, err
	}

	var online geocode.ReverseGeocoder
	if gg, err := geocode.NewGoogleGeocoder(*cfg.GoogleGeocode); err == nil {
		online = gg
	} else if !errors.Is(err, pkg.ErrProviderUnavailable) {
		logger.Warn("Online geocoder disabled", "error", err)
	} else {
		logger.Info("No Google API key, place names come from the offline dataset only")
	}
	d.resolver = geocode.NewResolver(cfg.Geocode, online, geocode.NewOfflineGeocoder(d.cities), logger.Named("geocode"), d.metrics)

	d.monitor = netmon.NewMonitor(cfg.Netmon, netmon.NewInterfaceProbe(cfg.Probe), logger.Named("netmon"), d.metrics)
	d.sync = datasync.NewManager(cfg.Sync, d.cities, d.kv, d.syncListener(), logger.Named("datasync"), d.metrics)

	if cfg.WeatherEnabled {
		d.weather = weather.NewClient(cfg.Weather, logger.Named("weather"))
	}

	deps := api.Deps{
		Telemetry: d.engine,
		Odometer:  d.odometer,
		Trip:      d.trip,
		Providers: d.registry,
		Sync:      d.sync,
		Network:   d.monitor,
		Metrics:   d.metrics.Handler(),
		Country:   d.syncCountry,
	}
	if d.weather != nil {
		deps.Weather = d.weather
	}
	d.api = api.NewServer(cfg.API, deps, logger.Named("api"))

	return d, nil
}

func (d *daemon) registerSources() {
	if d.cfg.NMEAEnabled {
		if err := d.registry.Register(gps.NewNMEASource(d.cfg.NMEA, d.logger.Named("nmea"))); err != nil {
			d.logger.Warn("Failed to register GNSS receiver", "error", err)
		}
	}
	if d.cfg.GoogleEnabled {
		src, err := gps.NewGoogleLocationSource(d.cfg.Google, d.logger.Named("google"))
		if err != nil {
			d.logger.Warn("Failed to create Google location source", "error", err)
		} else if err := d.registry.Register(src); err != nil {
			d.logger.Warn("Failed to register Google location source", "error", err)
		}
	}
	if d.cfg.MQTT.Enabled && d.cfg.MQTT.RelayTopic != "" {
		if err := d.registry.Register(gps.NewRelaySource(d.mqtt, d.cfg.MQTT.RelayTopic, d.logger.Named("relay"))); err != nil {
			d.logger.Warn("Failed to register relay source", "error", err)
		}
	}
	d.logger.Info("Positioning providers registered", "providers", d.registry.ListProviders())
}

func (d *daemon) syncListener() datasync.Listener {
	return datasync.ListenerFuncs{
		Started: func(country string) {
			d.logger.Info("Location database sync started", "country", country)
		},
		Progress: func(heartbeat int) {
			d.logger.Debug("Location database sync progress", "heartbeat", heartbeat)
		},
		Finished: func() {
			d.logger.Info("Location database sync finished")
			d.monitor.MarkSynced(time.Now())
			// cached misses may now have an offline answer
			d.resolver.Invalidate()
			d.requestPlaceRefresh()
		},
		Error: func(message string) {
			d.logger.Warn(message)
		},
	}
}

// Run starts every component and blocks until ctx is cancelled or one of
// them fails
func (d *daemon) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	d.mu.Lock()
	d.ctx = ctx
	d.mu.Unlock()

	if d.cfg.MQTT.Enabled {
		if err := d.mqtt.Connect(); err != nil {
			d.logger.Warn("MQTT broker unreachable, telemetry will not be published", "error", err)
		}
	}

	if passive := d.registry.StartPassive(); len(passive) > 0 {
		d.logger.Info("Passive positioning providers started", "providers", passive)
	}
	if err := d.engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start fusion engine: %w", err)
	}
	if missing := d.engine.Unavailable(); len(missing) > 0 {
		d.logger.Warn("Some positioning providers are unavailable", "providers", missing)
	}

	subs := []fusion.Subscription{
		d.odometer.Track(d.engine),
		d.trip.Track(d.engine),
		d.engine.Subscribe(d.onUpdate),
	}
	defer func() {
		for _, s := range subs {
			s.Cancel()
		}
	}()

	transitions := d.monitor.OnTransition(d.onTransition)
	defer transitions.Cancel()
	offline := d.monitor.OnOffline(d.onOffline)
	defer offline.Cancel()

	// establish the baseline so startup while online behaves like a transition
	d.monitor.Poll(ctx)
	if d.monitor.Connected() {
		d.pushNetwork(api.NetworkState{Online: true, Since: time.Now()})
		d.goOnline(ctx)
	}

	g.Go(func() error { return d.monitor.Run(ctx) })
	g.Go(func() error { return d.api.Run(ctx) })
	g.Go(func() error { return d.placeLoop(ctx) })
	g.Go(func() error { return d.weatherLoop(ctx) })
	g.Go(func() error { return d.statusLoop(ctx) })
	if d.cfg.MQTT.Enabled {
		g.Go(func() error { return d.mqtt.Run(ctx) })
	}

	d.logger.Info("ridemeterd running", "providers", d.registry.ListProviders(), "api_port", d.cfg.API.Port)
	return g.Wait()
}

// onUpdate runs on the engine's delivery path and must not block
func (d *daemon) onUpdate(u fusion.Update) {
	d.mqtt.OfferTelemetry(u.Telemetry)
	if !u.Telemetry.HasFix {
		return
	}

	d.mu.Lock()
	due := placeDue(d.lastPlace, d.lastPlaceAt, d.hasPlace, u.Fix, time.Now())
	d.mu.Unlock()
	if due {
		d.offerPlace(placeRequest{fix: u.Fix})
	}
}

// placeDue reports whether cur moved or aged enough since the last named position
func placeDue(last pkg.Fix, lastAt time.Time, have bool, cur pkg.Fix, now time.Time) bool {
	if !have {
		return true
	}
	if now.Sub(lastAt) >= placeMaxAge {
		return true
	}
	return geo.FixDistance(last, cur) >= placeMinDistanceM
}

// offerPlace queues req, replacing an unhandled older request. A pending
// forced request stays forced.
func (d *daemon) offerPlace(req placeRequest) {
	for {
		select {
		case d.places <- req:
			return
		default:
		}
		select {
		case old := <-d.places:
			req.force = req.force || old.force
		default:
		}
	}
}

func (d *daemon) requestPlaceRefresh() {
	if fix, ok := d.engine.LastFix(); ok {
		d.offerPlace(placeRequest{fix: fix, force: true})
	}
}

func (d *daemon) placeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-d.places:
			d.resolvePlace(ctx, req)
		}
	}
}

func (d *daemon) resolvePlace(ctx context.Context, req placeRequest) {
	source := d.resolver.Source()
	info := d.resolver.Resolve(ctx, req.fix.Latitude, req.fix.Longitude)
	now := time.Now()

	d.mu.Lock()
	changed := info != d.place
	d.place = info
	d.lastPlace = req.fix
	d.lastPlaceAt = now
	d.hasPlace = true
	learned := d.country == "" && info.Country != ""
	if learned {
		d.country = info.Country
	}
	d.mu.Unlock()

	if !changed && !req.force {
		return
	}

	d.api.SetPlace(info, string(source))
	if err := d.mqtt.PublishPlace(info); err != nil {
		d.logger.Warn("Failed to publish place", "error", err)
	}
	d.logger.Info("Place updated", "place", info.Label(), "source", source)

	if source == geocode.SourceOnline && info.Known() {
		d.monitor.MarkSynced(now)
	}
	if learned && d.monitor.Connected() {
		d.startSync(ctx)
	}
}

// syncCountry is the configured country, else the one learned from geocoding
func (d *daemon) syncCountry() string {
	if d.cfg.Main.Country != "" {
		return d.cfg.Main.Country
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.country
}

func (d *daemon) startSync(ctx context.Context) {
	country := d.syncCountry()
	if country == "" {
		d.logger.Debug("Country unknown, location database sync deferred")
		return
	}
	if d.sync.SyncCurrentCountry(ctx, country) {
		d.logger.Debug("Location database sync scheduled", "country", country)
	}
}

func (d *daemon) onTransition(t netmon.Transition) {
	d.mu.Lock()
	ctx := d.ctx
	d.mu.Unlock()

	if t.Online {
		d.pushNetwork(api.NetworkState{Online: true, Since: t.At})
		d.goOnline(ctx)
		return
	}
	d.resolver.SetOnline(false)
	d.publishStatus()
}

// goOnline switches geocoding online and refreshes everything that needs the network
func (d *daemon) goOnline(ctx context.Context) {
	d.resolver.SetOnline(true)
	d.requestPlaceRefresh()
	select {
	case d.weatherKick <- struct{}{}:
	default:
	}
	d.startSync(ctx)
	d.publishStatus()
}

// onOffline runs on every offline poll so clients that join later still see the banner
func (d *daemon) onOffline(ind netmon.OfflineIndicator) {
	d.logger.Debug("Offline", "message", ind.Message, "since", ind.Since)
	state := api.NetworkState{Online: false, Message: ind.Message, Since: ind.Since}
	if !ind.LastSyncedAt.IsZero() {
		synced := ind.LastSyncedAt
		state.LastSyncedAt = &synced
	}
	d.pushNetwork(state)
}

func (d *daemon) pushNetwork(state api.NetworkState) {
	if state.LastSyncedAt == nil {
		if synced := d.monitor.LastSyncedAt(); !synced.IsZero() {
			state.LastSyncedAt = &synced
		}
	}
	d.api.SetNetwork(state)
	if err := d.mqtt.PublishNetwork(state.Online, state.Message, state.Since); err != nil {
		d.logger.Debug("Failed to publish network state", "error", err)
	}
}

func (d *daemon) weatherLoop(ctx context.Context) error {
	if d.weather == nil {
		return nil
	}
	ticker := time.NewTicker(weatherInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-d.weatherKick:
		}
		if !d.monitor.Connected() {
			continue
		}
		fix, ok := d.engine.LastFix()
		if !ok {
			continue
		}
		report, err := d.weather.Refresh(ctx, fix.Latitude, fix.Longitude)
		if err != nil {
			d.logger.Warn("Weather refresh failed", "error", err)
			continue
		}
		d.monitor.MarkSynced(report.FetchedAt)
		d.logger.Debug("Weather updated", "temperature", report.Temperature(), "conditions", report.Description)
	}
}

func (d *daemon) statusLoop(ctx context.Context) error {
	interval := time.Duration(d.cfg.Main.StatusIntervalS) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.publishStatus()
		}
	}
}

// status is the daemon summary written to the status file and published over MQTT
func (d *daemon) status() map[string]interface{} {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	tel := d.engine.Snapshot()
	d.mu.Lock()
	place := d.place
	d.mu.Unlock()

	status := map[string]interface{}{
		"ts":          time.Now().Format(time.RFC3339),
		"uptime_s":    int64(time.Since(d.startTime).Seconds()),
		"version":     AppVersion,
		"pid":         os.Getpid(),
		"online":      d.monitor.Connected(),
		"has_fix":     tel.HasFix,
		"provider":    tel.Provider,
		"accuracy":    tel.AccuracyClass,
		"odometer_km": d.odometer.TotalKilometers(),
		"sync_state":  d.sync.State().Current(),
		"country":     d.syncCountry(),
		"mem_mb":      float64(mem.Alloc) / 1024 / 1024,
		"goroutines":  runtime.NumGoroutine(),
		"device_id":   deviceID(),
	}
	if place.Known() {
		status["place"] = place.Label()
	}
	if last := d.monitor.LastSyncedAt(); !last.IsZero() {
		status["last_sync"] = last.Format(time.RFC3339)
	}
	return status
}

func (d *daemon) publishStatus() {
	status := d.status()
	if err := d.mqtt.PublishStatus(status); err != nil {
		d.logger.Warn("Failed to publish status", "error", err)
	}
	if err := writeStatusFile(d.statusFile, status); err != nil {
		d.logger.Error("Failed to write status file", "error", err, "file", d.statusFile)
	}
}

// writeStatusFile replaces path atomically
func writeStatusFile(path string, status map[string]interface{}) error {
	if path == "" {
		return nil
	}
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".ridemeterd-status-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write status: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func deviceID() string {
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return "ridemeter-device"
}

// Close stops the providers and closes the stores. Safe on a partly built daemon.
func (d *daemon) Close() {
	if d.engine != nil {
		d.engine.Stop()
	}
	if d.registry != nil {
		d.registry.Close()
	}
	if d.sync != nil {
		d.sync.Wait()
	}
	if d.mqtt != nil {
		if err := d.mqtt.Disconnect(); err != nil {
			d.logger.Warn("MQTT disconnect failed", "error", err)
		}
	}
	if d.cities != nil {
		if err := d.cities.Close(); err != nil {
			d.logger.Error("Failed to close city store", "error", err)
		}
	}
	if d.kv != nil {
		if err := d.kv.Close(); err != nil {
			d.logger.Error("Failed to close state store", "error", err)
		}
	}
}
