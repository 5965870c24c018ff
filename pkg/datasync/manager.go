// Package datasync downloads a country subset of a public city dataset into
// the local city store, once per process.
package datasync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/markus-lassfolk/ridemeter/pkg"
	"github.com/markus-lassfolk/ridemeter/pkg/kvstore"
	"github.com/markus-lassfolk/ridemeter/pkg/logx"
	"github.com/markus-lassfolk/ridemeter/pkg/metrics"
)

// Default dataset mirrors, tried in order
var DefaultSources = []string{
	"https://raw.githubusercontent.com/lutam/cities.json/master/cities.json",
	"https://raw.githubusercontent.com/dr5hn/countries-states-cities-database/master/cities.json",
}

// Config holds configuration for the sync manager
type Config struct {
	Sources        []string      `json:"sources"`
	BatchSize      int           `json:"batch_size"`
	ConnectTimeout time.Duration `json:"connect_timeout"`
	ReadTimeout    time.Duration `json:"read_timeout"` // max idle time between reads
	UserAgent      string        `json:"user_agent"`
}

// DefaultConfig returns the default sync configuration
func DefaultConfig() *Config {
	return &Config{
		Sources:        append([]string(nil), DefaultSources...),
		BatchSize:      500,
		ConnectTimeout: 60 * time.Second,
		ReadTimeout:    120 * time.Second,
		UserAgent:      "ridemeter/1.0",
	}
}

// CityStore is what the sync needs from the city table
type CityStore interface {
	HasData(ctx context.Context) (bool, error)
	BulkInsert(ctx context.Context, records []pkg.CityRecord) error
	Clear(ctx context.Context) error
}

// Listener receives sync lifecycle callbacks, on the sync goroutine
type Listener interface {
	OnSyncStarted(country string)
	OnSyncProgress(percent int)
	OnSyncFinished()
	OnSyncError(message string)
}

// ListenerFuncs adapts plain functions to Listener; nil fields are skipped
type ListenerFuncs struct {
	Started  func(country string)
	Progress func(percent int)
	Finished func()
	Error    func(message string)
}

func (l ListenerFuncs) OnSyncStarted(country string) {
	if l.Started != nil {
		l.Started(country)
	}
}

func (l ListenerFuncs) OnSyncProgress(percent int) {
	if l.Progress != nil {
		l.Progress(percent)
	}
}

func (l ListenerFuncs) OnSyncFinished() {
	if l.Finished != nil {
		l.Finished()
	}
}

func (l ListenerFuncs) OnSyncError(message string) {
	if l.Error != nil {
		l.Error(message)
	}
}

// Manager runs the dataset sync
type Manager struct {
	config   *Config
	store    CityStore
	kv       kvstore.Store
	listener Listener
	client   *http.Client
	state    *SyncState
	logger   *logx.Logger
	perf     *logx.PerformanceLogger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	done     chan struct{}
	lastSync time.Time
}

// NewManager creates a sync manager. kv and listener may be nil.
func NewManager(config *Config, store CityStore, kv kvstore.Store, listener Listener, logger *logx.Logger, m *metrics.Metrics) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 500
	}
	if listener == nil {
		listener = ListenerFuncs{}
	}

	mgr := &Manager{
		config:   config,
		store:    store,
		kv:       kv,
		listener: listener,
		client:   newHTTPClient(config),
		state:    NewSyncState(),
		logger:   logger,
		perf:     logx.NewPerformanceLogger(logger, 30*time.Second),
		metrics:  m,
	}
	if kv != nil {
		if t, ok, err := kv.GetTime(kvstore.KeySyncLastSuccess); err == nil && ok {
			mgr.lastSync = t
		}
	}
	m.SyncState(string(StateIdle), AllStates)
	return mgr
}

// State exposes the guard, mostly for tests
func (m *Manager) State() *SyncState {
	return m.state
}

// LastSyncedAt returns the time of the last successful sync, zero if never
func (m *Manager) LastSyncedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSync
}

// SyncCurrentCountry starts a background sync for the ISO country code.
// It returns false without side effects when a sync is already running,
// has failed earlier in this process, or the store already has cities.
func (m *Manager) SyncCurrentCountry(ctx context.Context, country string) bool {
	country = strings.TrimSpace(country)
	if country == "" {
		m.logger.Warn("Dataset sync requested without a country code")
		return false
	}

	// m.mu spans the guard so Wait never sees syncing without its done channel
	m.mu.Lock()
	started, err := m.state.tryBegin(func() (bool, error) {
		return m.store.HasData(ctx)
	})
	var done chan struct{}
	if started {
		done = make(chan struct{})
		m.done = done
	}
	m.mu.Unlock()
	if err != nil {
		m.logger.Warn("Dataset sync skipped, store check failed", "error", err)
		return false
	}
	if !started {
		return false
	}

	m.metrics.SyncState(string(StateSyncing), AllStates)
	go func() {
		defer close(done)
		m.run(ctx, country)
	}()
	return true
}

// Wait blocks until the in-flight sync, if any, has ended
func (m *Manager) Wait() {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (m *Manager) run(ctx context.Context, country string) {
	op := m.perf.Start("dataset_sync")
	m.logger.Info("Starting location database sync", "country", country, "sources", len(m.config.Sources))
	m.listener.OnSyncStarted(country)

	var lastErr error
	for _, url := range m.config.Sources {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}

		rows, err := m.syncFrom(ctx, url, country)
		if err == nil {
			m.metrics.SyncAttempt("success")
			m.succeed(country, rows)
			op.Complete(nil)
			return
		}

		m.metrics.SyncAttempt("failure")
		m.logger.Warn("Dataset source failed", "url", url, "error", err)
		lastErr = err

		// a half-loaded source must not mix with the next one
		if clearErr := m.store.Clear(ctx); clearErr != nil {
			m.logger.Error("Failed to clear partial dataset", "error", clearErr)
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no dataset sources configured")
	}

	err := fmt.Errorf("%w: %v", pkg.ErrSyncExhausted, lastErr)
	op.Complete(err)
	m.fail(lastErr)
}

func (m *Manager) succeed(country string, rows int) {
	now := time.Now()
	m.mu.Lock()
	m.lastSync = now
	m.mu.Unlock()

	if m.kv != nil {
		if err := m.kv.PutTime(kvstore.KeySyncLastSuccess, now); err != nil {
			m.logger.Warn("Failed to persist sync time", "error", err)
		}
		if err := m.kv.PutString(kvstore.KeySyncCountry, strings.ToUpper(country)); err != nil {
			m.logger.Warn("Failed to persist sync country", "error", err)
		}
	}

	m.state.finish(true)
	m.metrics.SyncState(string(StateSuccess), AllStates)
	m.logger.Info("Location database sync complete", "country", country, "rows", rows)
	m.listener.OnSyncFinished()
}

func (m *Manager) fail(cause error) {
	if m.kv != nil {
		if err := m.kv.PutBool(kvstore.KeySyncFailedSession, true); err != nil {
			m.logger.Warn("Failed to persist sync failure flag", "error", err)
		}
	}

	m.state.finish(false)
	m.metrics.SyncState(string(StateFailed), AllStates)
	m.logger.Error("Location database sync failed", "error", cause)
	m.listener.OnSyncError(fmt.Sprintf("Location database sync failed (%v). Using GPS only.", cause))
}

// syncFrom downloads one source and inserts its matching rows in batches
func (m *Manager) syncFrom(ctx context.Context, url, country string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", pkg.ErrSyncSourceFailed, err)
	}
	if m.config.UserAgent != "" {
		req.Header.Set("User-Agent", m.config.UserAgent)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", pkg.ErrSyncSourceFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("%w: HTTP %d", pkg.ErrSyncSourceFailed, resp.StatusCode)
	}

	batch := make([]pkg.CityRecord, 0, m.config.BatchSize)
	inserted := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := m.store.BulkInsert(ctx, batch); err != nil {
			return err
		}
		inserted += len(batch)
		m.metrics.SyncBatch(len(batch))
		m.logger.Debug("Dataset batch committed", "rows", inserted)
		batch = batch[:0]
		return nil
	}

	_, err = ParseCities(resp.Body, country, func(r pkg.CityRecord) error {
		batch = append(batch, r)
		if len(batch) >= m.config.BatchSize {
			return flush()
		}
		return nil
	}, func(processed int) {
		if processed%heartbeatEvery == 0 {
			m.listener.OnSyncProgress(progressHeartbeat(processed))
		}
	})
	if err == nil {
		err = flush()
	}
	if err != nil {
		return inserted, fmt.Errorf("%w: %v", pkg.ErrSyncSourceFailed, err)
	}
	return inserted, nil
}

// heartbeatEvery is how many dataset elements pass between progress reports
const heartbeatEvery = 1000

// progressHeartbeat is a liveness signal, not a real percentage
func progressHeartbeat(processed int) int {
	return (processed / heartbeatEvery) % 100
}

func newHTTPClient(config *Config) *http.Client {
	dialer := &net.Dialer{Timeout: config.ConnectTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			return &idleTimeoutConn{Conn: conn, timeout: config.ReadTimeout}, nil
		},
		TLSHandshakeTimeout:   config.ConnectTimeout,
		ResponseHeaderTimeout: config.ReadTimeout,
		MaxIdleConns:          2,
		IdleConnTimeout:       90 * time.Second,
	}
	return &http.Client{Transport: transport}
}

// idleTimeoutConn fails a read that stalls longer than timeout, without
// capping the total transfer time of a large dataset
type idleTimeoutConn struct {
	net.Conn
	timeout time.Duration
}

func (c *idleTimeoutConn) Read(b []byte) (int, error) {
	if c.timeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(b)
}
