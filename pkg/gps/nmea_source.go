package gps

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	nmea "github.com/adrianmo/go-nmea"
	"github.com/jacobsa/go-serial/serial"

	"github.com/markus-lassfolk/ridemeter/pkg"
	"github.com/markus-lassfolk/ridemeter/pkg/logx"
)

const knotsToMps = 0.514444

// NMEAConfig configures the serial GNSS receiver
type NMEAConfig struct {
	Device           string  `json:"device"`
	BaudRate         uint    `json:"baud_rate"`
	UERE             float64 `json:"uere"`              // meters per unit of HDOP
	FallbackAccuracy float64 `json:"fallback_accuracy"` // used until a GGA sentence reports HDOP
}

// DefaultNMEAConfig returns the default receiver configuration
func DefaultNMEAConfig() *NMEAConfig {
	return &NMEAConfig{
		Device:           "/dev/ttyUSB0",
		BaudRate:         9600,
		UERE:             5.0,
		FallbackAccuracy: 15.0,
	}
}

// NMEASource reads NMEA 0183 sentences from a serial GNSS receiver.
// It is the primary provider.
type NMEASource struct {
	config *NMEAConfig
	logger *logx.Logger
	open   func() (io.ReadCloser, error)
}

// NewNMEASource creates the serial receiver source
func NewNMEASource(config *NMEAConfig, logger *logx.Logger) *NMEASource {
	if config == nil {
		config = DefaultNMEAConfig()
	}
	s := &NMEASource{config: config, logger: logger}
	s.open = s.openSerial
	return s
}

func (s *NMEASource) ID() pkg.ProviderID { return pkg.ProviderGPS }

func (s *NMEASource) Passive() bool { return false }

// Available checks that the device node exists
func (s *NMEASource) Available(ctx context.Context) error {
	if s.config.Device == "" {
		return fmt.Errorf("%w: no serial device configured", pkg.ErrProviderUnavailable)
	}
	if _, err := os.Stat(s.config.Device); err != nil {
		return fmt.Errorf("%w: %v", pkg.ErrProviderUnavailable, err)
	}
	return nil
}

func (s *NMEASource) openSerial() (io.ReadCloser, error) {
	opts := serial.OpenOptions{
		PortName:              s.config.Device,
		BaudRate:              s.config.BaudRate,
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       1,
		ParityMode:            serial.PARITY_NONE,
		InterCharacterTimeout: 0,
	}
	port, err := serial.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", s.config.Device, err)
	}
	return port, nil
}

// Run emits one fix per valid RMC sentence, enriched with the last GGA
func (s *NMEASource) Run(ctx context.Context, emit func(pkg.Fix)) error {
	port, err := s.open()
	if err != nil {
		return err
	}

	// closing the port unblocks the pending read
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		port.Close()
	}()

	s.logger.Info("GNSS receiver opened", "device", s.config.Device, "baud", s.config.BaudRate)
	return s.consume(ctx, port, emit)
}

func (s *NMEASource) consume(ctx context.Context, r io.Reader, emit func(pkg.Fix)) error {
	var (
		altitude float64
		accuracy = s.config.FallbackAccuracy
	)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "$") {
			continue
		}

		sentence, err := nmea.Parse(line)
		if err != nil {
			s.logger.Trace("Skipping NMEA sentence", "error", err)
			continue
		}

		switch sentence.DataType() {
		case nmea.TypeGGA:
			m := sentence.(nmea.GGA)
			if m.FixQuality == nmea.Invalid {
				continue
			}
			altitude = m.Altitude
			if m.HDOP > 0 {
				accuracy = m.HDOP * s.config.UERE
			}

		case nmea.TypeRMC:
			m := sentence.(nmea.RMC)
			if m.Validity != nmea.ValidRMC {
				continue
			}
			emit(pkg.Fix{
				Provider:  pkg.ProviderGPS,
				Latitude:  m.Latitude,
				Longitude: m.Longitude,
				Altitude:  altitude,
				Speed:     m.Speed * knotsToMps,
				Bearing:   m.Course,
				Accuracy:  accuracy,
				Timestamp: rmcTime(m),
			})
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("GNSS read failed: %w", err)
	}
	return io.EOF
}

// rmcTime combines the two-digit RMC date with the UTC time of day
func rmcTime(m nmea.RMC) time.Time {
	now := time.Now()
	if !m.Date.Valid || !m.Time.Valid {
		return now
	}
	year := 2000 + m.Date.YY
	if year > now.Year()+1 {
		year -= 100
	}
	return time.Date(year, time.Month(m.Date.MM), m.Date.DD,
		m.Time.Hour, m.Time.Minute, m.Time.Second, m.Time.Millisecond*int(time.Millisecond), time.UTC)
}
