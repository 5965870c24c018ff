package gps

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/markus-lassfolk/ridemeter/pkg"
	"github.com/markus-lassfolk/ridemeter/pkg/logx"
)

// MessageBus is the slice of an MQTT client the relay needs
type MessageBus interface {
	IsConnected() bool
	SubscribeRaw(topic string, handler func(topic string, payload []byte)) error
	Unsubscribe(topic string) error
}

// relayPayload is the JSON shape published by other devices on the bus
type relayPayload struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float64 `json:"altitude"`
	Speed     float64 `json:"speed"`
	Bearing   float64 `json:"bearing"`
	Accuracy  float64 `json:"accuracy"`
	Timestamp int64   `json:"timestamp"` // unix millis, 0 means now
}

// RelaySource is the passive provider: it republishes fixes another device
// already computed and sent over MQTT
type RelaySource struct {
	bus    MessageBus
	topic  string
	logger *logx.Logger
}

// NewRelaySource creates a passive source on topic
func NewRelaySource(bus MessageBus, topic string, logger *logx.Logger) *RelaySource {
	return &RelaySource{bus: bus, topic: topic, logger: logger}
}

func (s *RelaySource) ID() pkg.ProviderID { return pkg.ProviderPassive }

func (s *RelaySource) Passive() bool { return true }

func (s *RelaySource) Available(ctx context.Context) error {
	if s.bus == nil || s.topic == "" {
		return fmt.Errorf("%w: relay not configured", pkg.ErrProviderUnavailable)
	}
	if !s.bus.IsConnected() {
		return fmt.Errorf("%w: message bus not connected", pkg.ErrProviderUnavailable)
	}
	return nil
}

// Run subscribes to the relay topic until ctx is cancelled
func (s *RelaySource) Run(ctx context.Context, emit func(pkg.Fix)) error {
	err := s.bus.SubscribeRaw(s.topic, func(_ string, payload []byte) {
		fix, err := decodeRelayFix(payload)
		if err != nil {
			s.logger.Debug("Ignoring malformed relay fix", "topic", s.topic, "error", err)
			return
		}
		emit(fix)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe relay topic: %w", err)
	}

	<-ctx.Done()
	if err := s.bus.Unsubscribe(s.topic); err != nil {
		s.logger.Warn("Failed to unsubscribe relay topic", "topic", s.topic, "error", err)
	}
	return ctx.Err()
}

func decodeRelayFix(payload []byte) (pkg.Fix, error) {
	var p relayPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return pkg.Fix{}, err
	}
	ts := time.Now()
	if p.Timestamp > 0 {
		ts = time.UnixMilli(p.Timestamp)
	}
	return pkg.Fix{
		Provider:  pkg.ProviderPassive,
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
		Altitude:  p.Altitude,
		Speed:     p.Speed,
		Bearing:   p.Bearing,
		Accuracy:  p.Accuracy,
		Timestamp: ts,
	}, nil
}
