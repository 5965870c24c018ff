package pkg

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ProviderID names a positioning provider
type ProviderID string

// Known provider identifiers
const (
	ProviderGPS     ProviderID = "gps"     // satellite receiver, primary for speed
	ProviderNetwork ProviderID = "network" // cell/wifi/IP based
	ProviderPassive ProviderID = "passive" // relays fixes requested by someone else
)

// Error taxonomy shared across the location subsystem
var (
	ErrInvalidFix          = errors.New("invalid fix")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrSyncSourceFailed    = errors.New("sync source failed")
	ErrSyncExhausted       = errors.New("all sync sources failed")
	ErrGeocodeMiss         = errors.New("no place found")
)

// UnknownLocation is the label shown when no geocoder could name a position
const UnknownLocation = "Unknown location"

// Fix is a single positioning sample from one provider
type Fix struct {
	Provider  ProviderID `json:"provider"`
	Latitude  float64    `json:"latitude"`
	Longitude float64    `json:"longitude"`
	Altitude  float64    `json:"altitude"` // meters
	Speed     float64    `json:"speed"`    // m/s
	Bearing   float64    `json:"bearing"`  // degrees 0-360
	Accuracy  float64    `json:"accuracy"` // horizontal, meters
	Timestamp time.Time  `json:"timestamp"`
}

// Validate rejects degenerate samples
func (f Fix) Validate() error {
	switch {
	case math.IsNaN(f.Accuracy) || f.Accuracy <= 0:
		return fmt.Errorf("%w: accuracy %v", ErrInvalidFix, f.Accuracy)
	case math.IsNaN(f.Latitude) || math.IsInf(f.Latitude, 0) || f.Latitude < -90 || f.Latitude > 90:
		return fmt.Errorf("%w: latitude %v", ErrInvalidFix, f.Latitude)
	case math.IsNaN(f.Longitude) || math.IsInf(f.Longitude, 0) || f.Longitude < -180 || f.Longitude > 180:
		return fmt.Errorf("%w: longitude %v", ErrInvalidFix, f.Longitude)
	}
	return nil
}

// AccuracyClass buckets horizontal accuracy for display
type AccuracyClass string

const (
	AccuracyNone   AccuracyClass = "none"
	AccuracyHigh   AccuracyClass = "high"
	AccuracyMedium AccuracyClass = "medium"
	AccuracyLow    AccuracyClass = "low"
	AccuracyPoor   AccuracyClass = "poor"
)

// ClassifyAccuracy maps an accuracy radius in meters to a class
func ClassifyAccuracy(meters float64) AccuracyClass {
	switch {
	case meters <= 0 || math.IsNaN(meters):
		return AccuracyNone
	case meters < 10:
		return AccuracyHigh
	case meters < 25:
		return AccuracyMedium
	case meters <= 60:
		return AccuracyLow
	default:
		return AccuracyPoor
	}
}

// FusedTelemetry is the current best estimate produced by the fusion engine
type FusedTelemetry struct {
	HasFix        bool          `json:"has_fix"`
	Provider      ProviderID    `json:"provider"`
	Latitude      float64       `json:"latitude"`
	Longitude     float64       `json:"longitude"`
	SpeedKmh      float64       `json:"speed_kmh"` // smoothed, clamped
	Altitude      float64       `json:"altitude"`
	Bearing       float64       `json:"bearing"`
	Heading       string        `json:"heading"` // compass label, only updated while moving
	Accuracy      float64       `json:"accuracy"`
	AccuracyClass AccuracyClass `json:"accuracy_class"`
	LastFix       time.Time     `json:"last_fix"`
}

// CityRecord is one row of the city reference dataset
type CityRecord struct {
	Name      string  `json:"name"`
	State     string  `json:"state"`
	Country   string  `json:"country"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Info drops the coordinates
func (c CityRecord) Info() CityInfo {
	return CityInfo{Name: c.Name, State: c.State, Country: c.Country}
}

// CityInfo is the place name handed to presentation
type CityInfo struct {
	Name    string `json:"name"`
	State   string `json:"state"`
	Country string `json:"country"`
}

// Label renders "City, State" or just "City"
func (c CityInfo) Label() string {
	if c.State != "" {
		return c.Name + ", " + c.State
	}
	return c.Name
}

// Known reports whether the info names a real place
func (c CityInfo) Known() bool {
	return c.Name != "" && c.Name != UnknownLocation
}
