// Package gps hosts the positioning providers and the registry that hands
// their fixes to the fusion engine.
package gps

import (
	"context"
	"time"

	"github.com/markus-lassfolk/ridemeter/pkg"
)

// Source is one positioning provider
type Source interface {
	// ID is the provider identifier fixes are tagged with
	ID() pkg.ProviderID

	// Passive sources only relay fixes someone else requested
	Passive() bool

	// Available reports why the source cannot run, nil if it can
	Available(ctx context.Context) error

	// Run produces fixes until ctx is cancelled or the source fails
	Run(ctx context.Context, emit func(pkg.Fix)) error
}

// SourceHealth tracks the state of one provider
type SourceHealth struct {
	Available    bool      `json:"available"`
	Running      bool      `json:"running"`
	LastSuccess  time.Time `json:"last_success"`
	LastError    string    `json:"last_error,omitempty"`
	SuccessCount int       `json:"success_count"`
	ErrorCount   int       `json:"error_count"`
}

// SuccessRate is fixes over fixes plus failures
func (h SourceHealth) SuccessRate() float64 {
	total := h.SuccessCount + h.ErrorCount
	if total == 0 {
		return 0
	}
	return float64(h.SuccessCount) / float64(total)
}
