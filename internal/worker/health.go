package worker

import (
	"time"

	"github.com/position-indexer/internal/types"
)

// Component names reported by a chain runner
const (
	ComponentLive     = "live"
	ComponentHistoric = "historic"
	ComponentRunner   = "runner"
)

// HealthStatus is the state a component reports
type HealthStatus string

const (
	// HealthOK means the last unit of work succeeded
	HealthOK HealthStatus = "ok"
	// HealthDegraded means the last unit of work failed and will be retried
	HealthDegraded HealthStatus = "degraded"
	// HealthStopped means the component has exited
	HealthStopped HealthStatus = "stopped"
)

// HealthReport is sent by a component after each unit of work
type HealthReport struct {
	Chain     types.ChainID
	Component string
	Status    HealthStatus
	Block     uint64
	Err       error
	At        time.Time
}

// Reporter delivers health reports without ever blocking the sender. A nil
// Reporter discards reports.
type Reporter chan<- HealthReport

func (r Reporter) report(chain types.ChainID, component string, status HealthStatus, block uint64, err error) {
	if r == nil {
		return
	}
	select {
	case r <- HealthReport{Chain: chain, Component: component, Status: status, Block: block, Err: err, At: time.Now()}:
	default:
	}
}
