package tele

import (
	"fmt"
)

// ErrCommunicationOutage means delivery agent is no longer running.
// Main loop must surface it, not retry silently.
var ErrCommunicationOutage = fmt.Errorf("communication outage")

// Teler is node side telemetry API used by producers and application loop.
// Enqueue never blocks on network, only on disk write.
type Teler interface {
	Enqueue(Body) error
	CheckLiveness() error
	LatestConfigRequest() (ConfigRequest, bool)
	Revision() int
	SetRevision(int)
	Stat() Stat
}
