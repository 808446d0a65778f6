package communicator

import (
	"time"

	"github.com/google/uuid"

	"github.com/bilal/switchify-netmon/internal/protocol"
)

// Telemetry is the JSON document shipped to the backend and to Kafka for
// every report the supervisor accepts.
type Telemetry struct {
	RunID         string                     `json:"run_id"`
	Host          string                     `json:"host,omitempty"`
	Timestamp     time.Time                  `json:"timestamp"`
	Snapshot      protocol.TelemetrySnapshot `json:"snapshot"`
	CorrelationID string                     `json:"correlation_id"`
}

func newTelemetry(runID, host string, snap protocol.TelemetrySnapshot) Telemetry {
	return Telemetry{
		RunID:         runID,
		Host:          host,
		Timestamp:     time.Now().UTC(),
		Snapshot:      snap,
		CorrelationID: uuid.NewString(),
	}
}
