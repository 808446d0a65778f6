// Package protocol implements the line protocol spoken between the network
// monitor supervisor and its per-interface agents.
//
// Every message is one line of text terminated by '\n'. All messages but
// Report are a fixed token; Report carries a JSON encoded TelemetrySnapshot
// after the token:
//
//	Ready
//	Monitor
//	Monitoring
//	Report {"interface":"eth0","state":"up","rx_bytes":1024,...}
//	Link Down
//	Set Link Up
//	Done
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Kind identifies one entry of the closed message vocabulary.
type Kind uint8

const (
	Unknown Kind = iota
	Ready
	Monitor
	Monitoring
	Report
	LinkDown
	SetLinkUp
	Done
)

var kindTokens = [...]string{
	Unknown:    "",
	Ready:      "Ready",
	Monitor:    "Monitor",
	Monitoring: "Monitoring",
	Report:     "Report",
	LinkDown:   "Link Down",
	SetLinkUp:  "Set Link Up",
	Done:       "Done",
}

func (k Kind) String() string {
	if k == Unknown || int(k) >= len(kindTokens) {
		return "Unknown(" + strconv.Itoa(int(k)) + ")"
	}
	return kindTokens[k]
}

// Message is one decoded protocol message. Snapshot is only set for Report.
type Message struct {
	Kind     Kind
	Snapshot TelemetrySnapshot
}

// New returns a message of a payload-less kind.
func New(k Kind) Message {
	return Message{Kind: k}
}

// NewReport wraps a snapshot in a Report message.
func NewReport(s TelemetrySnapshot) Message {
	return Message{Kind: Report, Snapshot: s}
}

func (m Message) String() string {
	if m.Kind == Report {
		return fmt.Sprintf("Report(%s)", m.Snapshot.Interface)
	}
	return m.Kind.String()
}

// Link states as reported by the kernel's operstate.
const (
	StateUp      = "up"
	StateDown    = "down"
	StateUnknown = "unknown"
)

// TelemetrySnapshot is one tick's worth of interface state and counters.
type TelemetrySnapshot struct {
	Interface string  `json:"interface"`
	State     string  `json:"state"`
	UpCount   Counter `json:"up_count"`
	DownCount Counter `json:"down_count"`
	RxBytes   Counter `json:"rx_bytes"`
	RxDropped Counter `json:"rx_dropped"`
	RxErrors  Counter `json:"rx_errors"`
	RxPackets Counter `json:"rx_packets"`
	TxBytes   Counter `json:"tx_bytes"`
	TxDropped Counter `json:"tx_dropped"`
	TxErrors  Counter `json:"tx_errors"`
	TxPackets Counter `json:"tx_packets"`
}

// Degraded reports whether the interface needs remediation.
func (s TelemetrySnapshot) Degraded() bool {
	return s.State == StateDown
}

// Counter is a monotonically increasing interface counter that may be
// unavailable when the source could not read it. The zero value is
// unavailable.
type Counter struct {
	value uint64
	known bool
}

// Unavailable is the counter value reported when a measurement is missing.
var Unavailable = Counter{}

// Known returns an available counter holding v.
func Known(v uint64) Counter {
	return Counter{value: v, known: true}
}

// Value returns the counter and whether it is available.
func (c Counter) Value() (uint64, bool) {
	return c.value, c.known
}

// Delta returns c-prev when both are available and c did not wrap.
func (c Counter) Delta(prev Counter) (uint64, bool) {
	if !c.known || !prev.known || c.value < prev.value {
		return 0, false
	}
	return c.value - prev.value, true
}

func (c Counter) String() string {
	if !c.known {
		return "unavailable"
	}
	return strconv.FormatUint(c.value, 10)
}

var jsonNull = []byte("null")

func (c Counter) MarshalJSON() ([]byte, error) {
	if !c.known {
		return jsonNull, nil
	}
	return strconv.AppendUint(nil, c.value, 10), nil
}

func (c *Counter) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, jsonNull) {
		*c = Counter{}
		return nil
	}
	v, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("counter %s: %w", data, err)
	}
	*c = Known(v)
	return nil
}

var _ json.Marshaler = Counter{}
