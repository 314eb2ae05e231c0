// Package transport carries wire frames between a sender and a receiver
// over QUIC or SRT. A playback session uses a pair of connections: geometry on
// the configured port and audio on the adjacent one.
package transport

import "fmt"

// Status is the state of one connection as seen by the receive loop.
type Status int32

const (
	StatusNotYetConnected Status = iota
	StatusConnected
	StatusFailedToConnect
	StatusDisconnected
	StatusProtocolError
	StatusHandleInvalid
	StatusFailedToAuthenticate
)

var statusNames = [...]string{
	StatusNotYetConnected:      "NotYetConnected",
	StatusConnected:            "Connected",
	StatusFailedToConnect:      "FailedToConnect",
	StatusDisconnected:         "Disconnected",
	StatusProtocolError:        "ProtocolError",
	StatusHandleInvalid:        "HandleInvalid",
	StatusFailedToAuthenticate: "FailedToAuthenticate",
}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", int32(s))
}

// MarshalText implements encoding.TextMarshaler so statuses serialize by
// name in JSON.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Retryable reports whether a reconnect may bring the connection back.
func (s Status) Retryable() bool {
	switch s {
	case StatusFailedToConnect, StatusDisconnected, StatusProtocolError:
		return true
	}
	return false
}
