package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Control and discovery message headers. A message is its header optionally
// followed by "|"-separated fields.
const (
	HeaderStart     = "SVCS" // client: start streaming to me
	HeaderTelemetry = "FPMA" // client: packets|frames received since the last report
	HeaderDiscover  = "DDSH" // broadcast: who serves here?
	HeaderResponse  = "RESH" // server: I do
	HeaderPick      = "PIKD" // client: I pick you
	HeaderPicked    = "PRED" // server: control port|...
)

// StreamRequest is the legacy bootstrap datagram.
const StreamRequest = "START STREAM"

const fieldSep = "|"

var ErrBadMessage = errors.New("malformed control message")

// Message is one control line or discovery datagram.
type Message struct {
	Header string
	Fields []string
}

// NewMessage builds a message from a header and fields.
func NewMessage(header string, fields ...string) Message {
	return Message{Header: header, Fields: fields}
}

// ParseMessage splits a line into header and fields. Surrounding whitespace,
// including the line terminator, is ignored.
func ParseMessage(line string) Message {
	parts := strings.Split(strings.TrimSpace(line), fieldSep)
	return Message{Header: parts[0], Fields: parts[1:]}
}

// String renders the message without a terminator.
func (m Message) String() string {
	if len(m.Fields) == 0 {
		return m.Header
	}
	return m.Header + fieldSep + strings.Join(m.Fields, fieldSep)
}

// Line renders the message as a newline-terminated control line.
func (m Message) Line() []byte {
	return []byte(m.String() + "\n")
}

// TelemetryMessage builds an FPMA report.
func TelemetryMessage(packets, frames uint64) Message {
	return NewMessage(HeaderTelemetry,
		strconv.FormatUint(packets, 10),
		strconv.FormatUint(frames, 10))
}

// Telemetry parses the counts carried by an FPMA report.
func (m Message) Telemetry() (packets, frames uint64, err error) {
	if m.Header != HeaderTelemetry || len(m.Fields) != 2 {
		return 0, 0, fmt.Errorf("%w: %q", ErrBadMessage, m.String())
	}
	if packets, err = strconv.ParseUint(m.Fields[0], 10, 64); err != nil {
		return 0, 0, fmt.Errorf("%w: packets: %v", ErrBadMessage, err)
	}
	if frames, err = strconv.ParseUint(m.Fields[1], 10, 64); err != nil {
		return 0, 0, fmt.Errorf("%w: frames: %v", ErrBadMessage, err)
	}
	return packets, frames, nil
}

// Port parses the first field as a port number, as carried by PRED.
func (m Message) Port() (int, error) {
	if len(m.Fields) == 0 {
		return 0, fmt.Errorf("%w: %q has no port", ErrBadMessage, m.String())
	}
	return ParsePort(m.Fields[0])
}

// ParsePort parses a decimal port in [1, 65535].
func ParsePort(s string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("%w: bad port %q", ErrBadMessage, s)
	}
	return port, nil
}
