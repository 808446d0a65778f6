package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrUnknownMessage is wrapped by ParseError for lines outside the vocabulary.
	ErrUnknownMessage = errors.New("unknown message")

	// ErrPeerClosed signals a zero-length read: the other side hung up.
	ErrPeerClosed = errors.New("peer closed connection")

	// ErrInvalidReport is wrapped by ParseError for a Report whose payload is
	// not a snapshot object naming its interface.
	ErrInvalidReport = errors.New("report must be a JSON object with an interface")

	// ErrFrameTooLarge is returned when no newline shows up within MaxFrameSize bytes.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

// ParseError reports a frame that could not be decoded.
type ParseError struct {
	Frame string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %q: %v", e.Frame, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ChannelError reports a failed connect, read or write on the socket.
type ChannelError struct {
	Op  string
	Err error
}

func (e *ChannelError) Error() string {
	return "channel " + e.Op + ": " + e.Err.Error()
}

func (e *ChannelError) Unwrap() error { return e.Err }

const maxQuotedFrame = 64

var tokenKinds = map[string]Kind{
	"Ready":       Ready,
	"Monitor":     Monitor,
	"Monitoring":  Monitoring,
	"Link Down":   LinkDown,
	"Set Link Up": SetLinkUp,
	"Done":        Done,
}

var reportPrefix = []byte("Report ")

// Encode renders m as a single newline terminated frame.
func Encode(m Message) []byte {
	return AppendEncode(nil, m)
}

// AppendEncode appends the frame for m to dst.
func AppendEncode(dst []byte, m Message) []byte {
	if m.Kind == Report {
		// a struct of strings and counters always marshals
		payload, _ := json.Marshal(m.Snapshot)
		dst = append(dst, reportPrefix...)
		dst = append(dst, payload...)
		return append(dst, '\n')
	}
	dst = append(dst, m.Kind.String()...)
	return append(dst, '\n')
}

// Decode parses one frame without its trailing newline. Carriage returns
// and NUL padding left by C peers are ignored.
func Decode(frame []byte) (Message, error) {
	line := bytes.TrimRight(frame, "\r\x00")

	if bytes.HasPrefix(line, reportPrefix) {
		payload := bytes.TrimSpace(line[len(reportPrefix):])
		if len(payload) == 0 || payload[0] != '{' {
			return Message{}, &ParseError{Frame: quoteFrame(line), Err: ErrInvalidReport}
		}
		var snap TelemetrySnapshot
		if err := json.Unmarshal(payload, &snap); err != nil {
			return Message{}, &ParseError{Frame: quoteFrame(line), Err: err}
		}
		if snap.Interface == "" {
			return Message{}, &ParseError{Frame: quoteFrame(line), Err: ErrInvalidReport}
		}
		return NewReport(snap), nil
	}

	if k, ok := tokenKinds[string(line)]; ok {
		return New(k), nil
	}
	return Message{}, &ParseError{Frame: quoteFrame(line), Err: ErrUnknownMessage}
}

func quoteFrame(line []byte) string {
	if len(line) > maxQuotedFrame {
		return string(line[:maxQuotedFrame]) + "..."
	}
	return string(line)
}
