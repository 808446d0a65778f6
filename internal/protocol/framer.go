package protocol

import "bytes"

// MaxFrameSize bounds how many bytes may be buffered without a newline.
const MaxFrameSize = 64 << 10

// Framer reassembles frames from a byte stream. Reads may split a frame or
// carry several; Next hands out exactly one message per complete frame.
type Framer struct {
	buf []byte
	max int
}

// NewFramer returns a framer that rejects frames longer than max bytes.
// A max of zero means MaxFrameSize.
func NewFramer(max int) *Framer {
	if max <= 0 {
		max = MaxFrameSize
	}
	return &Framer{max: max}
}

// Feed appends raw bytes read from the connection.
func (f *Framer) Feed(p []byte) {
	f.buf = append(f.buf, p...)
}

// Buffered returns the number of bytes waiting for a newline.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Next decodes the oldest complete frame. ok is false when more input is
// needed. A frame that fails to decode is consumed and returned as an error
// with ok set.
func (f *Framer) Next() (msg Message, ok bool, err error) {
	for {
		i := bytes.IndexByte(f.buf, '\n')
		if i < 0 {
			if len(f.buf) > f.max {
				return Message{}, false, ErrFrameTooLarge
			}
			return Message{}, false, nil
		}
		if i > f.max {
			return Message{}, false, ErrFrameTooLarge
		}

		frame := f.buf[:i]
		empty := len(bytes.TrimRight(frame, "\r\x00")) == 0
		if !empty {
			msg, err = Decode(frame)
		}
		n := copy(f.buf, f.buf[i+1:])
		f.buf = f.buf[:n]

		if empty {
			continue
		}
		return msg, true, err
	}
}
