package stomp

import (
	"bytes"
	"fmt"
	"strings"
)

const (
	newline  = byte('\n')
	cr       = byte('\r')
	colon    = byte(':')
	nullByte = byte(0)

	// MaxHeaderSize bounds the command and header section of a single frame
	MaxHeaderSize = 64 * 1024
	// MaxBodySize bounds the body of a single frame
	MaxBodySize = 8 * 1024 * 1024
)

// Encode serializes a frame: command line, header rows in insertion order,
// a blank line, the body and a trailing NUL. Header values are not escaped.
// A content-length header has to match the body.
func Encode(f *Frame) ([]byte, error) {
	name, ok := CommandMap[f.Command]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCommand, f.Command)
	}
	length, ok, err := f.Header.ContentLength()
	if err != nil {
		return nil, err
	}
	if ok && length != len(f.Body) {
		return nil, fmt.Errorf("%w: declared %d, body has %d bytes", ErrInvalidContentLength, length, len(f.Body))
	}

	size := len(name) + 2 + len(f.Body) + 1
	for _, e := range f.Header {
		size += len(e.Key) + len(e.Value) + 2
	}

	buf := bytes.NewBuffer(make([]byte, 0, size))
	buf.WriteString(name)
	buf.WriteByte(newline)
	for _, e := range f.Header {
		buf.WriteString(e.Key)
		buf.WriteByte(colon)
		buf.WriteString(e.Value)
		buf.WriteByte(newline)
	}
	buf.WriteByte(newline)
	buf.Write(f.Body)
	buf.WriteByte(nullByte)
	return buf.Bytes(), nil
}

// Decode extracts every complete frame at the start of buf. consumed is the
// number of bytes that belong to returned frames or skipped heartbeats; the
// remainder is a partial frame the caller keeps for the next call. Decode never
// modifies buf and returns the same result for the same input.
func Decode(buf []byte) (frames []*Frame, consumed int, err error) {
	for consumed < len(buf) {
		frame, n, err := decodeFrame(buf[consumed:])
		if err != nil {
			return frames, consumed, err
		}
		if n == 0 {
			break
		}
		consumed += n
		if frame != nil {
			frames = append(frames, frame)
		}
	}
	return frames, consumed, nil
}

// decodeFrame reads at most one frame or one heartbeat from buf.
// n == 0 means more data is needed.
func decodeFrame(buf []byte) (*Frame, int, error) {
	switch {
	case len(buf) == 0:
		return nil, 0, nil
	case buf[0] == newline:
		return nil, 1, nil
	case buf[0] == cr:
		if len(buf) < 2 {
			return nil, 0, nil
		}
		if buf[1] == newline {
			return nil, 2, nil
		}
	}

	headerLen, bodyStart := headerSection(buf)
	if bodyStart < 0 {
		if err := checkFirstLine(buf); err != nil {
			return nil, 0, err
		}
		if len(buf) > MaxHeaderSize {
			return nil, 0, fmt.Errorf("%w: header section exceeds %d bytes", ErrInvalidFrameFormat, MaxHeaderSize)
		}
		return nil, 0, nil
	}

	frame, err := parseHead(buf[:headerLen])
	if err != nil {
		return nil, 0, err
	}

	length, ok, err := frame.Header.ContentLength()
	if err != nil {
		return nil, 0, err
	}

	var bodyEnd int
	if ok {
		if length > MaxBodySize {
			return nil, 0, fmt.Errorf("%w: body of %d bytes exceeds %d", ErrInvalidFrameFormat, length, MaxBodySize)
		}
		bodyEnd = bodyStart + length
		if len(buf) < bodyEnd+1 {
			return nil, 0, nil
		}
		if buf[bodyEnd] != nullByte {
			return nil, 0, fmt.Errorf("%w: body is not NUL terminated after %d bytes", ErrInvalidFrameFormat, length)
		}
	} else {
		idx := bytes.IndexByte(buf[bodyStart:], nullByte)
		if idx < 0 {
			if len(buf)-bodyStart > MaxBodySize {
				return nil, 0, fmt.Errorf("%w: body exceeds %d bytes", ErrInvalidFrameFormat, MaxBodySize)
			}
			return nil, 0, nil
		}
		bodyEnd = bodyStart + idx
	}

	frame.Body = make([]byte, bodyEnd-bodyStart)
	copy(frame.Body, buf[bodyStart:bodyEnd])
	return frame, bodyEnd + 1, nil
}

// headerSection locates the first blank line. It returns the length of the
// header rows and the offset of the first body byte, or -1 when incomplete.
func headerSection(buf []byte) (int, int) {
	offset := 0
	for {
		idx := bytes.IndexByte(buf[offset:], newline)
		if idx < 0 {
			return 0, -1
		}
		p := offset + idx
		switch {
		case p+1 < len(buf) && buf[p+1] == newline:
			return p, p + 2
		case p+2 < len(buf) && buf[p+1] == cr && buf[p+2] == newline:
			return p, p + 3
		case p+1 >= len(buf) || (buf[p+1] == cr && p+2 >= len(buf)):
			return 0, -1
		}
		offset = p + 1
	}
}

// checkFirstLine fails fast on a complete leading row that can be neither a
// header nor a command, so garbage does not sit in the buffer forever.
func checkFirstLine(buf []byte) error {
	idx := bytes.IndexByte(buf, newline)
	if idx < 0 {
		return nil
	}
	row := string(bytes.TrimSuffix(buf[:idx], []byte{cr}))
	if strings.IndexByte(row, colon) >= 0 {
		return nil
	}
	if _, ok := ParseCommand(row); !ok {
		return fmt.Errorf("%w: %q", ErrInvalidCommand, row)
	}
	return nil
}

func parseHead(head []byte) (*Frame, error) {
	frame := &Frame{}
	for _, line := range bytes.Split(head, []byte{newline}) {
		row := string(bytes.TrimSuffix(line, []byte{cr}))
		key, value, found := strings.Cut(row, ":")
		if found {
			key = strings.TrimSpace(key)
			if key == "" {
				return nil, fmt.Errorf("%w: empty header name in %q", ErrInvalidFrameFormat, row)
			}
			if _, exists := frame.Header.Contains(key); !exists {
				frame.Header.Add(key, strings.TrimSpace(value))
			}
			continue
		}
		if frame.Command != 0 {
			return nil, fmt.Errorf("%w: unexpected row %q", ErrInvalidFrameFormat, row)
		}
		cmd, ok := ParseCommand(row)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidCommand, row)
		}
		frame.Command = cmd
	}
	if frame.Command == 0 {
		return nil, fmt.Errorf("%w: missing command row", ErrInvalidCommand)
	}
	return frame, nil
}

// Decoder accumulates inbound chunks and yields frames as they complete.
// After a framing error the decoder stays failed; the stream has to be
// discarded together with its connection.
type Decoder struct {
	buf  []byte
	err  error
	wait bodyWait
}

// bodyWait describes a buffered frame whose header is complete but whose
// body is not. Chunks that cannot finish it skip the decode.
type bodyWait struct {
	active bool
	start  int
	// need is the buffer length that completes a content-length body
	need int
}

func (w bodyWait) blocks(buf, chunk []byte) bool {
	if !w.active {
		return false
	}
	if w.need > 0 {
		return len(buf) < w.need
	}
	return bytes.IndexByte(chunk, nullByte) < 0 && len(buf)-w.start <= MaxBodySize
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends chunk to the pending bytes and returns every frame completed
// by it. Frames decoded before an error in the same chunk are still returned.
func (d *Decoder) Feed(chunk []byte) ([]*Frame, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.buf = append(d.buf, chunk...)
	if d.wait.blocks(d.buf, chunk) {
		return nil, nil
	}

	frames, consumed, err := Decode(d.buf)
	if consumed > 0 {
		n := copy(d.buf, d.buf[consumed:])
		d.buf = d.buf[:n]
	}
	if err != nil {
		d.err = err
		d.buf = nil
		d.wait = bodyWait{}
		return frames, err
	}
	d.wait = pendingBody(d.buf)
	return frames, nil
}

// pendingBody inspects the incomplete frame at the start of buf
func pendingBody(buf []byte) bodyWait {
	if len(buf) == 0 {
		return bodyWait{}
	}
	headerLen, bodyStart := headerSection(buf)
	if bodyStart < 0 {
		return bodyWait{}
	}
	frame, err := parseHead(buf[:headerLen])
	if err != nil {
		return bodyWait{}
	}
	length, ok, err := frame.Header.ContentLength()
	if err != nil {
		return bodyWait{}
	}
	if ok {
		return bodyWait{active: true, start: bodyStart, need: bodyStart + length + 1}
	}
	return bodyWait{active: true, start: bodyStart}
}

// Buffered returns the number of bytes held for an incomplete frame
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Reset drops buffered bytes and any sticky error
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.err = nil
	d.wait = bodyWait{}
}
