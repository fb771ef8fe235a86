// Package sk implements the SK-module wire protocol: a line-oriented,
// half-duplex command/event framer over a serial byte stream, plus the
// command dispatcher and event bus built on top of it.
package sk

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

type frameKind int

const (
	frameLine frameKind = iota
	frameBinary
)

// frame is either a CRLF-terminated text line (CRLF stripped) or an
// opaque binary payload run of the length announced by the preceding
// ERXUDP line (binary payload mode only).
type frame struct {
	kind frameKind
	line string
	data []byte
}

// lineReader splits a mixed ASCII/binary stream: the reader tracks a
// pending-binary-length counter; while it is non-zero, exactly that
// many bytes are consumed
// as a single opaque payload frame and CRLF splitting is suspended.
// The counter is set only when a parsed line is an ERXUDP event and
// the reader is in binary payload mode (the mode reported by ROPT); in
// ASCII payload mode (the mode this library selects via WOPT 01) the
// payload rides inline as hex text on the ERXUDP line itself and no
// binary run ever follows, so binaryMode defaults to false and is only
// flipped on by a caller that has confirmed (or failed to rule out)
// that the module is still in binary mode.
type lineReader struct {
	r             *bufio.Reader
	binaryMode    bool
	pendingBinary int
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{r: bufio.NewReaderSize(r, 4096)}
}

func (lr *lineReader) setBinaryMode(on bool) {
	lr.binaryMode = on
}

func (lr *lineReader) next() (frame, error) {
	if lr.pendingBinary > 0 {
		buf := make([]byte, lr.pendingBinary)
		if _, err := io.ReadFull(lr.r, buf); err != nil {
			return frame{}, err
		}
		lr.pendingBinary = 0
		return frame{kind: frameBinary, data: buf}, nil
	}

	raw, err := lr.r.ReadBytes('\n')
	if err != nil {
		return frame{}, err
	}
	line := strings.TrimRight(string(raw), "\r\n")

	if lr.binaryMode {
		if n, ok := erxudpBinaryLength(line); ok {
			lr.pendingBinary = n
		}
	}
	return frame{kind: frameLine, line: line}, nil
}

// erxudpBinaryLength reports the byte count announced by an ERXUDP
// line's trailing DATALEN field, valid only while in binary payload
// mode (no inline hex payload follows on the same line in that mode).
func erxudpBinaryLength(line string) (int, bool) {
	if !strings.HasPrefix(line, "ERXUDP ") {
		return 0, false
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return 0, false
	}
	n, err := strconv.ParseInt(fields[len(fields)-1], 16, 32)
	if err != nil {
		return 0, false
	}
	return int(n), true
}
