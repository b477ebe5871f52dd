// go-nearnet - Nearby device connectivity network
// Copyright (c) 2026 The go-nearnet Authors. All rights reserved.

package lan

import (
	"bufio"
	"errors"
	"io"
	"net"
	"time"

	"github.com/nearnet/go-nearnet/wire"
)

// maxEnvelopeSize bounds a single newline-delimited envelope on the wire. A
// sealed clipboard still fits comfortably; anything larger is hostile.
const maxEnvelopeSize = 1024 * 1024

// errEnvelopeStream is returned when the underlying stream ends cleanly. A
// frame exceeding the size bound or a read error surfaces as the scanner's
// own error instead.
var errEnvelopeStream = errors.New("envelope stream broken")

// newScanner wraps a connection into a line scanner sized for envelopes.
// Every envelope travels as one JSON document terminated by a newline.
func newScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxEnvelopeSize)
	return scanner
}

// readEnvelope reads and decodes the next envelope off the scanner.
func readEnvelope(scanner *bufio.Scanner) (*wire.Envelope, error) {
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		return nil, errEnvelopeStream
	}
	return wire.Deserialize(scanner.Bytes())
}

// writeEnvelope encodes and writes one envelope onto the connection, bounded
// by the given deadline.
func writeEnvelope(conn net.Conn, env *wire.Envelope, timeout time.Duration) error {
	blob, err := env.Serialize()
	if err != nil {
		return err
	}
	if timeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
		defer conn.SetWriteDeadline(time.Time{})
	}
	_, err = conn.Write(append(blob, '\n'))
	return err
}
