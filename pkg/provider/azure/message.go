package azure

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Header names used by the Speech websocket protocol.
const (
	hdrPath        = "Path"
	hdrRequestID   = "X-RequestId"
	hdrTimestamp   = "X-Timestamp"
	hdrContentType = "Content-Type"
)

var errMalformed = errors.New("azure: malformed message")

// message is one protocol frame with its header block.
type message struct {
	headers map[string]string
	body    []byte
}

func newMessage(path, requestID, contentType string, body []byte) message {
	m := message{
		headers: map[string]string{
			hdrPath:      path,
			hdrRequestID: requestID,
			hdrTimestamp: time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		},
		body: body,
	}
	if contentType != "" {
		m.headers[hdrContentType] = contentType
	}
	return m
}

func (m message) path() string      { return m.headers[hdrPath] }
func (m message) requestID() string { return m.headers[hdrRequestID] }

// headerBlock renders headers in a stable order, each line CRLF-terminated.
func (m message) headerBlock() []byte {
	var b bytes.Buffer
	for _, k := range []string{hdrPath, hdrRequestID, hdrTimestamp, hdrContentType} {
		if v, ok := m.headers[k]; ok {
			b.WriteString(k + ": " + v + "\r\n")
		}
	}
	for k, v := range m.headers {
		switch k {
		case hdrPath, hdrRequestID, hdrTimestamp, hdrContentType:
			continue
		}
		b.WriteString(k + ": " + v + "\r\n")
	}
	return b.Bytes()
}

// text encodes m as a text frame: headers, a blank line, then the body.
func (m message) text() []byte {
	h := m.headerBlock()
	out := make([]byte, 0, len(h)+2+len(m.body))
	out = append(out, h...)
	out = append(out, "\r\n"...)
	return append(out, m.body...)
}

// binary encodes m as a binary frame: a big-endian uint16 header length,
// the header block, then the payload.
func (m message) binary() []byte {
	h := m.headerBlock()
	out := make([]byte, 2, 2+len(h)+len(m.body))
	binary.BigEndian.PutUint16(out, uint16(len(h)))
	out = append(out, h...)
	return append(out, m.body...)
}

// parseText decodes a text frame.
func parseText(frame []byte) (message, error) {
	head, body, ok := bytes.Cut(frame, []byte("\r\n\r\n"))
	if !ok {
		return message{}, fmt.Errorf("%w: no header terminator", errMalformed)
	}
	h, err := parseHeaders(head)
	if err != nil {
		return message{}, err
	}
	return message{headers: h, body: body}, nil
}

// parseBinary decodes a binary frame.
func parseBinary(frame []byte) (message, error) {
	if len(frame) < 2 {
		return message{}, fmt.Errorf("%w: short binary frame", errMalformed)
	}
	n := int(binary.BigEndian.Uint16(frame))
	if len(frame) < 2+n {
		return message{}, fmt.Errorf("%w: header length %d exceeds frame", errMalformed, n)
	}
	h, err := parseHeaders(bytes.TrimRight(frame[2:2+n], "\r\n"))
	if err != nil {
		return message{}, err
	}
	return message{headers: h, body: frame[2+n:]}, nil
}

func parseHeaders(block []byte) (map[string]string, error) {
	h := make(map[string]string)
	for _, line := range strings.Split(string(block), "\r\n") {
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("%w: header line %q", errMalformed, line)
		}
		h[canonicalHeader(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	if h[hdrPath] == "" {
		return nil, fmt.Errorf("%w: missing Path", errMalformed)
	}
	return h, nil
}

// canonicalHeader folds the protocol headers to their canonical spelling so
// lookups are case-insensitive.
func canonicalHeader(k string) string {
	for _, c := range []string{hdrPath, hdrRequestID, hdrTimestamp, hdrContentType} {
		if strings.EqualFold(k, c) {
			return c
		}
	}
	return k
}

// newRequestID returns a dashless uppercase UUID, the service's id form.
func newRequestID() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
}
