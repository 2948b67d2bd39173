package azure

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
)

func TestMessage_TextRoundTrip(t *testing.T) {
	t.Parallel()
	m := newMessage("ssml", "ABC", "application/ssml+xml", []byte("<speak/>"))
	frame := m.text()

	if !bytes.HasPrefix(frame, []byte("Path: ssml\r\nX-RequestId: ABC\r\n")) {
		t.Errorf("frame starts %q", frame[:30])
	}
	got, err := parseText(frame)
	if err != nil {
		t.Fatalf("parseText: %v", err)
	}
	if got.path() != "ssml" || got.requestID() != "ABC" {
		t.Errorf("headers = %v", got.headers)
	}
	if string(got.body) != "<speak/>" {
		t.Errorf("body = %q", got.body)
	}
}

func TestMessage_Binary(t *testing.T) {
	t.Parallel()
	m := newMessage("audio", "R1", "audio/x-wav", []byte{1, 2, 3})
	frame := m.binary()

	n := int(binary.BigEndian.Uint16(frame))
	if !strings.Contains(string(frame[2:2+n]), "Path: audio\r\n") {
		t.Errorf("header block = %q", frame[2:2+n])
	}
	got, err := parseBinary(frame)
	if err != nil {
		t.Fatalf("parseBinary: %v", err)
	}
	if got.requestID() != "R1" || !bytes.Equal(got.body, []byte{1, 2, 3}) {
		t.Errorf("parsed = %v / % x", got.headers, got.body)
	}
}

func TestParseText_CaseInsensitiveHeaders(t *testing.T) {
	t.Parallel()
	got, err := parseText([]byte("path: turn.start\r\nx-requestid: 42\r\n\r\n{}"))
	if err != nil {
		t.Fatalf("parseText: %v", err)
	}
	if got.path() != "turn.start" || got.requestID() != "42" {
		t.Errorf("headers = %v", got.headers)
	}
}

func TestParse_Malformed(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		parse func([]byte) (message, error)
		frame []byte
	}{
		{"no terminator", parseText, []byte("Path: x\r\n")},
		{"no path", parseText, []byte("X-RequestId: 1\r\n\r\n")},
		{"bad header line", parseText, []byte("Path: x\r\nnonsense\r\n\r\n")},
		{"short binary", parseBinary, []byte{0}},
		{"binary header overflow", parseBinary, []byte{0, 50, 'P'}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := tt.parse(tt.frame); !errors.Is(err, errMalformed) {
				t.Errorf("err = %v, want errMalformed", err)
			}
		})
	}
}

func TestNewRequestID(t *testing.T) {
	t.Parallel()
	id := newRequestID()
	if len(id) != 32 || strings.ContainsAny(id, "-abcdef") {
		t.Errorf("id = %q, want 32 uppercase hex chars", id)
	}
	if id == newRequestID() {
		t.Error("ids repeat")
	}
}
