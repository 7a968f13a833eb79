// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package h1

import (
	"bufio"
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestReadInputResponse(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 2\r\nX-Test: yes\r\n\r\nok"

	in, err := ReadInput(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatal(err)
	}

	if in.FirstLine() != "HTTP/1.1 200 OK" {
		t.Errorf("unexpected first line: %q", in.FirstLine())
	}
	if v, ok := in.Header("x-test"); !ok || v != "yes" {
		t.Errorf("header lookup failed: %q, %t", v, ok)
	}
	if cl, ok := in.ContentLength(); !ok || cl != 2 {
		t.Errorf("unexpected content length: %d, %t", cl, ok)
	}

	body, err := in.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "ok" {
		t.Errorf("unexpected body: %q", body)
	}
}

func TestReadAllTruncated(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nok"

	in, err := ReadInput(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatal(err)
	}

	body, err := in.ReadAll()
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
	if string(body) != "ok" {
		t.Errorf("partial body not preserved: %q", body)
	}
}

func TestReadAllUntilEOF(t *testing.T) {
	payload := strings.Repeat("x", 3*readChunkSize+17)
	raw := "HTTP/1.1 200 OK\r\n\r\n" + payload

	in, err := ReadInput(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatal(err)
	}

	body, err := in.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != payload {
		t.Errorf("body differs: %d bytes from %d", len(body), len(payload))
	}
}

func TestBestCompression(t *testing.T) {
	tests := []struct {
		accept string
		want   string
	}{
		{"gzip", "gzip"},
		{"GZIP", "gzip"},
		{"deflate, gzip;q=0.8", "gzip"},
		{"deflate", ""},
		{"", ""},
	}

	for _, tt := range tests {
		raw := "GET / HTTP/1.1\r\n"
		if tt.accept != "" {
			raw += "Accept-Encoding: " + tt.accept + "\r\n"
		}
		raw += "\r\n"

		in, err := ReadInput(bufio.NewReader(strings.NewReader(raw)))
		if err != nil {
			t.Fatal(err)
		}
		if got := in.BestCompression(); got != tt.want {
			t.Errorf("BestCompression(%q) = %q, expected %q", tt.accept, got, tt.want)
		}
	}
}

func TestParseStatus(t *testing.T) {
	if code, err := ParseStatus("HTTP/1.1 503 Service unavailable"); err != nil || code != 503 {
		t.Errorf("unexpected parse result: %d, %v", code, err)
	}
	if _, err := ParseStatus("garbage"); err == nil {
		t.Error("expected an error for a malformed status line")
	}
}

func TestParseRequestLine(t *testing.T) {
	method, path, query, err := ParseRequestLine("GET /svc?a=b HTTP/1.1")
	if err != nil {
		t.Fatal(err)
	}
	if method != "GET" || path != "/svc" || query != "a=b" {
		t.Errorf("unexpected parts: %q %q %q", method, path, query)
	}
}

func TestBuildRequests(t *testing.T) {
	get := BuildGet("example.com", "svc", []byte("a=b"))
	if !bytes.HasPrefix(get, []byte("GET /svc?a=b HTTP/1.1\r\n")) {
		t.Errorf("unexpected GET head: %q", get)
	}
	if !bytes.Contains(get, []byte("Host: example.com\r\n")) {
		t.Errorf("GET misses Host header: %q", get)
	}

	post := BuildPost("example.com", "svc", []byte("a=b"))
	if !bytes.Contains(post, []byte("Content-Length: 3\r\n")) {
		t.Errorf("POST misses Content-Length: %q", post)
	}
	if !bytes.HasSuffix(post, []byte("\r\na=b")) {
		t.Errorf("POST body misplaced: %q", post)
	}

	full := BuildFull("example.com", "svc", []byte{0x00, 0x01})
	if bytes.Contains(full, []byte("Content-Type")) {
		t.Errorf("full-form request must not carry a content type: %q", full)
	}
	if !bytes.HasSuffix(full, []byte{'\r', '\n', 0x00, 0x01}) {
		t.Errorf("full-form body misplaced: %q", full)
	}
}
