package stt

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestDeepgram_NoKey(t *testing.T) {
	c := NewDeepgramClient("", "")
	if _, err := c.Transcribe(context.Background(), []float32{0.1}, 16000); err == nil {
		t.Fatalf("expected error with missing key")
	}
}

func TestDeepgram_EmptyAudioIsEmptyText(t *testing.T) {
	c := NewDeepgramClient("key", "")
	text, err := c.Transcribe(context.Background(), nil, 16000)
	if err != nil || text != "" {
		t.Fatalf("text=%q err=%v", text, err)
	}
}

func TestDeepgram_Transcribe(t *testing.T) {
	var gotBody int
	var gotAuth, gotEncoding string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = len(b)
		gotAuth = r.Header.Get("Authorization")
		gotEncoding = r.URL.Query().Get("encoding")
		_, _ = w.Write([]byte(`{"results":{"channels":[{"alternatives":[{"transcript":" build a login page "}]}]}}`))
	}))
	defer srv.Close()

	c := NewDeepgramClient("key", "nova-2")
	c.HTTPClient = &http.Client{Timeout: time.Second, Transport: roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		req.URL.Scheme = "http"
		req.URL.Host = srv.Listener.Addr().String()
		return http.DefaultTransport.RoundTrip(req)
	})}

	text, err := c.Transcribe(context.Background(), []float32{0.1, -0.2, 0.3}, 16000)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "build a login page" {
		t.Fatalf("text = %q", text)
	}
	if gotBody != 6 {
		t.Fatalf("body bytes = %d, want 6", gotBody)
	}
	if gotAuth != "Token key" || gotEncoding != "linear16" {
		t.Fatalf("auth=%q encoding=%q", gotAuth, gotEncoding)
	}
}

func TestDeepgram_NoAlternativesIsEmptyText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results":{"channels":[]}}`))
	}))
	defer srv.Close()

	c := NewDeepgramClient("key", "")
	c.HTTPClient = &http.Client{Timeout: time.Second, Transport: roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		req.URL.Scheme = "http"
		req.URL.Host = srv.Listener.Addr().String()
		return http.DefaultTransport.RoundTrip(req)
	})}

	text, err := c.Transcribe(context.Background(), []float32{0.1}, 16000)
	if err != nil || text != "" {
		t.Fatalf("text=%q err=%v", text, err)
	}
}
