package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func stubDiagnostics(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/connection", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"state":"connected","quality":"good","exhausted":false}`))
	})
	mux.HandleFunc("/api/queues", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"depths":{"sess-1":3}}`))
	})
	mux.HandleFunc("/api/deadletter", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"count":2}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestStatusCmd(t *testing.T) {
	srv := stubDiagnostics(t)

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"status", "--url", srv.URL})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("status failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "Connection: connected (quality: good)") {
		t.Errorf("output = %s", out)
	}
	if !strings.Contains(out, "sess-1: 3 pending") {
		t.Errorf("output = %s", out)
	}
	if !strings.Contains(out, "Dead letters: 2") {
		t.Errorf("output = %s", out)
	}
}

func TestStatusCmd_EmptyQueues(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/connection", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"state":"disconnected","quality":"offline","exhausted":true}`))
	})
	mux.HandleFunc("/api/queues", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"depths":{}}`))
	})
	mux.HandleFunc("/api/deadletter", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"count":0}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"status", "--url", srv.URL})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("status failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "Queues: empty") {
		t.Errorf("output = %s", out)
	}
	if !strings.Contains(out, "exhausted") {
		t.Errorf("output = %s", out)
	}
}

func TestStatusCmd_Unreachable(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"status", "--url", "http://127.0.0.1:1"})

	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error for unreachable bridge")
	}
}
