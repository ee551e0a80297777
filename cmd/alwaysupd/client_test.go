// SPDX-License-Identifier: MIT

package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
)

func testHostPort(t *testing.T, srv *httptest.Server) (string, string) {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parsing test server URL: %v", err)
	}
	host, port, err := splitHostPort(u.Host)
	if err != nil {
		t.Fatalf("splitting host:port: %v", err)
	}
	return host, port
}

func splitHostPort(hostport string) (string, string, error) {
	i := strings.LastIndex(hostport, ":")
	if i < 0 {
		return hostport, "", nil
	}
	return hostport[:i], hostport[i+1:], nil
}

func TestShutdownDaemon(t *testing.T) {
	var called bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/manager/shutdown" {
			t.Errorf("path = %s, want /manager/shutdown", r.URL.Path)
		}
		called = true
		_ = json.NewEncoder(w).Encode(map[string]string{"detail": "shutting down"})
	}))
	defer srv.Close()

	host, port := testHostPort(t, srv)
	portNum, _ := strconv.Atoi(port)

	if err := shutdownDaemon([]string{"--host", host, "--port", strconv.Itoa(portNum)}); err != nil {
		t.Fatalf("shutdownDaemon() error = %v", err)
	}
	if !called {
		t.Error("shutdown endpoint was never called")
	}
}

func TestPrintStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"state":              "RUNNING",
			"state_since_human":  "2m ago",
			"state_since_seconds": 120.0,
			"services":           map[string]any{},
		})
	}))
	defer srv.Close()

	host, port := testHostPort(t, srv)
	if err := printStatus([]string{"--host", host, "--port", port}); err != nil {
		t.Fatalf("printStatus() error = %v", err)
	}
}

func TestScaleServiceRequiresArgs(t *testing.T) {
	if err := scaleService([]string{}); err == nil {
		t.Fatal("scaleService() with no args should error")
	}
}

func TestScaleServiceSendsWorkers(t *testing.T) {
	var gotBody map[string]int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/services/echo/scale" {
			t.Errorf("path = %s, want /services/echo/scale", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]int{"workers": gotBody["workers"]})
	}))
	defer srv.Close()

	host, port := testHostPort(t, srv)
	if err := scaleService([]string{"--host", host, "--port", port, "echo", "3"}); err != nil {
		t.Fatalf("scaleService() error = %v", err)
	}
	if gotBody["workers"] != 3 {
		t.Errorf("workers = %d, want 3", gotBody["workers"])
	}
}

func TestAddServiceFlagsOnly(t *testing.T) {
	var gotBody addServiceBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"name": gotBody.Name})
	}))
	defer srv.Close()

	host, port := testHostPort(t, srv)
	err := addService([]string{
		"--host", host, "--port", port,
		"--name", "echo", "--program", "/bin/echo", "--args", "hello world", "--workers", "2",
	})
	if err != nil {
		t.Fatalf("addService() error = %v", err)
	}
	if gotBody.Name != "echo" || gotBody.Program != "/bin/echo" {
		t.Errorf("gotBody = %+v", gotBody)
	}
	if len(gotBody.Args) != 2 || gotBody.Args[0] != "hello" {
		t.Errorf("gotBody.Args = %v, want [hello world]", gotBody.Args)
	}
}

func TestAddServiceRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{"detail": "service already exist"})
	}))
	defer srv.Close()

	host, port := testHostPort(t, srv)
	err := addService([]string{"--host", host, "--port", port, "--name", "dup", "--program", "/bin/true"})
	if err == nil {
		t.Fatal("addService() should return an error on a non-2xx response")
	}
}
