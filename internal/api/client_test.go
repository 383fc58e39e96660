package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"decloud/internal/model"
)

func TestClient_ErrorIncludesBody(t *testing.T) {
	t.Parallel()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"nope"}`))
	}))
	defer s.Close()

	c := NewClient(s.URL)
	_, err := c.Register(context.Background(), RegisterRequest{Name: "n"})
	if err == nil {
		t.Fatalf("expected error")
	}
	got := err.Error()
	if want := "400"; !strings.Contains(got, want) {
		t.Fatalf("error missing status: %q", got)
	}
	if want := `"error":"nope"`; !strings.Contains(got, want) {
		t.Fatalf("error missing body: %q", got)
	}
	var herr *HTTPError
	if !errors.As(err, &herr) || herr.Message() != "nope" {
		t.Fatalf("err=%v", err)
	}
}

func TestClient_StatusMapsToSentinel(t *testing.T) {
	t.Parallel()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/connect/ghost":
			w.WriteHeader(http.StatusNotFound)
		case "/container/exec":
			w.WriteHeader(http.StatusUnauthorized)
		default:
			w.WriteHeader(http.StatusGatewayTimeout)
		}
		_, _ = w.Write([]byte(`{"error":"x"}`))
	}))
	defer s.Close()

	c := NewClient(s.URL + "/")
	if _, err := c.Connect(context.Background(), "ghost", ConnectRequest{}); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("connect err=%v", err)
	}
	if _, err := c.Exec(context.Background(), ExecRequest{ContainerID: "c"}); !errors.Is(err, model.ErrUnauthorized) {
		t.Fatalf("exec err=%v", err)
	}
	if _, err := c.RemoteExec(context.Background(), "p", ExecRequest{}); !errors.Is(err, model.ErrTimeout) {
		t.Fatalf("remote exec err=%v", err)
	}
}

func TestClient_RegisterAndDeregisterBodies(t *testing.T) {
	t.Parallel()

	bodies := make(chan map[string]any, 2)
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var m map[string]any
		_ = json.NewDecoder(r.Body).Decode(&m)
		bodies <- m
		_, _ = w.Write([]byte(`{"status":"registered","token":"t1"}`))
	}))
	defer s.Close()

	c := NewClient(s.URL)
	rec := RegisterRequest{Name: "n1", Resources: model.Resources{TotalRAM: 8, AvailableRAM: 4, GPU: "none"}}
	resp, err := c.Register(context.Background(), rec)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if resp.Token != "t1" {
		t.Fatalf("resp=%+v", resp)
	}
	got := <-bodies
	if got["name"] != "n1" || got["availableRam"] != float64(4) || got["gpu"] != "none" {
		t.Fatalf("body=%v", got)
	}
	if _, ok := got["deregister"]; ok {
		t.Fatalf("register carries deregister: %v", got)
	}

	if err := c.Deregister(context.Background(), "n1", "t1"); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	got = <-bodies
	if got["name"] != "n1" || got["deregister"] != true || got["token"] != "t1" {
		t.Fatalf("body=%v", got)
	}
}

func TestClient_CheckAllocationDecodesInsufficient(t *testing.T) {
	t.Parallel()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"canAllocate":false,"suitablePeers":[],"totalAvailable":{"ram":0,"storage":0,"cpu":0,"gpu":0},"requested":{},"error":"insufficient resources"}`))
	}))
	defer s.Close()

	resp, err := NewClient(s.URL).CheckAllocation(context.Background(), model.AllocationRequest{})
	if err != nil {
		t.Fatalf("CheckAllocation: %v", err)
	}
	if resp.CanAllocate || resp.Error != "insufficient resources" {
		t.Fatalf("resp=%+v", resp)
	}
}

func TestClient_HealthTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer s.Close()
	defer close(release)

	c := NewClient(s.URL, WithHealthTimeout(50*time.Millisecond))
	start := time.Now()
	_, err := c.Health(context.Background())
	if !errors.Is(err, model.ErrTimeout) {
		t.Fatalf("err=%v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("health timeout not applied")
	}
}
