package policygateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"
)

func gatewayFor(t *testing.T, srv *httptest.Server) *Gateway {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parsing test server url: %v", err)
	}
	port, _ := strconv.Atoi(u.Port())
	return New(Config{
		Enabled:    true,
		Host:       u.Hostname(),
		Port:       port,
		PolicyPath: "tokenauthority",
		Timeout:    time.Second,
	}, nil)
}

func TestDecide_DisabledAlwaysAllows(t *testing.T) {
	g := New(Config{Enabled: false}, nil)
	allowed, err := g.Decide(context.Background(), "allow_auth_code", nil)
	if err != nil || !allowed {
		t.Fatalf("disabled gateway: allowed=%v err=%v, want allow", allowed, err)
	}
}

func TestDecide_ResultHonored(t *testing.T) {
	for _, want := range []bool{true, false} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				t.Errorf("method = %s, want POST", r.Method)
			}
			if want {
				w.Write([]byte(`{"result": true}`))
			} else {
				w.Write([]byte(`{"result": false}`))
			}
		}))
		g := gatewayFor(t, srv)
		allowed, err := g.Decide(context.Background(), "allow_auth_code", map[string]any{"client_id": "c"})
		srv.Close()
		if err != nil {
			t.Fatalf("decide: %v", err)
		}
		if allowed != want {
			t.Errorf("allowed = %v, want %v", allowed, want)
		}
	}
}

func TestDecide_UndefinedRuleFallsThroughToAllow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	g := gatewayFor(t, srv)
	allowed, err := g.Decide(context.Background(), "no_such_rule", nil)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if !allowed {
		t.Fatal("undefined rule must fall through to allow")
	}
}

func TestDecide_UnreachableFailsClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listening anymore

	g := gatewayFor(t, srv)
	allowed, err := g.Decide(context.Background(), "allow_auth_code", nil)
	if err == nil {
		t.Fatal("expected an error from an unreachable gateway")
	}
	if allowed {
		t.Fatal("unreachable gateway must deny")
	}
}

func TestDecide_ServerErrorFailsClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	g := gatewayFor(t, srv)
	allowed, err := g.Decide(context.Background(), "allow_auth_code", nil)
	if err == nil || allowed {
		t.Fatalf("5xx from gateway: allowed=%v err=%v, want deny with error", allowed, err)
	}
}

func TestQuery_TriState(t *testing.T) {
	g := New(Config{Enabled: false}, nil)
	res, err := g.Query(context.Background(), "requires_approval", nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if res != nil {
		t.Fatal("disabled gateway must return a nil (undefined) result")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result": false}`))
	}))
	defer srv.Close()
	g = gatewayFor(t, srv)
	res, err = g.Query(context.Background(), "requires_approval", nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if res == nil || *res {
		t.Fatalf("result = %v, want explicit false", res)
	}
}

func TestPutData_BestEffortNeverPanics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	srv.Close()

	g := gatewayFor(t, srv)
	// Both calls hit a dead server; neither may panic or return anything.
	g.PutData(context.Background(), "scopes/read_web", map[string]any{"name": "read:web"})
	g.DeleteData(context.Background(), "scopes/read_web")
}
