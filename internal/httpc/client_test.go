package httpc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy","count":3}`))
	}))
	defer srv.Close()

	var out struct {
		Status string `json:"status"`
		Count  int    `json:"count"`
	}
	if err := GetJSON(context.Background(), nil, srv.URL+"/ok", &out); err != nil {
		t.Fatalf("GetJSON() error = %v", err)
	}
	if out.Status != "healthy" || out.Count != 3 {
		t.Errorf("decoded = %+v", out)
	}

	if err := GetJSON(context.Background(), srv.Client(), srv.URL+"/missing", &out); err == nil {
		t.Error("expected error for 404")
	}
}

func TestNewClientTimeout(t *testing.T) {
	c := NewClient(DefaultConnectTimeout)
	if c.Timeout != DefaultConnectTimeout {
		t.Errorf("Timeout = %v, want %v", c.Timeout, DefaultConnectTimeout)
	}
}
