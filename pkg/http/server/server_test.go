package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/tzrikka/velum/internal/config"
)

func testServer() *httpServer {
	return New(config.ServerConfig{
		UserID: uuid.MustParse("e5185305-1984-4084-81e0-f77271159c62"),
		Credit: "test-credit",
		Port:   config.DefaultPort,
	})
}

func TestRoutes(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "landing_page",
			method:     http.MethodGet,
			path:       "/",
			wantStatus: http.StatusOK,
			wantBody:   "/config",
		},
		{
			name:       "config_page",
			method:     http.MethodGet,
			path:       "/config",
			wantStatus: http.StatusOK,
			wantBody:   "vless://e5185305-1984-4084-81e0-f77271159c62@",
		},
		{
			name:       "config_page_by_uuid",
			method:     http.MethodGet,
			path:       "/e5185305-1984-4084-81e0-f77271159c62",
			wantStatus: http.StatusOK,
			wantBody:   "vless://",
		},
		{
			name:       "status",
			method:     http.MethodGet,
			path:       "/status",
			wantStatus: http.StatusOK,
			wantBody:   `"status"`,
		},
		{
			name:       "api_status",
			method:     http.MethodGet,
			path:       "/api/status",
			wantStatus: http.StatusOK,
			wantBody:   `"status"`,
		},
		{
			name:       "unknown_path",
			method:     http.MethodGet,
			path:       "/nope",
			wantStatus: http.StatusNotFound,
			wantBody:   "Not found",
		},
		{
			name:       "wrong_uuid_path",
			method:     http.MethodGet,
			path:       "/11111111-2222-4333-8444-555555555555",
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "post_falls_through_to_404",
			method:     http.MethodPost,
			path:       "/config",
			wantStatus: http.StatusNotFound,
			wantBody:   "Not found",
		},
		{
			name:       "delete_falls_through_to_404",
			method:     http.MethodDelete,
			path:       "/",
			wantStatus: http.StatusNotFound,
		},
	}

	s := testServer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(tt.method, tt.path, nil)
			w := httptest.NewRecorder()
			s.Handler().ServeHTTP(w, r)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantBody != "" && !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("body does not contain %q:\n%s", tt.wantBody, w.Body.String())
			}
		})
	}
}

func TestStatusShape(t *testing.T) {
	s := testServer()
	r := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)

	var got map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("status response is not JSON: %v", err)
	}

	if got["status"] != "ok" {
		t.Errorf(`status field = %q, want "ok"`, got["status"])
	}
	if got["uuid"] != "e5185305-1984-4084-81e0-f77271159c62" {
		t.Errorf("uuid field = %q", got["uuid"])
	}
	if got["timestamp"] == "" {
		t.Error("timestamp field is empty")
	}
}

func TestVlessURL(t *testing.T) {
	s := testServer()
	got := s.vlessURL("relay.example.com")
	want := "vless://e5185305-1984-4084-81e0-f77271159c62@relay.example.com:443" +
		"?encryption=none&security=tls&sni=relay.example.com&fp=chrome&type=ws" +
		"&host=relay.example.com&path=%2F%3Fed%3D2048#test-credit"
	if got != want {
		t.Errorf("vlessURL() = %q, want %q", got, want)
	}
}

func TestClashConfig(t *testing.T) {
	s := testServer()
	got := s.clashConfig("relay.example.com")

	for _, want := range []string{
		"type: vless",
		"server: relay.example.com",
		"uuid: e5185305-1984-4084-81e0-f77271159c62",
		"network: ws",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("clashConfig() does not contain %q:\n%s", want, got)
		}
	}
}

func TestSingBoxConfig(t *testing.T) {
	s := testServer()

	var got map[string]any
	if err := json.Unmarshal([]byte(s.singBoxConfig("relay.example.com")), &got); err != nil {
		t.Fatalf("singBoxConfig() is not JSON: %v", err)
	}
	if got["type"] != "vless" {
		t.Errorf(`type field = %v, want "vless"`, got["type"])
	}
	if got["server"] != "relay.example.com" {
		t.Errorf("server field = %v", got["server"])
	}
}

func TestHostname(t *testing.T) {
	tests := []struct {
		name string
		host string
		want string
	}{
		{
			name: "bare_host",
			host: "relay.example.com",
			want: "relay.example.com",
		},
		{
			name: "host_with_port",
			host: "relay.example.com:8000",
			want: "relay.example.com",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.Host = tt.host
			if got := hostname(r); got != tt.want {
				t.Errorf("hostname() = %q, want %q", got, tt.want)
			}
		})
	}
}
