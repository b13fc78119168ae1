package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/agncf/confbackup/internal/db"
	"github.com/agncf/confbackup/internal/inventory"
)

func testClient(srv *httptest.Server) *Worker {
	return &Worker{Client: srv.Client()}
}

func TestBackupPANOS(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch q.Get("type") {
		case "keygen":
			w.Write([]byte(`<response><result><key>LUFRPT123</key></result></response>`))
		case "export":
			if q.Get("key") != "LUFRPT123" {
				t.Fatalf("export called with wrong key: %s", q.Get("key"))
			}
			w.Write([]byte(`<config version="10.1.0">set deviceconfig</config>`))
		default:
			t.Fatalf("unexpected request type: %s", q.Get("type"))
		}
	}))
	defer srv.Close()

	host := strings.TrimPrefix(srv.URL, "https://")
	w := testClient(srv)
	snap := inventory.DeviceSnapshot{
		Hostname: "fw1", DeviceID: 1, IP: host, Platform: db.PlatformPANOS,
		Username: "admin", Password: "secret",
	}

	res, err := w.Backup(t.Context(), snap)
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if !strings.Contains(res.ConfigText, "set deviceconfig") {
		t.Fatalf("unexpected config text: %q", res.ConfigText)
	}
	if res.SHA256 == "" {
		t.Fatalf("expected non-empty hash")
	}
}

func TestBackupFortiOS(t *testing.T) {
	var sawCSRF string
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/logincheck":
			http.SetCookie(w, &http.Cookie{Name: "ccsrftoken", Value: `"tok-abc"`})
			http.SetCookie(w, &http.Cookie{Name: "APSCOOKIE_login", Value: "sessionval"})
			w.Write([]byte("1"))
		case r.URL.Path == "/api/v2/monitor/system/config/backup":
			sawCSRF = r.Header.Get("X-CSRFTOKEN")
			w.Write([]byte("#config-version=FGT\nconfig system global\nend\n"))
		case r.URL.Path == "/logout":
			w.WriteHeader(http.StatusOK)
		default:
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	host := strings.TrimPrefix(srv.URL, "https://")
	w := testClient(srv)
	snap := inventory.DeviceSnapshot{
		Hostname: "fw2", DeviceID: 2, IP: host, Platform: db.PlatformFortiOS,
		Username: "admin", Password: "secret",
	}

	res, err := w.Backup(t.Context(), snap)
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if sawCSRF != "tok-abc" {
		t.Fatalf("expected csrf token tok-abc, got %q", sawCSRF)
	}
	if !strings.Contains(res.ConfigText, "config system global") {
		t.Fatalf("unexpected config text: %q", res.ConfigText)
	}
}

func TestBackupFortiOSWithoutCSRFCookieSendsNoHeader(t *testing.T) {
	headerSeen := false
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/logincheck":
			w.Write([]byte("1"))
		case r.URL.Path == "/api/v2/monitor/system/config/backup":
			if r.Header.Get("X-CSRFTOKEN") != "" {
				headerSeen = true
			}
			w.Write([]byte("config system global\nend\n"))
		case r.URL.Path == "/logout":
			w.WriteHeader(http.StatusOK)
		default:
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	host := strings.TrimPrefix(srv.URL, "https://")
	w := testClient(srv)
	snap := inventory.DeviceSnapshot{
		Hostname: "fw3", DeviceID: 3, IP: host, Platform: db.PlatformFortiOS,
		Username: "admin", Password: "secret",
	}

	if _, err := w.Backup(t.Context(), snap); err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if headerSeen {
		t.Fatalf("expected no X-CSRFTOKEN header when ccsrftoken cookie is absent")
	}
}

func TestBackupPANOSMissingKeyFails(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<response><result></result></response>`))
	}))
	defer srv.Close()

	host := strings.TrimPrefix(srv.URL, "https://")
	w := testClient(srv)
	snap := inventory.DeviceSnapshot{
		Hostname: "fw4", DeviceID: 4, IP: host, Platform: db.PlatformPANOS,
		Username: "admin", Password: "secret",
	}

	if _, err := w.Backup(t.Context(), snap); err == nil {
		t.Fatalf("expected error for missing keygen key")
	}
}

func TestBackupUnsupportedPlatform(t *testing.T) {
	w := NewWorker()
	snap := inventory.DeviceSnapshot{Hostname: "r1", Platform: db.PlatformIOS}
	if _, err := w.Backup(t.Context(), snap); err == nil {
		t.Fatalf("expected error for non-API platform")
	}
}
