// Package api implements the asynchronous HTTP backup workers for firewall
// platforms (spec.md §4.F): PAN-OS key-based XML API and FortiOS
// cookie/CSRF session API. TLS verification is disabled because
// air-gapped deployments terminate on self-signed certificates.
package api

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agncf/confbackup/internal/inventory"
)

const requestTimeout = 60 * time.Second

// Result mirrors the CLI worker's record shape (spec.md §4.F).
type Result struct {
	Hostname   string
	DeviceID   int64
	Platform   string
	ConfigText string
	SHA256     string
}

func newInsecureClient() *http.Client {
	return &http.Client{
		Timeout: requestTimeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
}

func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Worker dispatches to the PAN-OS or FortiOS backup path by snapshot
// platform.
type Worker struct {
	Client *http.Client
}

// NewWorker builds a Worker with TLS verification disabled.
func NewWorker() *Worker {
	return &Worker{Client: newInsecureClient()}
}

// Backup retrieves a firewall's running configuration over HTTPS.
func (w *Worker) Backup(ctx context.Context, snap inventory.DeviceSnapshot) (Result, error) {
	var text string
	var err error
	switch snap.Platform {
	case "panos":
		text, err = w.backupPANOS(ctx, snap)
	case "fortios":
		text, err = w.backupFortiOS(ctx, snap)
	default:
		return Result{}, fmt.Errorf("platform %s is not an API device", snap.Platform)
	}
	if err != nil {
		return Result{}, err
	}
	return Result{
		Hostname:   snap.Hostname,
		DeviceID:   snap.DeviceID,
		Platform:   string(snap.Platform),
		ConfigText: text,
		SHA256:     hashText(text),
	}, nil
}

type panosKeygenResponse struct {
	XMLName xml.Name `xml:"response"`
	Result  struct {
		Key string `xml:"key"`
	} `xml:"result"`
}

func (w *Worker) backupPANOS(ctx context.Context, snap inventory.DeviceSnapshot) (string, error) {
	base := "https://" + snap.IP

	keygenURL := fmt.Sprintf("%s/api/?type=keygen&user=%s&passwd=%s",
		base, url.QueryEscape(snap.Username), url.QueryEscape(snap.Password))
	keyResp, err := w.get(ctx, keygenURL)
	if err != nil {
		return "", fmt.Errorf("PAN-OS keygen for %s: %w", snap.Hostname, err)
	}
	defer keyResp.Close()

	body, err := io.ReadAll(keyResp)
	if err != nil {
		return "", fmt.Errorf("reading PAN-OS keygen response for %s: %w", snap.Hostname, err)
	}
	var parsed panosKeygenResponse
	if err := xml.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("parsing PAN-OS keygen response for %s: %w", snap.Hostname, err)
	}
	if strings.TrimSpace(parsed.Result.Key) == "" {
		return "", fmt.Errorf("PAN-OS keygen for %s returned no key", snap.Hostname)
	}

	exportURL := fmt.Sprintf("%s/api/?type=export&category=configuration&key=%s",
		base, url.QueryEscape(parsed.Result.Key))
	exportResp, err := w.get(ctx, exportURL)
	if err != nil {
		return "", fmt.Errorf("PAN-OS config export for %s: %w", snap.Hostname, err)
	}
	defer exportResp.Close()

	text, err := io.ReadAll(exportResp)
	if err != nil {
		return "", fmt.Errorf("reading PAN-OS config export for %s: %w", snap.Hostname, err)
	}
	return string(text), nil
}

func (w *Worker) get(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := w.Client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

func (w *Worker) backupFortiOS(ctx context.Context, snap inventory.DeviceSnapshot) (string, error) {
	base := "https://" + snap.IP

	form := url.Values{"username": {snap.Username}, "secretkey": {snap.Password}}
	loginReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/logincheck", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("building FortiOS login request for %s: %w", snap.Hostname, err)
	}
	loginReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	loginResp, err := w.Client.Do(loginReq)
	if err != nil {
		return "", fmt.Errorf("FortiOS login for %s: %w", snap.Hostname, err)
	}
	defer loginResp.Body.Close()
	io.Copy(io.Discard, loginResp.Body)
	if loginResp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("FortiOS login for %s: status %d", snap.Hostname, loginResp.StatusCode)
	}

	csrfToken := extractCSRFToken(loginResp)

	backupURL := base + "/api/v2/monitor/system/config/backup?scope=global"
	backupReq, err := http.NewRequestWithContext(ctx, http.MethodGet, backupURL, nil)
	if err != nil {
		return "", fmt.Errorf("building FortiOS backup request for %s: %w", snap.Hostname, err)
	}
	if csrfToken != "" {
		backupReq.Header.Set("X-CSRFTOKEN", csrfToken)
	}
	// Explicit no-header path when ccsrftoken is absent (spec.md §9): we do
	// not attempt to derive a token from the response body.

	for _, cookie := range loginResp.Cookies() {
		backupReq.AddCookie(cookie)
	}

	backupResp, err := w.Client.Do(backupReq)
	if err != nil {
		return "", fmt.Errorf("FortiOS config backup for %s: %w", snap.Hostname, err)
	}
	defer backupResp.Body.Close()
	if backupResp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("FortiOS config backup for %s: status %d", snap.Hostname, backupResp.StatusCode)
	}
	text, err := io.ReadAll(backupResp.Body)
	if err != nil {
		return "", fmt.Errorf("reading FortiOS config backup for %s: %w", snap.Hostname, err)
	}

	logoutReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/logout", nil)
	if err == nil {
		for _, cookie := range loginResp.Cookies() {
			logoutReq.AddCookie(cookie)
		}
		if resp, err := w.Client.Do(logoutReq); err == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
		// Logout is best-effort (spec.md §4.F); failures are not reported.
	}

	return string(text), nil
}

// extractCSRFToken reads the ccsrftoken cookie and strips its surrounding
// quotes. If the cookie is absent, it returns "" — the caller sends no
// X-CSRFTOKEN header rather than deriving one from the response body
// (spec.md §9: the dead-code body-derived fallback is not replicated).
func extractCSRFToken(resp *http.Response) string {
	for _, cookie := range resp.Cookies() {
		if cookie.Name == "ccsrftoken" {
			return strings.Trim(cookie.Value, `"`)
		}
	}
	return ""
}
