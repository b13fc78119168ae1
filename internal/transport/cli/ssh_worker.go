// Package cli implements the synchronous CLI-over-SSH backup worker
// (spec.md §4.E): one show-running command per device, executed inside the
// bounded worker pool the engine drives.
package cli

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/agncf/confbackup/internal/inventory"
)

const (
	connectTimeout = 60 * time.Second
	sessionTimeout = 120 * time.Second
	readTimeout    = 120 * time.Second
)

// showCommand returns the platform-appropriate "show running" command
// (spec.md §4.E).
func showCommand(netmikoPlatform string) string {
	if netmikoPlatform == "dell_os10" {
		return "show running-configuration"
	}
	return "show running-config"
}

// Result is the record a worker returns on success (spec.md §4.E).
type Result struct {
	Hostname   string
	DeviceID   int64
	Platform   string
	ConfigText string
	SHA256     string
}

// Dialer abstracts ssh.Dial so tests can substitute an in-memory transport.
type Dialer func(network, addr string, config *ssh.ClientConfig) (*ssh.Client, error)

// Worker executes one show-running command per device over SSH.
type Worker struct {
	Dial Dialer
}

// NewWorker builds a Worker using the real network.
func NewWorker() *Worker {
	return &Worker{Dial: ssh.Dial}
}

// Backup connects to snap.IP:snap.Port, issues the platform's show command,
// and returns the retrieved configuration text. Any transport, auth, or
// protocol error is returned wrapped with the device hostname for the
// engine to record as a per-device failure (spec.md §4.E, §7).
func (w *Worker) Backup(snap inventory.DeviceSnapshot) (Result, error) {
	config := &ssh.ClientConfig{
		User:            snap.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(snap.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         connectTimeout,
	}

	addr := net.JoinHostPort(snap.IP, fmt.Sprintf("%d", snap.Port))
	client, err := w.Dial("tcp", addr, config)
	if err != nil {
		return Result{}, fmt.Errorf("connecting to %s (%s): %w", snap.Hostname, addr, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("opening session to %s: %w", snap.Hostname, err)
	}
	defer session.Close()

	stdout, err := session.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("attaching stdout for %s: %w", snap.Hostname, err)
	}

	cmd := showCommand(snap.NetmikoPlatform)
	if err := session.Start(cmd); err != nil {
		return Result{}, fmt.Errorf("issuing %q on %s: %w", cmd, snap.Hostname, err)
	}

	text, err := readWithTimeout(stdout, readTimeout)
	if err != nil {
		return Result{}, fmt.Errorf("reading response from %s: %w", snap.Hostname, err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			return Result{}, fmt.Errorf("command %q on %s exited with error: %w", cmd, snap.Hostname, err)
		}
	case <-time.After(sessionTimeout):
		return Result{}, fmt.Errorf("session to %s timed out waiting for command completion", snap.Hostname)
	}

	sum := sha256.Sum256([]byte(text))
	return Result{
		Hostname:   snap.Hostname,
		DeviceID:   snap.DeviceID,
		Platform:   string(snap.Platform),
		ConfigText: text,
		SHA256:     hex.EncodeToString(sum[:]),
	}, nil
}

func readWithTimeout(r io.Reader, timeout time.Duration) (string, error) {
	type readResult struct {
		data string
		err  error
	}
	resultCh := make(chan readResult, 1)
	go func() {
		buf, err := io.ReadAll(r)
		resultCh <- readResult{data: string(buf), err: err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			return "", res.err
		}
		return strings.TrimSpace(res.data), nil
	case <-time.After(timeout):
		return "", fmt.Errorf("read timed out after %s", timeout)
	}
}
