package cli

import (
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"

	"github.com/agncf/confbackup/internal/inventory"
)

func TestShowCommandPerPlatform(t *testing.T) {
	cases := map[string]string{
		"cisco_ios":              "show running-config",
		"cisco_nxos":             "show running-config",
		"arista_eos":             "show running-config",
		"dell_os10":              "show running-configuration",
	}
	for platform, want := range cases {
		if got := showCommand(platform); got != want {
			t.Fatalf("showCommand(%s) = %q, want %q", platform, got, want)
		}
	}
}

func TestBackupWrapsDialError(t *testing.T) {
	w := &Worker{Dial: func(network, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
		return nil, errors.New("connection refused")
	}}

	snap := inventory.DeviceSnapshot{
		Hostname: "r1", IP: "10.0.0.1", Port: 22,
		NetmikoPlatform: "cisco_ios", Username: "u", Password: "p",
	}
	_, err := w.Backup(snap)
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "r1") || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("error should mention hostname and cause: %v", err)
	}
}
