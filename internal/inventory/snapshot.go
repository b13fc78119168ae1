// Package inventory implements the Credential Resolver (spec.md §4.B) and
// Inventory Snapshotter (spec.md §4.C): it turns device rows plus resolved
// credentials into the immutable snapshot records the transport workers
// consume, with no further database access required during device I/O.
package inventory

import (
	"context"
	"fmt"

	"github.com/agncf/confbackup/internal/crypto"
	"github.com/agncf/confbackup/internal/db"
)

// netmikoPlatform maps a stored platform identifier to the driver
// identifier carried in the snapshot (spec.md §4.C).
var netmikoPlatform = map[db.Platform]string{
	db.PlatformIOS:      "cisco_ios",
	db.PlatformNXOS:     "cisco_nxos",
	db.PlatformEOS:      "arista_eos",
	db.PlatformDellOS10: "dell_os10",
	db.PlatformPANOS:    "paloaltonetworks_panos",
	db.PlatformFortiOS:  "fortinet_fortios",
}

var apiPlatforms = map[db.Platform]bool{
	db.PlatformPANOS:   true,
	db.PlatformFortiOS: true,
}

// DeviceSnapshot is the plain immutable record handed to transport workers
// (spec.md §4.C). Downstream code never introspects it by name.
type DeviceSnapshot struct {
	DeviceID        int64
	Hostname        string
	IP              string
	Platform        db.Platform
	NetmikoPlatform string
	Username        string
	Password        string
	Port            int
	SiteCode        string
	GiteaRepoName   string
	IsAPIDevice     bool

	// HasCredentials is false when credential resolution found no usable
	// (user, secret) pair for this device (spec.md §4.B tier-3 miss) or
	// when decryption failed (spec.md §4.B, §9). CredentialError carries
	// the reason in that case.
	HasCredentials  bool
	CredentialError string
}

// Resolver implements the Credential Resolver priority chain (spec.md
// §4.B): device-bound credential set, else global fallback, else none.
type Resolver struct {
	Key            crypto.Key
	GlobalUsername string
	GlobalPassword string
	hasGlobal      bool
}

// NewResolver builds a Resolver. A blank globalUsername/globalPassword pair
// means tier 2 is unconfigured.
func NewResolver(key crypto.Key, globalUsername, globalPassword string) *Resolver {
	return &Resolver{
		Key:            key,
		GlobalUsername: globalUsername,
		GlobalPassword: globalPassword,
		hasGlobal:      globalUsername != "" && globalPassword != "",
	}
}

// Resolve returns (user, secret, ok, err). ok is false when no credentials
// are available at all (tier-3 miss) — callers must mark the device failed
// without attempting a connection. err is non-nil only for a tier-1
// decryption failure, which per spec.md §9 must NOT fall through to tier 2.
func (r *Resolver) Resolve(username, encryptedPassword string, hasCredentialSet bool) (string, string, bool, error) {
	if hasCredentialSet {
		password, err := crypto.Decrypt(encryptedPassword, r.Key)
		if err != nil {
			return "", "", false, fmt.Errorf("decrypting credential set: %w", err)
		}
		return username, password, true, nil
	}
	if r.hasGlobal {
		return r.GlobalUsername, r.GlobalPassword, true, nil
	}
	return "", "", false, nil
}

// Snapshotter loads enabled devices and resolves their credentials
// (spec.md §4.C).
type Snapshotter struct {
	store    *db.Store
	resolver *Resolver
}

// NewSnapshotter constructs a Snapshotter.
func NewSnapshotter(store *db.Store, resolver *Resolver) *Snapshotter {
	return &Snapshotter{store: store, resolver: resolver}
}

// Snapshot loads the given device IDs (or every enabled device, if empty)
// joined with site and credential data, and resolves credentials for each.
func (s *Snapshotter) Snapshot(ctx context.Context, deviceIDs []int64) ([]DeviceSnapshot, error) {
	rows, err := s.store.ListEnabledDevices(ctx, deviceIDs)
	if err != nil {
		return nil, err
	}

	snapshots := make([]DeviceSnapshot, 0, len(rows))
	for _, row := range rows {
		snap := DeviceSnapshot{
			DeviceID:        row.DeviceID,
			Hostname:        row.Hostname,
			IP:              row.IP,
			Platform:        row.Platform,
			NetmikoPlatform: netmikoPlatform[row.Platform],
			Port:            22,
			SiteCode:        row.SiteCode,
			GiteaRepoName:   row.GiteaRepoName,
			IsAPIDevice:     apiPlatforms[row.Platform],
		}

		hasCredSet := row.CredUsername.Valid && row.CredEncPassword.Valid
		user, secret, ok, err := s.resolver.Resolve(row.CredUsername.String, row.CredEncPassword.String, hasCredSet)
		if err != nil {
			snap.HasCredentials = false
			snap.CredentialError = err.Error()
		} else if !ok {
			snap.HasCredentials = false
			snap.CredentialError = "no credentials available"
		} else {
			snap.HasCredentials = true
			snap.Username = user
			snap.Password = secret
		}

		snapshots = append(snapshots, snap)
	}
	return snapshots, nil
}
