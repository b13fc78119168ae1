// Package scrub implements the platform-aware config normalizer described
// in spec.md §4.A: a deterministic, stateless textual transform that
// removes volatile fields from a retrieved device configuration so that a
// byte-equal scrub implies a no-op change.
package scrub

import (
	"regexp"
	"strings"
)

// Platform identifies a device family (spec.md §3).
type Platform string

const (
	IOS      Platform = "ios"
	NXOS     Platform = "nxos"
	EOS      Platform = "eos"
	DellOS10 Platform = "dellos10"
	PANOS    Platform = "panos"
	FortiOS  Platform = "fortios"
)

type rule struct {
	pattern     *regexp.Regexp
	replacement string
}

// commonTimestamp matches ISO-8601 timestamps in any line, per spec.md §4.A.
var commonTimestamp = rule{
	pattern:     regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})?`),
	replacement: `<timestamp>`,
}

// cryptoBlock matches a multi-line "crypto pki certificate" block, extending
// until the next non-indented line or end of text. Used by ios and nxos.
var cryptoBlock = rule{
	pattern:     regexp.MustCompile(`(?m)^crypto pki certificate.*(?:\n[ \t].*)*`),
	replacement: `<removed>`,
}

var rulesByPlatform = map[Platform][]rule{
	IOS: {
		{regexp.MustCompile(`(?m)^.*uptime is .*$`), `<removed>`},
		{regexp.MustCompile(`(?m)^.*Last configuration change at .*$`), `<removed>`},
		{regexp.MustCompile(`(?m)^ntp clock-period \d+$`), `<removed>`},
		{regexp.MustCompile(`(?m)^Current configuration : \d+ bytes$`), `<removed>`},
		cryptoBlock,
	},
	NXOS: {
		{regexp.MustCompile(`(?m)^System uptime: .*$`), `<removed>`},
		{regexp.MustCompile(`(?m)^.*Last configuration change at .*$`), `<removed>`},
		{regexp.MustCompile(`(?m)^\s*serial-number: .*$`), `<removed>`},
		{regexp.MustCompile(`(?m)^\s*module-number: \d+$`), `<removed>`},
		cryptoBlock,
	},
	EOS: {
		{regexp.MustCompile(`(?m)^System uptime: .*$`), `<removed>`},
		{regexp.MustCompile(`(?m)^.*Last configuration change at .*$`), `<removed>`},
		{regexp.MustCompile(`(?m)^Management Hostname: .*$`), `<removed>`},
	},
	DellOS10: {
		{regexp.MustCompile(`(?m)^Current date/time is .*$`), `<removed>`},
		{regexp.MustCompile(`(?m)^System uptime is .*$`), `<removed>`},
		{regexp.MustCompile(`(?m)^Last configuration change on .*$`), `<removed>`},
	},
	PANOS: {
		{regexp.MustCompile(`<serial>[^<]*</serial>`), `<serial><removed></serial>`},
		{regexp.MustCompile(`<uptime>[^<]*</uptime>`), `<uptime><removed></uptime>`},
		{regexp.MustCompile(`<time>[^<]*</time>`), `<time><removed></time>`},
		{regexp.MustCompile(`<app-version>[^<]*</app-version>`), `<app-version><removed></app-version>`},
		{regexp.MustCompile(`<threat-version>[^<]*</threat-version>`), `<threat-version><removed></threat-version>`},
		{regexp.MustCompile(`<antivirus-version>[^<]*</antivirus-version>`), `<antivirus-version><removed></antivirus-version>`},
		{regexp.MustCompile(`<wildfire-version>[^<]*</wildfire-version>`), `<wildfire-version><removed></wildfire-version>`},
	},
	FortiOS: {
		{regexp.MustCompile(`uuid = "[^"]*"`), `uuid = "<removed>"`},
		{regexp.MustCompile(`timestamp = \d+`), `timestamp = <removed>`},
		{regexp.MustCompile(`lastupdate = \d+`), `lastupdate = <removed>`},
		{regexp.MustCompile(`build = \d+`), `build = <removed>`},
	},
}

// Scrub applies the fixed ordered list of platform rules followed by the
// common timestamp pass, then trims leading/trailing whitespace.
//
// Scrub is a pure function: Scrub("", p) == ""; Scrub(Scrub(x, p), p) ==
// Scrub(x, p); unknown platforms receive only the common pass.
func Scrub(raw string, platform Platform) string {
	text := raw
	for _, r := range rulesByPlatform[platform] {
		text = r.pattern.ReplaceAllString(text, r.replacement)
	}
	text = commonTimestamp.pattern.ReplaceAllString(text, commonTimestamp.replacement)
	return strings.TrimSpace(text)
}
