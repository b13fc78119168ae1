// Package output holds the plain-text formatting helpers used by the CLI
// subcommands, adapted from the teacher's output package for a
// single-purpose daemon instead of a multi-engine operator.
package output

import (
	"fmt"
	"strings"
	"time"
)

const bannerWidth = 60

// Banner prints a prominent section header.
func Banner(title string) {
	line := strings.Repeat("=", bannerWidth)
	fmt.Println()
	fmt.Println(line)
	fmt.Printf("  %s\n", title)
	fmt.Println(line)
	fmt.Println()
}

// Header prints a formatted startup header.
func Header(mode string) {
	fmt.Printf("=== confbackupd (%s) ===\n", mode)
	fmt.Printf("Timestamp: %s\n", time.Now().UTC().Format(time.RFC3339))
}

// Section prints a subsection divider.
func Section(title string) {
	fmt.Printf("--- %s ---\n", title)
}

// Field prints a labeled value.
func Field(label, value string) {
	fmt.Printf("%s: %s\n", label, value)
}

// Bullet prints a bulleted item with optional indentation.
func Bullet(indent int, format string, args ...any) {
	prefix := strings.Repeat("  ", indent)
	fmt.Printf("%s- %s\n", prefix, fmt.Sprintf(format, args...))
}

// Success prints a success message.
func Success(format string, args ...any) {
	fmt.Printf("[OK] %s\n", fmt.Sprintf(format, args...))
}

// Warn prints a warning message to stdout.
func Warn(format string, args ...any) {
	fmt.Printf("[WARN] %s\n", fmt.Sprintf(format, args...))
}

// Fail prints a failure message to stdout.
func Fail(format string, args ...any) {
	fmt.Printf("[FAIL] %s\n", fmt.Sprintf(format, args...))
}

// Complete prints a completion message.
func Complete(msg string) {
	fmt.Printf("=== %s ===\n", msg)
}
