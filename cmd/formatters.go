package cmd

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"
)

// printSection prints a section header
func printSection(w io.Writer, title string) {
	headerColor.Fprintf(w, "  %s\n", title)
	headerColor.Fprintln(w, "  "+strings.Repeat("─", utf8.RuneCountInString(title)))
}

// printField prints a key-value field
func printField(w io.Writer, key, value string) {
	if value == "" {
		value = "(not set)"
	}
	fmt.Fprintf(w, "  %-25s %s\n", key+":", value)
}

// formatTime formats a timestamp
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "Never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// previewPayload renders at most limit bytes of a payload on one line.
// Binary payloads are shown as hex.
func previewPayload(p []byte, limit int) string {
	truncated := len(p) > limit
	if truncated {
		p = p[:limit]
	}

	var s string
	if utf8.Valid(p) {
		s = strings.NewReplacer("\n", `\n`, "\r", `\r`, "\t", `\t`).Replace(string(p))
	} else {
		s = "0x" + hex.EncodeToString(p)
	}
	if truncated {
		s += "..."
	}
	return s
}
