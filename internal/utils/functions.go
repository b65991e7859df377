package utils

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

var unsafeNameRegex = regexp.MustCompile(`[^a-zA-Z0-9\x{3040}-\x{30ff}\x{3400}-\x{4dbf}\x{4e00}-\x{9fff}\x{ac00}-\x{d7af}_\-\.]`)

func GetRandomUserAgent() string {
	return userAgents[time.Now().UnixNano()%int64(len(userAgents))]
}

// SanitizeName maps every rune outside letters, digits, common CJK ranges,
// underscore, hyphen and dot to an underscore.
func SanitizeName(name string) string {
	safe := unsafeNameRegex.ReplaceAllString(strings.TrimSpace(name), "_")
	if strings.Trim(safe, "._") == "" {
		return DefaultOutputName
	}
	return safe
}

// NameFromURL derives a display name from the last path element of a
// manifest URL, without its extension.
func NameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" || u.Path == "/" {
		return DefaultOutputName
	}
	base := path.Base(u.Path)
	base = strings.TrimSuffix(base, path.Ext(base))
	if base == "" || base == "." {
		return DefaultOutputName
	}
	return base
}

func ParseHeaderArgs(headers []string) map[string]string {
	result := make(map[string]string)
	for _, header := range headers {
		parts := strings.SplitN(header, ":", 2)
		if len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			value := strings.TrimSpace(parts[1])
			result[key] = value
		}
	}
	return result
}

func FormatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// FormatSpeed renders a byte rate as B/s, KB/s or MB/s depending on magnitude.
func FormatSpeed(bytesPerSec float64) string {
	switch {
	case bytesPerSec < 1024:
		return fmt.Sprintf("%.0f B/s", bytesPerSec)
	case bytesPerSec < 1024*1024:
		return fmt.Sprintf("%.1f KB/s", bytesPerSec/1024)
	default:
		return fmt.Sprintf("%.1f MB/s", bytesPerSec/(1024*1024))
	}
}

// CleanTemp removes every task directory under tempRoot except the ones named
// in keep, then tempRoot itself once it is empty.
func CleanTemp(tempRoot string, keep map[string]bool) (int, error) {
	entries, err := os.ReadDir(tempRoot)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, entry := range entries {
		if keep[entry.Name()] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(tempRoot, entry.Name())); err != nil {
			return removed, err
		}
		removed++
	}
	remaining, err := os.ReadDir(tempRoot)
	if err != nil {
		return removed, err
	}
	if len(remaining) == 0 {
		if err := os.Remove(tempRoot); err != nil {
			return removed, err
		}
	}
	return removed, nil
}
