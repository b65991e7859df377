package hls

import (
	"bufio"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Segment is one media segment entry of a media playlist.
type Segment struct {
	URI       string
	URL       string
	Duration  float64
	KeyMethod string
}

// Encrypted reports whether the segment declares a content-protection method.
func (s Segment) Encrypted() bool {
	return s.KeyMethod != "" && !strings.EqualFold(s.KeyMethod, "NONE")
}

// Variant is a nested stream reference of a master playlist.
type Variant struct {
	URI        string
	URL        string
	Bandwidth  int
	Resolution string
}

// Playlist is the parsed form of one manifest document.
type Playlist struct {
	Segments       []Segment
	Variants       []Variant
	TargetDuration int
	MediaSequence  int
	EndList        bool
}

// Manifest is a resolved, usable media playlist.
type Manifest struct {
	SourceURL   string
	ResolvedURL string
	Segments    []Segment
	// Variant is set when the source was a master playlist.
	Variant *Variant
}

// TotalDuration sums the declared segment durations in seconds.
func (m *Manifest) TotalDuration() float64 {
	var total float64
	for _, seg := range m.Segments {
		total += seg.Duration
	}
	return total
}

// ParsePlaylist parses manifest text. Segment and variant URIs are resolved
// against manifestURL.
func ParsePlaylist(content, manifestURL string) (*Playlist, error) {
	baseURL, err := url.Parse(manifestURL)
	if err != nil {
		return nil, fmt.Errorf("error parsing manifest URL: %w", err)
	}
	playlist := &Playlist{}
	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var keyMethod string
	var pendingDuration float64
	var pendingVariant *Variant
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			tag, value, _ := strings.Cut(line, ":")
			switch tag {
			case "#EXTINF":
				durationStr, _, _ := strings.Cut(value, ",")
				pendingDuration, _ = strconv.ParseFloat(strings.TrimSpace(durationStr), 64)
			case "#EXT-X-KEY":
				keyMethod = parseAttributes(value)["METHOD"]
			case "#EXT-X-STREAM-INF":
				attrs := parseAttributes(value)
				bandwidth, _ := strconv.Atoi(attrs["BANDWIDTH"])
				pendingVariant = &Variant{Bandwidth: bandwidth, Resolution: attrs["RESOLUTION"]}
			case "#EXT-X-TARGETDURATION":
				playlist.TargetDuration, _ = strconv.Atoi(value)
			case "#EXT-X-MEDIA-SEQUENCE":
				playlist.MediaSequence, _ = strconv.Atoi(value)
			case "#EXT-X-ENDLIST":
				playlist.EndList = true
			}
			continue
		}
		resolved, err := resolveURL(baseURL, line)
		if err != nil {
			return nil, fmt.Errorf("error resolving URL %q: %w", line, err)
		}
		if pendingVariant != nil {
			pendingVariant.URI = line
			pendingVariant.URL = resolved
			playlist.Variants = append(playlist.Variants, *pendingVariant)
			pendingVariant = nil
			continue
		}
		playlist.Segments = append(playlist.Segments, Segment{
			URI:       line,
			URL:       resolved,
			Duration:  pendingDuration,
			KeyMethod: keyMethod,
		})
		pendingDuration = 0
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error scanning m3u8 content: %w", err)
	}
	return playlist, nil
}

// parseAttributes splits an HLS attribute list, honouring quoted values.
func parseAttributes(value string) map[string]string {
	attrs := make(map[string]string)
	var key strings.Builder
	var val strings.Builder
	inKey, inQuotes := true, false
	flush := func() {
		k := strings.TrimSpace(key.String())
		if k != "" {
			attrs[strings.ToUpper(k)] = strings.Trim(strings.TrimSpace(val.String()), `"`)
		}
		key.Reset()
		val.Reset()
		inKey = true
	}
	for _, r := range value {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			val.WriteRune(r)
		case r == '=' && inKey:
			inKey = false
		case r == ',' && !inQuotes:
			flush()
		case inKey:
			key.WriteRune(r)
		default:
			val.WriteRune(r)
		}
	}
	flush()
	return attrs
}

func resolveURL(baseURL *url.URL, urlStr string) (string, error) {
	if strings.HasPrefix(urlStr, "http://") || strings.HasPrefix(urlStr, "https://") {
		return urlStr, nil
	}
	relURL, err := url.Parse(urlStr)
	if err != nil {
		return "", err
	}
	return baseURL.ResolveReference(relURL).String(), nil
}
