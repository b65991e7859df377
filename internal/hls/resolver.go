package hls

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/hlsdl/internal/utils"
)

var (
	ErrManifestUnusable      = errors.New("manifest has no usable segments")
	ErrEncryptionUnsupported = errors.New("encrypted streams are not supported")
)

const maxManifestSize = 16 * 1024 * 1024

// Resolver fetches a manifest and turns it into a usable segment list.
type Resolver struct {
	client utils.HTTPDoer
	policy utils.RetryPolicy
}

func NewResolver(client utils.HTTPDoer, policy utils.RetryPolicy) *Resolver {
	return &Resolver{client: client, policy: policy}
}

// Resolve follows at most one level of master playlist indirection, always
// picking the first variant, and rejects encrypted streams before any segment
// is fetched. onRetry may be nil.
func (r *Resolver) Resolve(ctx context.Context, manifestURL string, onRetry func(attempt int, err error)) (*Manifest, error) {
	log.Debug().Str("op", "hls/resolver").Msgf("Fetching manifest from %s", manifestURL)
	playlist, err := r.fetchPlaylist(ctx, manifestURL, onRetry)
	if err != nil {
		return nil, err
	}
	manifest := &Manifest{SourceURL: manifestURL, ResolvedURL: manifestURL}

	if len(playlist.Segments) == 0 {
		if len(playlist.Variants) == 0 {
			return nil, fmt.Errorf("%w: no segments or variant streams in %s", ErrManifestUnusable, manifestURL)
		}
		variant := playlist.Variants[0]
		log.Debug().Str("op", "hls/resolver").Msgf("Detected master playlist with %d variants, selecting %s", len(playlist.Variants), variant.URL)
		playlist, err = r.fetchPlaylist(ctx, variant.URL, onRetry)
		if err != nil {
			return nil, err
		}
		if len(playlist.Segments) == 0 {
			return nil, fmt.Errorf("%w: variant playlist %s has no segments", ErrManifestUnusable, variant.URL)
		}
		manifest.ResolvedURL = variant.URL
		manifest.Variant = &variant
	}

	for i, seg := range playlist.Segments {
		if seg.Encrypted() {
			return nil, fmt.Errorf("%w: segment %d declares EXT-X-KEY METHOD=%s", ErrEncryptionUnsupported, i, seg.KeyMethod)
		}
	}
	manifest.Segments = playlist.Segments
	log.Debug().Str("op", "hls/resolver").Msgf("Resolved %d segments from %s", len(manifest.Segments), manifest.ResolvedURL)
	return manifest, nil
}

func (r *Resolver) fetchPlaylist(ctx context.Context, manifestURL string, onRetry func(int, error)) (*Playlist, error) {
	var content string
	err := r.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		body, err := r.getContents(ctx, manifestURL)
		if err != nil {
			return err
		}
		content = body
		return nil
	}, func(attempt int, err error) {
		log.Warn().Str("op", "hls/resolver").Err(err).Msgf("Manifest fetch attempt %d failed", attempt)
		if onRetry != nil {
			onRetry(attempt, err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching manifest %s: %w", manifestURL, err)
	}
	return ParsePlaylist(content, manifestURL)
}

func (r *Resolver) getContents(ctx context.Context, manifestURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
	if err != nil {
		return "", fmt.Errorf("error creating request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("server returned status code %d", resp.StatusCode)
	}
	content, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestSize))
	if err != nil {
		return "", fmt.Errorf("error reading manifest content: %w", err)
	}
	return string(content), nil
}
