package homeassistant

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

// mediaSourcePrefix marks indirect media references that must be
// resolved before the agent can play them.
const mediaSourcePrefix = "media-source://"

// mediaSourceAPI is the slice of WSClient the resolver needs.
type mediaSourceAPI interface {
	ResolveMediaSource(ctx context.Context, mediaContentID string) (ResolvedMedia, error)
}

// Resolver converts media references into URLs the agent can fetch
// directly. media-source:// pointers go through the media_source
// integration; everything else passes through, with relative URLs
// made absolute against the HA base URL.
type Resolver struct {
	api     mediaSourceAPI
	baseURL *url.URL
	logger  *slog.Logger
}

// NewResolver creates a Resolver backed by api (normally a *WSClient).
// baseURL is the HA base URL used to absolutize relative media paths;
// it may be empty when every media source yields absolute URLs.
func NewResolver(api mediaSourceAPI, baseURL string, logger *slog.Logger) (*Resolver, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var base *url.URL
	if baseURL != "" {
		parsed, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("parse base URL: %w", err)
		}
		base = parsed
	}

	return &Resolver{api: api, baseURL: base, logger: logger}, nil
}

// IsMediaSourceID reports whether mediaID is an indirect media-source
// reference.
func IsMediaSourceID(mediaID string) bool {
	return strings.HasPrefix(mediaID, mediaSourcePrefix)
}

// ResolveMedia implements the resolver collaborator for the device
// mirrors: media-source references resolve through HA, direct URLs
// pass through, and relative results are joined with the base URL so
// the agent can reach them from outside the HA host.
func (r *Resolver) ResolveMedia(ctx context.Context, mediaID string) (string, error) {
	if !IsMediaSourceID(mediaID) {
		return r.absolutize(mediaID)
	}

	resolved, err := r.api.ResolveMediaSource(ctx, mediaID)
	if err != nil {
		return "", err
	}

	r.logger.Debug("media source resolved",
		"media_id", mediaID, "url", resolved.URL, "mime_type", resolved.MimeType)
	return r.absolutize(resolved.URL)
}

// absolutize joins a relative media path with the HA base URL.
// Absolute URLs are returned unchanged.
func (r *Resolver) absolutize(mediaURL string) (string, error) {
	parsed, err := url.Parse(mediaURL)
	if err != nil {
		return "", fmt.Errorf("parse media URL %q: %w", mediaURL, err)
	}
	if parsed.IsAbs() || r.baseURL == nil {
		return mediaURL, nil
	}
	return r.baseURL.ResolveReference(parsed).String(), nil
}
