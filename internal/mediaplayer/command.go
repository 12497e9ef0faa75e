package mediaplayer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/clipman/HASS.Agent-Integration/internal/events"
)

// ErrUnsupportedMediaType is returned by PlayMedia for media types the
// agent cannot play.
var ErrUnsupportedMediaType = errors.New("unsupported media type")

// defaultMediaTitle is displayed when PlayMedia metadata carries no
// title, matching what the agent shows for announcement-style playback.
const defaultMediaTitle = "Home Assistant"

// allowedMediaTypePrefixes are the media types PlayMedia accepts.
var allowedMediaTypePrefixes = []string{"music", "audio/", "provider"}

// commandEnvelope is the outbound wire format on the command topic.
// Data and Info serialize as explicit nulls when unused; the agent
// expects all three keys present.
type commandEnvelope struct {
	Command string `json:"command"`
	Data    any    `json:"data"`
	Info    any    `json:"info"`
}

// mediaInfo is the auxiliary metadata sent with a playmedia command.
type mediaInfo struct {
	Title       string `json:"title"`
	Artist      string `json:"artist"`
	AlbumTitle  string `json:"albumtitle"`
	AlbumArtist string `json:"albumartist"`
	ImageURL    string `json:"image_url"`
}

// dispatch publishes exactly one command envelope. The optimistic
// mutation, if any, is applied under the lock before the publish so
// the mirror reads back the intended state immediately; a failed
// publish is returned to the caller without rolling the mutation back,
// since the next authoritative snapshot overwrites it wholesale.
func (m *Mirror) dispatch(ctx context.Context, command string, data, info any, optimistic func(now time.Time)) error {
	now := m.now()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("mirror %s is closed", m.name)
	}
	if !m.started {
		m.mu.Unlock()
		return fmt.Errorf("mirror %s not started", m.name)
	}
	if optimistic != nil {
		optimistic(now)
	}
	m.mu.Unlock()

	payload, err := json.Marshal(commandEnvelope{Command: command, Data: data, Info: info})
	if err != nil {
		return fmt.Errorf("marshal %s command: %w", command, err)
	}

	m.logger.Debug("sending command", "device", m.name, "command", command)
	if err := m.transport.Publish(ctx, m.commandTopic, payload); err != nil {
		return err
	}

	m.publishEvent(events.KindCommandSent, map[string]any{
		"device":  m.name,
		"command": command,
	})
	return nil
}

// Play resumes playback and optimistically reports playing.
func (m *Mirror) Play(ctx context.Context) error {
	return m.dispatch(ctx, "play", nil, nil, func(time.Time) {
		m.playback = StatePlaying
	})
}

// Pause pauses playback and optimistically reports paused.
func (m *Mirror) Pause(ctx context.Context) error {
	return m.dispatch(ctx, "pause", nil, nil, func(time.Time) {
		m.playback = StatePaused
	})
}

// Stop halts playback. The agent protocol has no distinct stop
// command; the wire command is "pause" and the mirror optimistically
// reports idle.
func (m *Mirror) Stop(ctx context.Context) error {
	return m.dispatch(ctx, "pause", nil, nil, func(time.Time) {
		m.playback = StateIdle
	})
}

// TurnOff behaves like Stop: the agent has no power-off command, so
// the wire command is "pause" and the mirror reports idle, not off.
func (m *Mirror) TurnOff(ctx context.Context) error {
	return m.dispatch(ctx, "pause", nil, nil, func(time.Time) {
		m.playback = StateIdle
	})
}

// NextTrack skips forward. No optimistic mutation: the next snapshot
// carries the new track.
func (m *Mirror) NextTrack(ctx context.Context) error {
	return m.dispatch(ctx, "next", nil, nil, nil)
}

// PreviousTrack skips backward.
func (m *Mirror) PreviousTrack(ctx context.Context) error {
	return m.dispatch(ctx, "previous", nil, nil, nil)
}

// VolumeUp steps the volume up. The resulting level is unknown until
// the next snapshot, so the stored volume is left alone.
func (m *Mirror) VolumeUp(ctx context.Context) error {
	return m.dispatch(ctx, "volumeup", nil, nil, nil)
}

// VolumeDown steps the volume down.
func (m *Mirror) VolumeDown(ctx context.Context) error {
	return m.dispatch(ctx, "volumedown", nil, nil, nil)
}

// MuteVolume sends the agent's mute command. The wire command is an
// unconditional "mute" toggle regardless of the requested state —
// that is what the agent implements, so the desired value is accepted
// for interface compatibility and not transmitted.
func (m *Mirror) MuteVolume(ctx context.Context, _ bool) error {
	return m.dispatch(ctx, "mute", nil, nil, nil)
}

// SetVolumeLevel sets the volume from a fraction in [0, 1]. The wire
// payload is the level scaled to 0-100 and rounded to the nearest
// integer. The stored volume is not touched until the next snapshot
// confirms it.
func (m *Mirror) SetVolumeLevel(ctx context.Context, level float64) error {
	return m.dispatch(ctx, "setvolume", int(math.Round(level*100)), nil, nil)
}

// Seek jumps to a position in seconds, optimistically moving the local
// position so progress bars track immediately.
func (m *Mirror) Seek(ctx context.Context, position float64) error {
	return m.dispatch(ctx, "seek", position, nil, func(now time.Time) {
		m.track.Position = position
		m.track.PositionUpdatedAt = now
	})
}

// PlayMedia asks the agent to play a piece of media. Media-source
// references are resolved to direct URLs first; display metadata is
// extracted from extra["metadata"] and applied fully optimistically —
// title, artist, album, image and playing state all update before the
// agent confirms anything.
func (m *Mirror) PlayMedia(ctx context.Context, mediaType, mediaID string, extra map[string]any) error {
	if !allowedMediaType(mediaType) {
		m.logger.Error("invalid media type, only music is supported",
			"device", m.name, "media_type", mediaType)
		return fmt.Errorf("%w: %q", ErrUnsupportedMediaType, mediaType)
	}

	m.logger.Debug("playing media",
		"device", m.name, "media_type", mediaType, "media_id", mediaID)

	if m.resolver != nil {
		resolved, err := m.resolver.ResolveMedia(ctx, mediaID)
		if err != nil {
			return fmt.Errorf("resolve media %q: %w", mediaID, err)
		}
		mediaID = resolved
	}

	meta := extractPlayMetadata(extra)
	info := mediaInfo{
		Title:       meta.title,
		Artist:      meta.artist,
		AlbumTitle:  meta.albumName,
		AlbumArtist: meta.albumArtist,
		ImageURL:    meta.imageURL,
	}

	return m.dispatch(ctx, "playmedia", mediaID, info, func(now time.Time) {
		m.track.Title = meta.title
		m.track.Artist = meta.artist
		m.track.AlbumName = meta.albumName
		m.track.AlbumArtist = meta.albumArtist
		m.imageURL = meta.imageURL
		m.mediaID = mediaID
		m.playback = StatePlaying
		// The device is about to play on our behalf; report it
		// available without waiting for its next snapshot.
		m.lastUpdated = now
	})
}

func allowedMediaType(mediaType string) bool {
	for _, prefix := range allowedMediaTypePrefixes {
		if strings.HasPrefix(mediaType, prefix) {
			return true
		}
	}
	return false
}

// playMetadata is the display metadata extracted from a PlayMedia call.
type playMetadata struct {
	title       string
	artist      string
	albumName   string
	albumArtist string
	imageURL    string
}

// extractPlayMetadata pulls display fields out of the loosely typed
// extra payload. Both snake_case and agent-style keys are accepted for
// album fields; the image comes from the first entry of the images
// list when present, falling back to a flat imageUrl key.
func extractPlayMetadata(extra map[string]any) playMetadata {
	md, _ := extra["metadata"].(map[string]any)

	meta := playMetadata{
		title:       stringField(md, "title"),
		artist:      stringField(md, "artist"),
		albumName:   firstStringField(md, "album_name", "albumtitle"),
		albumArtist: firstStringField(md, "album_artist", "albumartist"),
	}
	if meta.title == "" {
		meta.title = defaultMediaTitle
	}

	if images, ok := md["images"].([]any); ok && len(images) > 0 {
		if img, ok := images[0].(map[string]any); ok {
			meta.imageURL = stringField(img, "url")
		}
	}
	if meta.imageURL == "" {
		meta.imageURL = stringField(md, "imageUrl")
	}

	return meta
}

func stringField(md map[string]any, key string) string {
	s, _ := md[key].(string)
	return s
}

func firstStringField(md map[string]any, keys ...string) string {
	for _, key := range keys {
		if s := stringField(md, key); s != "" {
			return s
		}
	}
	return ""
}
