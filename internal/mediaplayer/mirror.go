package mediaplayer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/clipman/HASS.Agent-Integration/internal/events"
)

// availabilityWindow is how long after the last accepted snapshot a
// mirror still reports its device as available. Agents publish roughly
// once a second, so two missed snapshots plus slack marks the device
// gone. Recomputed on every read, never on a timer.
const availabilityWindow = 5 * time.Second

// topicPrefix is the fixed topic namespace HASS.Agent publishes under.
const topicPrefix = "hass.agent/media_player/"

// Transport is the publish/subscribe collaborator the mirror talks
// through. Implemented by mqtt.Client.
type Transport interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, qos byte, handler func(topic string, payload []byte)) error
	Unsubscribe(ctx context.Context, topics ...string) error
}

// Resolver converts an indirect media reference (a media-source
// pointer) into a direct playable URL. Direct URLs pass through
// unchanged. Implemented by homeassistant.Resolver.
type Resolver interface {
	ResolveMedia(ctx context.Context, mediaID string) (string, error)
}

// Mirror is the locally held, possibly stale, copy of one agent
// device's state. All fields below mu are guarded by it.
type Mirror struct {
	deviceID       string
	name           string
	entityID       string
	stateTopic     string
	thumbnailTopic string
	commandTopic   string

	transport Transport
	resolver  Resolver
	bus       *events.Bus
	logger    *slog.Logger
	now       func() time.Time

	mu          sync.Mutex
	started     bool
	closed      bool
	playback    PlaybackState
	volume      int
	muted       bool
	track       Track
	mediaID     string
	imageURL    string
	thumbnail   []byte
	lastUpdated time.Time
}

// Options configures a new Mirror.
type Options struct {
	// DeviceID is the stable identifier from the device registry.
	DeviceID string
	// Name is the device display name exactly as the agent uses it in
	// its topic names.
	Name string
	// Transport carries subscriptions and commands. Required.
	Transport Transport
	// Resolver converts media-source references for PlayMedia. When
	// nil, media IDs are used verbatim.
	Resolver Resolver
	// Bus receives change notifications. May be nil.
	Bus    *events.Bus
	Logger *slog.Logger
	// Now overrides the wall clock, for tests.
	Now func() time.Time
}

// New creates a Mirror for one device. The command topic is derived
// from the device name here and never changes for the mirror's
// lifetime. Names containing MQTT topic special characters are
// rejected: they would corrupt every derived topic.
func New(opts Options) (*Mirror, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("mirror: device name is required")
	}
	if strings.ContainsAny(opts.Name, "/+#") {
		return nil, fmt.Errorf("mirror: device name %q contains MQTT topic characters", opts.Name)
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("mirror: transport is required")
	}

	deviceID := opts.DeviceID
	if deviceID == "" {
		deviceID = opts.Name
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	base := topicPrefix + opts.Name
	return &Mirror{
		deviceID:       deviceID,
		name:           opts.Name,
		entityID:       "media_player_" + deviceID,
		stateTopic:     base + "/state",
		thumbnailTopic: base + "/thumbnail",
		commandTopic:   base + "/cmd",
		transport:      opts.Transport,
		resolver:       opts.Resolver,
		bus:            opts.Bus,
		logger:         logger,
		now:            now,
		playback:       StateIdle,
	}, nil
}

// Start establishes the state and thumbnail subscriptions. It must
// complete before any command is dispatched.
func (m *Mirror) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("mirror %s is closed", m.name)
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := m.transport.Subscribe(ctx, m.stateTopic, 0, m.handleState); err != nil {
		return fmt.Errorf("subscribe state topic: %w", err)
	}
	if err := m.transport.Subscribe(ctx, m.thumbnailTopic, 0, m.handleThumbnail); err != nil {
		// Roll back the half-established subscription pair.
		_ = m.transport.Unsubscribe(ctx, m.stateTopic)
		return fmt.Errorf("subscribe thumbnail topic: %w", err)
	}

	m.mu.Lock()
	m.started = true
	m.mu.Unlock()

	m.logger.Info("mirror started",
		"device", m.name, "state_topic", m.stateTopic, "command_topic", m.commandTopic)
	return nil
}

// Close tears the mirror down: subscriptions are removed and any later
// message or command for this device is ignored. Closing an already
// closed mirror, or one that never started, is a no-op.
func (m *Mirror) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	started := m.started
	m.mu.Unlock()

	if started {
		if err := m.transport.Unsubscribe(ctx, m.stateTopic, m.thumbnailTopic); err != nil {
			return fmt.Errorf("unsubscribe %s: %w", m.name, err)
		}
	}

	m.publishEvent(events.KindMirrorClosed, map[string]any{"device": m.name})
	m.logger.Info("mirror closed", "device", m.name)
	return nil
}

// snapshot is the wire form of an agent state message. The three
// required fields are pointers so a missing field is distinguishable
// from a zero value.
type snapshot struct {
	State           *string `json:"state"`
	Volume          *int    `json:"volume"`
	Muted           *bool   `json:"muted"`
	Title           string  `json:"title"`
	Artist          string  `json:"artist"`
	AlbumTitle      string  `json:"albumtitle"`
	AlbumArtist     string  `json:"albumartist"`
	Duration        float64 `json:"duration"`
	CurrentPosition float64 `json:"currentposition"`
}

// handleState merges an inbound snapshot into the mirror. Malformed or
// incomplete payloads are dropped whole: the mirror never moves to a
// partially applied state.
func (m *Mirror) handleState(_ string, payload []byte) {
	var snap snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		m.logger.Warn("dropping malformed state payload",
			"device", m.name, "payload_size", len(payload), "error", err)
		return
	}
	if snap.State == nil || snap.Volume == nil || snap.Muted == nil {
		m.logger.Warn("dropping state payload with missing required fields",
			"device", m.name,
			"has_state", snap.State != nil,
			"has_volume", snap.Volume != nil,
			"has_muted", snap.Muted != nil)
		return
	}

	now := m.now()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	state := ParsePlaybackState(*snap.State)
	m.playback = state
	m.volume = clampVolume(*snap.Volume)
	m.muted = *snap.Muted

	if state != StateOff {
		if snap.Title != "" {
			// Track identity replaces as one unit; a snapshot without
			// a title leaves the previous identity on display.
			m.track.Title = snap.Title
			m.track.Artist = snap.Artist
			m.track.AlbumName = snap.AlbumTitle
			m.track.AlbumArtist = snap.AlbumArtist
		}
		m.track.Duration = snap.Duration
		m.track.Position = snap.CurrentPosition
		m.track.PositionUpdatedAt = now
	}

	m.lastUpdated = now
	volume, muted := m.volume, m.muted
	m.mu.Unlock()

	m.publishEvent(events.KindSnapshotApplied, map[string]any{
		"device": m.name,
		"state":  state.String(),
		"volume": volume,
		"muted":  muted,
	})
}

// handleThumbnail stores the raw image bytes and refreshes the image
// URL's cache-busting parameter so consumers refetch. Thumbnails do
// not count as snapshots: they never advance lastUpdated.
func (m *Mirror) handleThumbnail(_ string, payload []byte) {
	now := m.now()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.thumbnail = payload
	m.imageURL = fmt.Sprintf("/api/hass_agent/%s/thumbnail.png?time=%d", m.entityID, now.UnixMilli())
	m.mu.Unlock()

	m.publishEvent(events.KindThumbnailUpdated, map[string]any{
		"device": m.name,
		"bytes":  len(payload),
	})
}

func (m *Mirror) publishEvent(kind string, data map[string]any) {
	m.bus.Publish(events.Event{
		Timestamp: m.now(),
		Source:    events.SourceMirror,
		Kind:      kind,
		Data:      data,
	})
}

// --- Read accessors ---

// Name returns the device display name.
func (m *Mirror) Name() string { return m.name }

// DeviceID returns the stable device identifier.
func (m *Mirror) DeviceID() string { return m.deviceID }

// EntityID returns the identifier used in thumbnail URLs and the
// status API.
func (m *Mirror) EntityID() string { return m.entityID }

// CommandTopic returns the topic commands are published to.
func (m *Mirror) CommandTopic() string { return m.commandTopic }

// State returns the current playback state.
func (m *Mirror) State() PlaybackState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.playback
}

// Available reports whether the device is live: true iff the last
// accepted snapshot is younger than the availability window.
func (m *Mirror) Available() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now().Sub(m.lastUpdated) < availabilityWindow
}

// VolumeLevel returns the volume as a fraction in [0, 1].
func (m *Mirror) VolumeLevel() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return float64(m.volume) / 100.0
}

// Muted reports whether the device is muted.
func (m *Mirror) Muted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.muted
}

// Track returns a copy of the current track metadata.
func (m *Mirror) Track() Track {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.track
}

// MediaContentID returns the last played media URL, if any.
func (m *Mirror) MediaContentID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mediaID
}

// ImageURL returns the cache-busted thumbnail URL, or "" before the
// first thumbnail arrives.
func (m *Mirror) ImageURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.imageURL
}

// Thumbnail returns the latest raw thumbnail bytes, or nil.
func (m *Mirror) Thumbnail() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.thumbnail
}

// Status is a copy-safe snapshot of the mirror for the status API.
type Status struct {
	DeviceID          string    `json:"device_id"`
	Name              string    `json:"name"`
	EntityID          string    `json:"entity_id"`
	State             string    `json:"state"`
	Available         bool      `json:"available"`
	VolumeLevel       float64   `json:"volume_level"`
	Muted             bool      `json:"muted"`
	Track             *Track    `json:"track,omitempty"`
	MediaContentID    string    `json:"media_content_id,omitempty"`
	MediaContentType  string    `json:"media_content_type"`
	ImageURL          string    `json:"image_url,omitempty"`
	LastUpdated       time.Time `json:"last_updated,omitzero"`
	SupportedFeatures int       `json:"supported_features"`
}

// Status returns a point-in-time copy of the mirror state.
func (m *Mirror) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{
		DeviceID:          m.deviceID,
		Name:              m.name,
		EntityID:          m.entityID,
		State:             m.playback.String(),
		Available:         m.now().Sub(m.lastUpdated) < availabilityWindow,
		VolumeLevel:       float64(m.volume) / 100.0,
		Muted:             m.muted,
		MediaContentID:    m.mediaID,
		MediaContentType:  "music",
		ImageURL:          m.imageURL,
		LastUpdated:       m.lastUpdated,
		SupportedFeatures: SupportedFeatures,
	}
	if m.track != (Track{}) {
		track := m.track
		st.Track = &track
	}
	return st
}
