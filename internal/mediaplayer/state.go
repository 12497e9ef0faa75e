package mediaplayer

import (
	"strings"
	"time"
)

// PlaybackState is the externally visible play state of a device.
type PlaybackState int

const (
	// StateOff is only ever set from an explicit "off" in an agent
	// snapshot, never as a fallback.
	StateOff PlaybackState = iota
	StateIdle
	StatePlaying
	StatePaused
	StateStandby
	StateBuffering
)

// ParsePlaybackState maps a raw agent state string to a PlaybackState.
// Matching is case-insensitive. Unrecognized values map to StateIdle:
// an unknown state is a defined fallback, not an error.
func ParsePlaybackState(raw string) PlaybackState {
	switch strings.ToLower(raw) {
	case "off":
		return StateOff
	case "playing":
		return StatePlaying
	case "paused":
		return StatePaused
	case "standby":
		return StateStandby
	case "buffering":
		return StateBuffering
	default:
		return StateIdle
	}
}

func (s PlaybackState) String() string {
	switch s {
	case StateOff:
		return "off"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateStandby:
		return "standby"
	case StateBuffering:
		return "buffering"
	default:
		return "idle"
	}
}

// Feature bits advertised by every mirror, matching Home Assistant's
// MediaPlayerEntityFeature values.
const (
	FeaturePause         = 1
	FeatureSeek          = 2
	FeatureVolumeSet     = 4
	FeatureVolumeMute    = 8
	FeaturePreviousTrack = 16
	FeatureNextTrack     = 32
	FeatureTurnOff       = 256
	FeaturePlayMedia     = 512
	FeatureVolumeStep    = 1024
	FeatureStop          = 4096
	FeaturePlay          = 16384
)

// SupportedFeatures is the feature mask every agent mirror reports.
const SupportedFeatures = FeaturePause |
	FeatureSeek |
	FeatureVolumeSet |
	FeatureVolumeMute |
	FeaturePreviousTrack |
	FeatureNextTrack |
	FeatureTurnOff |
	FeaturePlayMedia |
	FeatureVolumeStep |
	FeatureStop |
	FeaturePlay

// Track holds the currently displayed media metadata. The identity
// fields (Title, Artist, AlbumName, AlbumArtist) are only ever
// replaced together, as one unit; Duration and Position update
// independently with every snapshot.
type Track struct {
	Title             string    `json:"title,omitempty"`
	Artist            string    `json:"artist,omitempty"`
	AlbumName         string    `json:"album_name,omitempty"`
	AlbumArtist       string    `json:"album_artist,omitempty"`
	Duration          float64   `json:"duration,omitempty"`
	Position          float64   `json:"position,omitempty"`
	PositionUpdatedAt time.Time `json:"position_updated_at,omitzero"`
}

// clampVolume bounds a reported volume to the valid 0-100 range.
func clampVolume(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
