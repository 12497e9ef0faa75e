package mediaplayer

import "testing"

func TestParsePlaybackState(t *testing.T) {
	tests := []struct {
		raw  string
		want PlaybackState
	}{
		{"off", StateOff},
		{"OFF", StateOff},
		{"idle", StateIdle},
		{"playing", StatePlaying},
		{"Playing", StatePlaying},
		{"paused", StatePaused},
		{"standby", StateStandby},
		{"buffering", StateBuffering},
		// Unknown strings fall back to idle, never off.
		{"weird", StateIdle},
		{"", StateIdle},
		{"stopped", StateIdle},
	}

	for _, tt := range tests {
		if got := ParsePlaybackState(tt.raw); got != tt.want {
			t.Errorf("ParsePlaybackState(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestPlaybackState_String(t *testing.T) {
	tests := []struct {
		state PlaybackState
		want  string
	}{
		{StateOff, "off"},
		{StateIdle, "idle"},
		{StatePlaying, "playing"},
		{StatePaused, "paused"},
		{StateStandby, "standby"},
		{StateBuffering, "buffering"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestClampVolume(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{-1, 0},
		{0, 0},
		{50, 50},
		{100, 100},
		{101, 100},
	}
	for _, tt := range tests {
		if got := clampVolume(tt.in); got != tt.want {
			t.Errorf("clampVolume(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
