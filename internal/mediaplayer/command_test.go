package mediaplayer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

// decodeEnvelope unmarshals the last published command for assertions.
func decodeEnvelope(t *testing.T, tr *fakeTransport) map[string]json.RawMessage {
	t.Helper()
	pubs := tr.publishes()
	if len(pubs) == 0 {
		t.Fatal("no command published")
	}
	var env map[string]json.RawMessage
	if err := json.Unmarshal(pubs[len(pubs)-1].payload, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	return env
}

func rawString(t *testing.T, raw json.RawMessage) string {
	t.Helper()
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		t.Fatalf("unmarshal %s as string: %v", raw, err)
	}
	return s
}

func TestCommands_WireMapping(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		call      func(m *Mirror) error
		wantCmd   string
		wantState PlaybackState
	}{
		{"play", func(m *Mirror) error { return m.Play(ctx) }, "play", StatePlaying},
		{"pause", func(m *Mirror) error { return m.Pause(ctx) }, "pause", StatePaused},
		{"stop", func(m *Mirror) error { return m.Stop(ctx) }, "pause", StateIdle},
		{"turn off", func(m *Mirror) error { return m.TurnOff(ctx) }, "pause", StateIdle},
		{"next", func(m *Mirror) error { return m.NextTrack(ctx) }, "next", StateIdle},
		{"previous", func(m *Mirror) error { return m.PreviousTrack(ctx) }, "previous", StateIdle},
		{"volume up", func(m *Mirror) error { return m.VolumeUp(ctx) }, "volumeup", StateIdle},
		{"volume down", func(m *Mirror) error { return m.VolumeDown(ctx) }, "volumedown", StateIdle},
		{"mute", func(m *Mirror) error { return m.MuteVolume(ctx, true) }, "mute", StateIdle},
		{"unmute request still sends mute", func(m *Mirror) error { return m.MuteVolume(ctx, false) }, "mute", StateIdle},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, tr, _ := newTestMirror(t)
			if err := tt.call(m); err != nil {
				t.Fatalf("command error: %v", err)
			}

			pubs := tr.publishes()
			if len(pubs) != 1 {
				t.Fatalf("published %d messages, want exactly 1", len(pubs))
			}
			if pubs[0].topic != m.CommandTopic() {
				t.Errorf("topic = %q, want %q", pubs[0].topic, m.CommandTopic())
			}

			env := decodeEnvelope(t, tr)
			if got := rawString(t, env["command"]); got != tt.wantCmd {
				t.Errorf("command = %q, want %q", got, tt.wantCmd)
			}
			// data and info are explicit nulls when unused.
			if string(env["data"]) != "null" {
				t.Errorf("data = %s, want null", env["data"])
			}
			if string(env["info"]) != "null" {
				t.Errorf("info = %s, want null", env["info"])
			}
			if m.State() != tt.wantState {
				t.Errorf("optimistic state = %v, want %v", m.State(), tt.wantState)
			}
		})
	}
}

func TestStopTurnOffPause_ShareWireCommand(t *testing.T) {
	// The agent protocol collapses stop and turn-off onto "pause".
	// Regression guard: all three must stay byte-identical on the wire.
	ctx := context.Background()
	m, tr, _ := newTestMirror(t)

	m.Pause(ctx)
	m.Stop(ctx)
	m.TurnOff(ctx)

	pubs := tr.publishes()
	if len(pubs) != 3 {
		t.Fatalf("published %d messages, want 3", len(pubs))
	}
	for i, p := range pubs {
		var env map[string]json.RawMessage
		json.Unmarshal(p.payload, &env)
		if got := rawString(t, env["command"]); got != "pause" {
			t.Errorf("publish %d command = %q, want pause", i, got)
		}
	}
}

func TestSetVolumeLevel_Rounding(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		level float64
		want  string
	}{
		{0.5, "50"},
		{1.0, "100"},
		{0.004, "0"},
		{0.25, "25"},
	}

	for _, tt := range tests {
		m, tr, _ := newTestMirror(t)
		if err := m.SetVolumeLevel(ctx, tt.level); err != nil {
			t.Fatalf("SetVolumeLevel(%v) error: %v", tt.level, err)
		}
		env := decodeEnvelope(t, tr)
		if got := rawString(t, env["command"]); got != "setvolume" {
			t.Errorf("command = %q, want setvolume", got)
		}
		if string(env["data"]) != tt.want {
			t.Errorf("SetVolumeLevel(%v) data = %s, want %s", tt.level, env["data"], tt.want)
		}
		// No optimistic volume change: the stored level waits for the
		// next snapshot.
		if got := m.VolumeLevel(); got != 0 {
			t.Errorf("stored volume mutated to %v", got)
		}
	}
}

func TestSeek_OptimisticPosition(t *testing.T) {
	m, tr, clock := newTestMirror(t)
	m.handleState(m.stateTopic, []byte(fullSnapshot))

	clock.Advance(2 * time.Second)
	if err := m.Seek(context.Background(), 300.5); err != nil {
		t.Fatalf("Seek error: %v", err)
	}

	env := decodeEnvelope(t, tr)
	if got := rawString(t, env["command"]); got != "seek" {
		t.Errorf("command = %q, want seek", got)
	}
	if string(env["data"]) != "300.5" {
		t.Errorf("data = %s, want 300.5", env["data"])
	}

	track := m.Track()
	if track.Position != 300.5 {
		t.Errorf("optimistic position = %v, want 300.5", track.Position)
	}
	if !track.PositionUpdatedAt.Equal(clock.Now()) {
		t.Errorf("position timestamp = %v, want %v", track.PositionUpdatedAt, clock.Now())
	}
}

func TestPlayMedia_RejectsUnsupportedType(t *testing.T) {
	m, tr, _ := newTestMirror(t)
	m.handleState(m.stateTopic, []byte(fullSnapshot))
	before := m.Status()

	err := m.PlayMedia(context.Background(), "video/mp4", "id123", nil)
	if !errors.Is(err, ErrUnsupportedMediaType) {
		t.Fatalf("error = %v, want ErrUnsupportedMediaType", err)
	}
	if len(tr.publishes()) != 0 {
		t.Error("rejected PlayMedia must not publish")
	}
	after := m.Status()
	if after.State != before.State || after.Track == nil || *after.Track != *before.Track {
		t.Error("rejected PlayMedia must not mutate state")
	}
}

type fakeResolver struct {
	resolved map[string]string
	err      error
	calls    []string
}

func (r *fakeResolver) ResolveMedia(_ context.Context, mediaID string) (string, error) {
	r.calls = append(r.calls, mediaID)
	if r.err != nil {
		return "", r.err
	}
	if url, ok := r.resolved[mediaID]; ok {
		return url, nil
	}
	return mediaID, nil
}

func TestPlayMedia_ResolvesAndAppliesOptimistically(t *testing.T) {
	m, tr, _ := newTestMirror(t)
	resolver := &fakeResolver{resolved: map[string]string{
		"media-source://x": "http://ha.local/media/x.mp3",
	}}
	m.resolver = resolver

	extra := map[string]any{
		"metadata": map[string]any{"title": "Song A"},
	}
	if err := m.PlayMedia(context.Background(), "music", "media-source://x", extra); err != nil {
		t.Fatalf("PlayMedia error: %v", err)
	}

	if len(resolver.calls) != 1 || resolver.calls[0] != "media-source://x" {
		t.Errorf("resolver calls = %v", resolver.calls)
	}

	pubs := tr.publishes()
	if len(pubs) != 1 {
		t.Fatalf("published %d messages, want exactly 1", len(pubs))
	}
	env := decodeEnvelope(t, tr)
	if got := rawString(t, env["command"]); got != "playmedia" {
		t.Errorf("command = %q, want playmedia", got)
	}
	if got := rawString(t, env["data"]); got != "http://ha.local/media/x.mp3" {
		t.Errorf("data = %q, want resolved URL", got)
	}
	var info mediaInfo
	if err := json.Unmarshal(env["info"], &info); err != nil {
		t.Fatalf("unmarshal info: %v", err)
	}
	if info.Title != "Song A" {
		t.Errorf("info.title = %q, want Song A", info.Title)
	}

	if m.State() != StatePlaying {
		t.Errorf("state = %v, want playing", m.State())
	}
	if !m.Available() {
		t.Error("PlayMedia must mark the mirror available")
	}
	if m.Track().Title != "Song A" {
		t.Errorf("track title = %q, want Song A", m.Track().Title)
	}
	if m.MediaContentID() != "http://ha.local/media/x.mp3" {
		t.Errorf("media content id = %q", m.MediaContentID())
	}
}

func TestPlayMedia_ResolveFailureAborts(t *testing.T) {
	m, tr, _ := newTestMirror(t)
	m.resolver = &fakeResolver{err: fmt.Errorf("media source gone")}

	err := m.PlayMedia(context.Background(), "music", "media-source://x", nil)
	if err == nil {
		t.Fatal("expected resolve error")
	}
	if len(tr.publishes()) != 0 {
		t.Error("failed resolve must not publish")
	}
	if m.State() != StateIdle {
		t.Error("failed resolve must not mutate state")
	}
}

func TestPlayMedia_MetadataFallbacks(t *testing.T) {
	m, tr, _ := newTestMirror(t)

	// No title anywhere: placeholder title. Album fields accept both
	// key spellings, image comes from the images list first.
	extra := map[string]any{
		"metadata": map[string]any{
			"artist":     "Some Artist",
			"albumtitle": "Some Album",
			"images": []any{
				map[string]any{"url": "http://img/1.png"},
			},
			"imageUrl": "http://img/fallback.png",
		},
	}
	if err := m.PlayMedia(context.Background(), "audio/mpeg", "http://stream/x", extra); err != nil {
		t.Fatalf("PlayMedia error: %v", err)
	}

	env := decodeEnvelope(t, tr)
	var info mediaInfo
	json.Unmarshal(env["info"], &info)
	if info.Title != "Home Assistant" {
		t.Errorf("title = %q, want placeholder Home Assistant", info.Title)
	}
	if info.AlbumTitle != "Some Album" {
		t.Errorf("albumtitle = %q", info.AlbumTitle)
	}
	if info.ImageURL != "http://img/1.png" {
		t.Errorf("image_url = %q, want list entry over flat key", info.ImageURL)
	}
	if m.ImageURL() != "http://img/1.png" {
		t.Errorf("mirror image URL = %q", m.ImageURL())
	}
}

func TestPlayMedia_AcceptedPrefixes(t *testing.T) {
	for _, mediaType := range []string{"music", "audio/flac", "provider"} {
		m, tr, _ := newTestMirror(t)
		if err := m.PlayMedia(context.Background(), mediaType, "http://x", nil); err != nil {
			t.Errorf("PlayMedia(%q) error: %v", mediaType, err)
		}
		if len(tr.publishes()) != 1 {
			t.Errorf("PlayMedia(%q) publishes = %d, want 1", mediaType, len(tr.publishes()))
		}
	}
}

func TestDispatch_TransportFailureKeepsOptimisticState(t *testing.T) {
	m, tr, _ := newTestMirror(t)
	tr.publishErr = fmt.Errorf("broker unreachable")

	err := m.Play(context.Background())
	if err == nil {
		t.Fatal("expected transport error to propagate")
	}
	// No rollback: the next snapshot corrects the mirror wholesale.
	if m.State() != StatePlaying {
		t.Errorf("state = %v, want playing retained after failed publish", m.State())
	}
}

func TestDispatch_RequiresStart(t *testing.T) {
	m, err := New(Options{Name: "cold", Transport: newFakeTransport()})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if err := m.Play(context.Background()); err == nil {
		t.Error("command before Start should error")
	}
}

func TestDispatch_ClosedMirrorRejectsCommands(t *testing.T) {
	m, tr, _ := newTestMirror(t)
	m.Close(context.Background())

	if err := m.Play(context.Background()); err == nil {
		t.Error("command on closed mirror should error")
	}
	if len(tr.publishes()) != 0 {
		t.Error("closed mirror must not publish")
	}
}
