package mediaplayer

import (
	"context"
	"io"
	"log/slog"
	"testing"
)

func fleetMirror(t *testing.T, name string, tr *fakeTransport) *Mirror {
	t.Helper()
	m, err := New(Options{
		Name:      name,
		Transport: tr,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New(%q) error: %v", name, err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start(%q) error: %v", name, err)
	}
	return m
}

func TestFleet_AddAndLookup(t *testing.T) {
	tr := newFakeTransport()
	f := NewFleet()

	a := fleetMirror(t, "device-a", tr)
	b := fleetMirror(t, "device-b", tr)
	if err := f.Add(a); err != nil {
		t.Fatalf("Add error: %v", err)
	}
	if err := f.Add(b); err != nil {
		t.Fatalf("Add error: %v", err)
	}

	if got := f.ByEntityID(a.EntityID()); got != a {
		t.Error("lookup by entity ID returned wrong mirror")
	}
	if got := f.ByEntityID("media_player_missing"); got != nil {
		t.Errorf("lookup of unknown entity = %v, want nil", got)
	}
	if f.Len() != 2 {
		t.Errorf("Len = %d, want 2", f.Len())
	}

	all := f.All()
	if len(all) != 2 || all[0] != a || all[1] != b {
		t.Error("All did not preserve registration order")
	}
}

func TestFleet_RejectsDuplicates(t *testing.T) {
	tr := newFakeTransport()
	f := NewFleet()
	m := fleetMirror(t, "device-a", tr)

	if err := f.Add(m); err != nil {
		t.Fatalf("Add error: %v", err)
	}
	if err := f.Add(m); err == nil {
		t.Error("duplicate Add should error")
	}
}

func TestFleet_CloseAll(t *testing.T) {
	tr := newFakeTransport()
	f := NewFleet()
	a := fleetMirror(t, "device-a", tr)
	b := fleetMirror(t, "device-b", tr)
	f.Add(a)
	f.Add(b)

	if err := f.Close(context.Background()); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if err := a.Play(context.Background()); err == nil {
		t.Error("mirror a should be closed")
	}
	if err := b.Play(context.Background()); err == nil {
		t.Error("mirror b should be closed")
	}
}
