package manager

import (
	"strings"
	"testing"

	"camshare/internal/hal"
	"camshare/internal/sim"
	"camshare/internal/virtual"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	return New(t.TempDir())
}

func TestAddCameraRejectsDuplicates(t *testing.T) {
	t.Parallel()

	m := newManager(t)
	if _, err := m.AddCamera("cam0", sim.New("cam0", sim.Config{}), hal.Config{}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := m.AddCamera("cam0", sim.New("cam0", sim.Config{}), hal.Config{}); err == nil {
		t.Fatal("duplicate camera accepted")
	}
	if got := m.Cameras(); len(got) != 1 || got[0] != "cam0" {
		t.Fatalf("cameras: got %v, want [cam0]", got)
	}
}

func TestOpenUnknownCamera(t *testing.T) {
	t.Parallel()

	m := newManager(t)
	if _, err := m.Open("nope", virtual.Spec{}); err == nil {
		t.Fatal("open on an unknown camera succeeded")
	}
}

func TestOpenAndCloseVirtualCamera(t *testing.T) {
	t.Parallel()

	m := newManager(t)
	session, err := m.AddCamera("cam0", sim.New("cam0", sim.Config{PoolLimit: 8}), hal.Config{SyncSupported: true})
	if err != nil {
		t.Fatal(err)
	}

	cam, err := m.Open("cam0", virtual.Spec{AllowedBuffers: 2})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if got := session.Stats().Clients; got != 1 {
		t.Fatalf("session clients: got %d, want 1", got)
	}
	if got := session.Stats().BufferDemand; got != 2 {
		t.Fatalf("buffer demand: got %d, want 2", got)
	}

	cam.Close()
	if got := session.Stats().Clients; got != 0 {
		t.Fatalf("session clients after close: got %d, want 0", got)
	}
	if got := m.Registry().Len(); got != 0 {
		t.Fatalf("registry entries after close: got %d, want 0", got)
	}
}

func TestDisabledCameraCannotBeOpened(t *testing.T) {
	t.Parallel()

	m := newManager(t)
	if _, err := m.AddCamera("cam0", sim.New("cam0", sim.Config{}), hal.Config{}); err != nil {
		t.Fatal(err)
	}
	if err := m.UpdateCameraMeta(&Meta{Id: "cam0", Name: "lobby", Enabled: false}); err != nil {
		t.Fatal(err)
	}

	if _, err := m.Open("cam0", virtual.Spec{}); err == nil {
		t.Fatal("disabled camera opened")
	}

	meta, err := m.GetCameraMeta("cam0")
	if err != nil {
		t.Fatalf("meta: %v", err)
	}
	if meta.Name != "lobby" || meta.Enabled {
		t.Fatalf("meta round-trip: got %+v", meta)
	}
}

func TestSubscribeReceivesEnableFlips(t *testing.T) {
	t.Parallel()

	m := newManager(t)
	if _, err := m.AddCamera("cam0", sim.New("cam0", sim.Config{}), hal.Config{}); err != nil {
		t.Fatal(err)
	}
	if err := m.UpdateCameraMeta(&Meta{Id: "cam0", Enabled: true}); err != nil {
		t.Fatal(err)
	}

	var events []*Event
	cancel := m.Subscribe(func(ev *Event) { events = append(events, ev) })
	defer cancel()

	// The enabled camera is replayed on subscription.
	if len(events) != 1 || events[0].Type != EventTypeStartCamera {
		t.Fatalf("replayed events: got %+v, want one start event", events)
	}

	if err := m.UpdateCameraMeta(&Meta{Id: "cam0", Enabled: false}); err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[1].Type != EventTypeStopCamera {
		t.Fatalf("events after disable: got %+v, want a stop event", events)
	}

	// Re-enabling announces a start again; unchanged writes stay silent.
	if err := m.UpdateCameraMeta(&Meta{Id: "cam0", Enabled: true}); err != nil {
		t.Fatal(err)
	}
	if err := m.UpdateCameraMeta(&Meta{Id: "cam0", Enabled: true}); err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("events after re-enable: got %d, want 3", len(events))
	}
}

func TestDumpListsEverySession(t *testing.T) {
	t.Parallel()

	m := newManager(t)
	for _, id := range []string{"cam0", "cam1"} {
		if _, err := m.AddCamera(id, sim.New(id, sim.Config{}), hal.Config{}); err != nil {
			t.Fatal(err)
		}
	}

	var b strings.Builder
	m.Dump(&b)
	out := b.String()
	if !strings.Contains(out, "cam0") || !strings.Contains(out, "cam1") {
		t.Fatalf("dump missing cameras:\n%s", out)
	}
}
