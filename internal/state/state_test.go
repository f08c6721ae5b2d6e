package state

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/ticketline/internal/ticket"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "tenant.json"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestLoad_MissingFileIsFreshStart(t *testing.T) {
	s := testStore(t)

	snap, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(snap.Tickets) != 0 || len(snap.Processed) != 0 {
		t.Errorf("fresh snapshot not empty: %+v", snap)
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	s := testStore(t)
	reply := time.Now().Add(-time.Minute).UTC().Truncate(time.Second)

	in := &Snapshot{
		Tickets: map[string]ticket.Record{
			"c1": {
				ChannelID:         "c1",
				ChannelName:       "ticket-0042",
				GuildID:           "g1",
				OpenerID:          "player1",
				FirstStaffReplyAt: &reply,
				Timer:             ticket.TimerState{Phase: ticket.PhaseArmedRegular, Since: reply},
				MessageCount:      3,
			},
		},
		Counters:  ticket.Counters{TotalCreated: 5, TotalClosed: 2, MessagesSeen: 40},
		Processed: []string{"new:c1", "first:c1"},
	}
	if err := s.Save(in); err != nil {
		t.Fatalf("Save: %v", err)
	}

	out, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	rec, ok := out.Tickets["c1"]
	if !ok {
		t.Fatal("ticket c1 lost in round trip")
	}
	if rec.OpenerID != "player1" || rec.Timer.Phase != ticket.PhaseArmedRegular || rec.MessageCount != 3 {
		t.Errorf("record = %+v", rec)
	}
	if rec.FirstStaffReplyAt == nil || !rec.FirstStaffReplyAt.Equal(reply) {
		t.Errorf("FirstStaffReplyAt = %v, want %v", rec.FirstStaffReplyAt, reply)
	}
	if out.Counters != in.Counters {
		t.Errorf("counters = %+v, want %+v", out.Counters, in.Counters)
	}
	if len(out.Processed) != 2 {
		t.Errorf("processed = %v", out.Processed)
	}
}

func TestSave_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(filepath.Join(dir, "tenant.json"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := s.Save(&Snapshot{}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "tenant.json" {
		t.Errorf("dir contents = %v, want only tenant.json", entries)
	}
}

func TestLoad_CorruptFileErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tenant.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	s, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if _, err := s.Load(); err == nil {
		t.Fatal("Load accepted corrupt file")
	}
}

func TestAutosave_SavesPeriodicallyAndStops(t *testing.T) {
	s := testStore(t)

	var mu sync.Mutex
	collects := 0
	s.StartAutosave(10*time.Millisecond, func() *Snapshot {
		mu.Lock()
		collects++
		mu.Unlock()
		return &Snapshot{Counters: ticket.Counters{TotalCreated: 1}}
	})

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := collects
		mu.Unlock()
		if n >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("autosave never ran")
		case <-time.After(time.Millisecond):
		}
	}
	s.StopAutosave()

	mu.Lock()
	after := collects
	mu.Unlock()
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if collects != after {
		t.Error("autosave kept running after StopAutosave")
	}

	snap, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap.Counters.TotalCreated != 1 {
		t.Errorf("autosaved counters = %+v", snap.Counters)
	}
}
