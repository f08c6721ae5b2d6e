package archive

import (
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/zulandar/ticketline/internal/ticket"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(AllModels()...); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}

func TestArchiveTicket_WriteAndQuery(t *testing.T) {
	db := openTestDB(t)
	store := NewStore(db, "main")
	reply := time.Now().Add(-time.Hour)

	err := store.ArchiveTicket(ticket.ArchiveRecord{
		ChannelID:         "c1",
		ChannelName:       "ticket-0042",
		GuildID:           "g1",
		OpenerID:          "player1",
		CreatedAt:         time.Now().Add(-2 * time.Hour),
		ClosedAt:          time.Now(),
		FirstStaffReplyAt: &reply,
		MessageCount:      7,
	})
	if err != nil {
		t.Fatalf("ArchiveTicket: %v", err)
	}

	rows, err := store.RecentClosed(10)
	if err != nil {
		t.Fatalf("RecentClosed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	got := rows[0]
	if got.ChannelID != "c1" || got.OpenerID != "player1" || got.MessageCount != 7 || got.Partial {
		t.Errorf("row = %+v", got)
	}
	if got.FirstStaffReplyAt == nil {
		t.Error("FirstStaffReplyAt lost")
	}
}

func TestRecentClosed_ScopedToTenantNewestFirst(t *testing.T) {
	db := openTestDB(t)
	main := NewStore(db, "main")
	other := NewStore(db, "other")

	base := time.Now()
	for i, rec := range []ticket.ArchiveRecord{
		{ChannelID: "c1", ClosedAt: base.Add(-2 * time.Hour)},
		{ChannelID: "c2", ClosedAt: base.Add(-1 * time.Hour)},
	} {
		if err := main.ArchiveTicket(rec); err != nil {
			t.Fatalf("ArchiveTicket %d: %v", i, err)
		}
	}
	if err := other.ArchiveTicket(ticket.ArchiveRecord{ChannelID: "x1", ClosedAt: base}); err != nil {
		t.Fatalf("ArchiveTicket other: %v", err)
	}

	rows, err := main.RecentClosed(10)
	if err != nil {
		t.Fatalf("RecentClosed: %v", err)
	}
	if len(rows) != 2 || rows[0].ChannelID != "c2" || rows[1].ChannelID != "c1" {
		t.Errorf("rows = %+v, want [c2 c1]", rows)
	}
}

func TestAppendMessage_DuplicateMessageIDSkipped(t *testing.T) {
	db := openTestDB(t)
	store := NewStore(db, "main")

	entry := ticket.MessageEntry{
		ChannelID: "c1",
		MessageID: "m1",
		AuthorID:  "player1",
		Content:   "hello",
		Timestamp: time.Now(),
	}
	if err := store.AppendMessage(entry); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if err := store.AppendMessage(entry); err != nil {
		t.Fatalf("AppendMessage replay: %v", err)
	}

	rows, err := store.Messages("c1", 10)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("rows = %d, want 1 (replay deduplicated)", len(rows))
	}
}

func TestMessages_OldestFirst(t *testing.T) {
	db := openTestDB(t)
	store := NewStore(db, "main")
	base := time.Now()

	for i, m := range []ticket.MessageEntry{
		{ChannelID: "c1", MessageID: "m2", Content: "second", Timestamp: base},
		{ChannelID: "c1", MessageID: "m1", Content: "first", Timestamp: base.Add(-time.Minute)},
	} {
		if err := store.AppendMessage(m); err != nil {
			t.Fatalf("AppendMessage %d: %v", i, err)
		}
	}

	rows, err := store.Messages("c1", 10)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(rows) != 2 || rows[0].Content != "first" {
		t.Errorf("rows = %+v, want oldest first", rows)
	}
}

func TestClosedSince_CountsWithinWindow(t *testing.T) {
	db := openTestDB(t)
	store := NewStore(db, "main")
	now := time.Now()

	for _, rec := range []ticket.ArchiveRecord{
		{ChannelID: "old", ClosedAt: now.Add(-48 * time.Hour)},
		{ChannelID: "recent", ClosedAt: now.Add(-time.Hour)},
	} {
		if err := store.ArchiveTicket(rec); err != nil {
			t.Fatalf("ArchiveTicket: %v", err)
		}
	}

	n, err := store.ClosedSince(now.Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("ClosedSince: %v", err)
	}
	if n != 1 {
		t.Errorf("ClosedSince = %d, want 1", n)
	}
}
