// Package archive is the durable store for closed tickets and the
// per-ticket message log, backed by GORM over SQLite or MySQL.
package archive

import (
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/zulandar/ticketline/internal/config"
	"github.com/zulandar/ticketline/internal/ticket"
)

// TicketArchive is one closed ticket.
type TicketArchive struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	Tenant      string `gorm:"size:64;index"`
	ChannelID   string `gorm:"size:32;index"`
	ChannelName string `gorm:"size:128"`
	GuildID     string `gorm:"size:32"`
	OpenerID    string `gorm:"size:32"`
	OpenerName  string `gorm:"size:128"`

	OpenedAt          time.Time
	ClosedAt          time.Time `gorm:"index"`
	FirstStaffReplyAt *time.Time
	MessageCount      int64
	Partial           bool
}

// MessageLog is one inbound ticket message.
type MessageLog struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	Tenant     string `gorm:"size:64;index:idx_tenant_channel"`
	ChannelID  string `gorm:"size:32;index:idx_tenant_channel"`
	MessageID  string `gorm:"size:32;uniqueIndex"`
	AuthorID   string `gorm:"size:32"`
	AuthorName string `gorm:"size:128"`
	Staff      bool
	Content    string `gorm:"type:text"`
	SentAt     time.Time
}

// AllModels lists every table for migration.
func AllModels() []any {
	return []any{&TicketArchive{}, &MessageLog{}}
}

// Open connects to the configured archive database and migrates tables.
func Open(cfg config.ArchiveConfig) (*gorm.DB, error) {
	var dial gorm.Dialector
	switch cfg.Driver {
	case "mysql":
		dial = mysql.Open(cfg.DSN)
	case "sqlite":
		dial = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("archive: unknown driver %q", cfg.Driver)
	}
	db, err := gorm.Open(dial, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("archive: open %s database: %w", cfg.Driver, err)
	}
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return nil, fmt.Errorf("archive: migrate: %w", err)
	}
	return db, nil
}

// Store is one tenant's view of the archive database. It implements
// ticket.Archiver.
type Store struct {
	db     *gorm.DB
	tenant string
}

// NewStore creates a tenant-scoped Store over an open database.
func NewStore(db *gorm.DB, tenant string) *Store {
	return &Store{db: db, tenant: tenant}
}

// ArchiveTicket writes the closed-ticket record.
func (s *Store) ArchiveTicket(rec ticket.ArchiveRecord) error {
	row := TicketArchive{
		Tenant:            s.tenant,
		ChannelID:         rec.ChannelID,
		ChannelName:       rec.ChannelName,
		GuildID:           rec.GuildID,
		OpenerID:          rec.OpenerID,
		OpenerName:        rec.OpenerName,
		OpenedAt:          rec.CreatedAt,
		ClosedAt:          rec.ClosedAt,
		FirstStaffReplyAt: rec.FirstStaffReplyAt,
		MessageCount:      rec.MessageCount,
		Partial:           rec.Partial,
	}
	if err := s.db.Create(&row).Error; err != nil {
		return fmt.Errorf("archive: write ticket %s: %w", rec.ChannelID, err)
	}
	return nil
}

// AppendMessage writes one message-log row. A replayed message ID is
// silently skipped, so gateway redeliveries cannot duplicate log rows.
func (s *Store) AppendMessage(entry ticket.MessageEntry) error {
	row := MessageLog{
		Tenant:     s.tenant,
		ChannelID:  entry.ChannelID,
		MessageID:  entry.MessageID,
		AuthorID:   entry.AuthorID,
		AuthorName: entry.AuthorName,
		Staff:      entry.Staff,
		Content:    entry.Content,
		SentAt:     entry.Timestamp,
	}
	err := s.db.Where("message_id = ?", entry.MessageID).
		FirstOrCreate(&row).Error
	if err != nil {
		return fmt.Errorf("archive: append message %s: %w", entry.MessageID, err)
	}
	return nil
}

// RecentClosed returns the most recently closed tickets, newest first.
func (s *Store) RecentClosed(limit int) ([]TicketArchive, error) {
	var rows []TicketArchive
	err := s.db.Where("tenant = ?", s.tenant).
		Order("closed_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("archive: query closed tickets: %w", err)
	}
	return rows, nil
}

// Messages returns the logged messages for one channel, oldest first.
func (s *Store) Messages(channelID string, limit int) ([]MessageLog, error) {
	var rows []MessageLog
	err := s.db.Where("tenant = ? AND channel_id = ?", s.tenant, channelID).
		Order("sent_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("archive: query messages for %s: %w", channelID, err)
	}
	return rows, nil
}

// ClosedSince counts tickets closed at or after the cutoff, used by the
// daily digest.
func (s *Store) ClosedSince(cutoff time.Time) (int64, error) {
	var n int64
	err := s.db.Model(&TicketArchive{}).
		Where("tenant = ? AND closed_at >= ?", s.tenant, cutoff).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("archive: count closed tickets: %w", err)
	}
	return n, nil
}
