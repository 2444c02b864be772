package telegram

import (
	"context"
	"errors"
	"fmt"

	"github.com/gotd/td/session"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// sessionVersion is the only row the storage keeps.
const sessionVersion = 1

// sessionRow is one stored gotd session blob.
type sessionRow struct {
	Version int `gorm:"primaryKey;autoIncrement:false"`
	Data    []byte
}

func (sessionRow) TableName() string {
	return "sessions"
}

// SessionStorage keeps the gotd session in the sessions table of a GORM
// database, so restarts reuse the authorization. It implements
// session.Storage.
type SessionStorage struct {
	db *gorm.DB
}

// NewSessionStorage creates the sessions table when missing.
func NewSessionStorage(db *gorm.DB) (*SessionStorage, error) {
	if err := db.AutoMigrate(&sessionRow{}); err != nil {
		return nil, fmt.Errorf("migrate sessions table: %w", err)
	}
	return &SessionStorage{db: db}, nil
}

// LoadSession implements session.Storage.
func (s *SessionStorage) LoadSession(ctx context.Context) ([]byte, error) {
	var row sessionRow
	err := s.db.WithContext(ctx).Where("version = ?", sessionVersion).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && len(row.Data) == 0) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return row.Data, nil
}

// StoreSession implements session.Storage.
func (s *SessionStorage) StoreSession(ctx context.Context, data []byte) error {
	row := sessionRow{Version: sessionVersion, Data: data}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "version"}},
		DoUpdates: clause.AssignmentColumns([]string{"data"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

// HasSession reports whether a session row exists.
func (s *SessionStorage) HasSession(ctx context.Context) (bool, error) {
	_, err := s.LoadSession(ctx)
	if errors.Is(err, session.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Import saves decoded session data, e.g. converted from a Telegram
// Desktop profile.
func (s *SessionStorage) Import(ctx context.Context, data *session.Data) error {
	if data == nil {
		return errors.New("session data is nil")
	}
	loader := session.Loader{Storage: s}
	if err := loader.Save(ctx, data); err != nil {
		return fmt.Errorf("import session: %w", err)
	}
	return nil
}

// Clear removes the stored session, logging the account out locally.
func (s *SessionStorage) Clear(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Where("version = ?", sessionVersion).Delete(&sessionRow{}).Error; err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}
