package statelease

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/reviewstack/notedb/internal/change"
)

// Record is the persisted form of one change's consistency token.
type Record struct {
	ChangeID         int    `gorm:"column:change_id;primaryKey"`
	Project          string `gorm:"column:project;size:255;not null"`
	Token            string `gorm:"column:token;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName pins the table name independent of gorm's pluralization.
func (Record) TableName() string {
	return "change_state_leases"
}

// Store reads and writes consistency tokens.
type Store struct {
	db *gorm.DB
}

// NewStore wraps an open database handle.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("statelease: database handle is required")
	}
	return &Store{db: db}, nil
}

// Get returns the token for a change; the second result is false when the
// change has no token, which readers treat as legacy-primary.
func (s *Store) Get(ctx context.Context, id change.ID) (Token, bool, error) {
	var rec Record
	err := s.db.WithContext(ctx).Where("change_id = ?", id.Int()).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Token{}, false, nil
	}
	if err != nil {
		return Token{}, false, err
	}
	t, err := Parse(rec.Token)
	if err != nil {
		return Token{}, false, err
	}
	return t, true, nil
}

// Put upserts the token for a change.
func (s *Store) Put(ctx context.Context, id change.ID, project change.Project, t Token) error {
	rec := Record{
		ChangeID:         id.Int(),
		Project:          project.String(),
		Token:            t.String(),
		UpdatedAtSeconds: time.Now().UTC().Unix(),
	}
	return s.db.WithContext(ctx).Save(&rec).Error
}

// Delete removes a change's token, e.g. after the change itself is
// deleted.
func (s *Store) Delete(ctx context.Context, id change.ID) error {
	return s.db.WithContext(ctx).Delete(&Record{}, "change_id = ?", id.Int()).Error
}
