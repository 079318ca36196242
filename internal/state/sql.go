package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/drallgood/reading-activity-sync/internal/models"
)

// stateRow is one (profile, book key) entry
type stateRow struct {
	Profile     string  `gorm:"primaryKey;size:191"`
	BookKey     string  `gorm:"primaryKey;size:191"`
	Status      string  `gorm:"size:32;not null"`
	Progress    float64 `gorm:"not null"`
	StartDate   *time.Time
	FinishDate  *time.Time
	LastWriteAt time.Time
	Source      string `gorm:"size:32"`
	Seeded      bool   `gorm:"not null;default:false"`
}

func (stateRow) TableName() string { return "sync_states" }

// auditRow is one append-only audit entry; previous/current are JSON encoded SyncStates
type auditRow struct {
	ID        uint   `gorm:"primaryKey"`
	Profile   string `gorm:"index;size:191;not null"`
	BookKey   string `gorm:"size:191;not null"`
	Reason    string `gorm:"size:64"`
	Previous  string `gorm:"type:text"`
	Current   string `gorm:"type:text;not null"`
	CreatedAt time.Time
}

func (auditRow) TableName() string { return "sync_audit_entries" }

func (r stateRow) toState() models.SyncState {
	return models.SyncState{
		Status:      models.Status(r.Status),
		Progress:    r.Progress,
		StartDate:   utcPtr(r.StartDate),
		FinishDate:  utcPtr(r.FinishDate),
		LastWriteAt: r.LastWriteAt.UTC(),
		Source:      models.Platform(r.Source),
		Seeded:      r.Seeded,
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func rowOf(profile models.Profile, bookKey string, st models.SyncState) stateRow {
	return stateRow{
		Profile:     profile.Name,
		BookKey:     bookKey,
		Status:      string(st.Status),
		Progress:    st.Progress,
		StartDate:   st.StartDate,
		FinishDate:  st.FinishDate,
		LastWriteAt: st.LastWriteAt,
		Source:      string(st.Source),
		Seeded:      st.Seeded,
	}
}

// SQLStore keeps state in the sync_states table and the audit trail in
// sync_audit_entries; an upsert and its audit row share one transaction
type SQLStore struct {
	db *gorm.DB
}

var _ Store = (*SQLStore)(nil)
var _ AuditReader = (*SQLStore)(nil)

// NewSQLStore migrates the schema and returns a store over db
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(&stateRow{}, &auditRow{}); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// Get retrieves the entry for bookKey
func (s *SQLStore) Get(ctx context.Context, profile models.Profile, bookKey string) (models.SyncState, bool, error) {
	var row stateRow
	err := s.db.WithContext(ctx).
		Where("profile = ? AND book_key = ?", profile.Name, bookKey).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.SyncState{}, false, nil
	}
	if err != nil {
		return models.SyncState{}, false, fmt.Errorf("failed to read sync state: %w", err)
	}
	st := row.toState()
	if err := st.Validate(); err != nil {
		return models.SyncState{}, false, corrupt(profile, "", fmt.Errorf("entry %q: %w", bookKey, err))
	}
	return st, true, nil
}

// SnapshotAll reads every entry of the profile
func (s *SQLStore) SnapshotAll(ctx context.Context, profile models.Profile) (map[string]models.SyncState, error) {
	var rows []stateRow
	if err := s.db.WithContext(ctx).Where("profile = ?", profile.Name).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to read sync state: %w", err)
	}
	out := make(map[string]models.SyncState, len(rows))
	for _, row := range rows {
		st := row.toState()
		if err := st.Validate(); err != nil {
			return nil, corrupt(profile, "", fmt.Errorf("entry %q: %w", row.BookKey, err))
		}
		out[row.BookKey] = st
	}
	return out, nil
}

// Upsert writes the entry and its audit row in one transaction
func (s *SQLStore) Upsert(ctx context.Context, profile models.Profile, bookKey string, next models.SyncState) error {
	if err := next.Validate(); err != nil {
		return fmt.Errorf("refusing to store invalid state for %q: %w", bookKey, err)
	}
	current, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		audit := auditRow{
			Profile:   profile.Name,
			BookKey:   bookKey,
			Reason:    auditReason(ctx),
			Current:   string(current),
			CreatedAt: time.Now().UTC(),
		}

		var prev stateRow
		err := tx.Where("profile = ? AND book_key = ?", profile.Name, bookKey).Take(&prev).Error
		switch {
		case err == nil:
			data, err := json.Marshal(prev.toState())
			if err != nil {
				return fmt.Errorf("failed to encode previous state: %w", err)
			}
			audit.Previous = string(data)
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("failed to read sync state: %w", err)
		}

		row := rowOf(profile, bookKey, next)
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
			return fmt.Errorf("failed to upsert sync state: %w", err)
		}
		if err := tx.Create(&audit).Error; err != nil {
			return fmt.Errorf("failed to write audit entry: %w", err)
		}
		return nil
	})
}

// AuditTrail returns the profile's audit entries in write order
func (s *SQLStore) AuditTrail(ctx context.Context, profile models.Profile) ([]AuditEntry, error) {
	var rows []auditRow
	if err := s.db.WithContext(ctx).Where("profile = ?", profile.Name).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to read audit trail: %w", err)
	}
	entries := make([]AuditEntry, 0, len(rows))
	for _, row := range rows {
		e := AuditEntry{Profile: row.Profile, BookKey: row.BookKey, Reason: row.Reason, At: row.CreatedAt.UTC()}
		if err := json.Unmarshal([]byte(row.Current), &e.Current); err != nil {
			return nil, corrupt(profile, "", fmt.Errorf("audit entry %d: %w", row.ID, err))
		}
		if row.Previous != "" {
			var prev models.SyncState
			if err := json.Unmarshal([]byte(row.Previous), &prev); err != nil {
				return nil, corrupt(profile, "", fmt.Errorf("audit entry %d: %w", row.ID, err))
			}
			e.Previous = &prev
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Close closes the underlying connection pool
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
