package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tradebot_backend/internal/platform/db"
)

// LockModel is the persisted state of one named lock.
type LockModel struct {
	Name      string   `gorm:"primaryKey;size:191"`
	Tickets   []Ticket `gorm:"serializer:json;type:text;not null"`
	ExpiresAt time.Time
	UpdatedAt time.Time
}

func (LockModel) TableName() string {
	return "locks"
}

// Ticket is one holder of a lock.
type Ticket struct {
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at"` // unix milliseconds
}

// live returns the tickets still valid at now.
func live(ts []Ticket, now time.Time) []Ticket {
	cutoff := now.UnixMilli()
	out := make([]Ticket, 0, len(ts))
	for _, t := range ts {
		if t.ExpiresAt > cutoff {
			out = append(out, t)
		}
	}
	return out
}

func latest(ts []Ticket) time.Time {
	var ms int64
	for _, t := range ts {
		ms = max(ms, t.ExpiresAt)
	}
	return time.UnixMilli(ms).UTC()
}

// GormBackend keeps lock state in the relational store. Every operation is a
// single transaction that reads the lock row exclusively: Acquire gives up
// when the row is busy (db.ForUpdate) while Release waits for it
// (db.ForUpdateWait).
type GormBackend struct {
	db *gorm.DB
}

var _ Backend = (*GormBackend)(nil)

// NewGormBackend returns a backend on gdb. The locks table must already be
// migrated (see LockModel).
func NewGormBackend(gdb *gorm.DB) *GormBackend {
	return &GormBackend{db: gdb}
}

func (b *GormBackend) Acquire(ctx context.Context, name, ticket string, max int, now time.Time, ttl time.Duration) error {
	t := Ticket{ID: ticket, ExpiresAt: now.Add(ttl).UnixMilli()}

	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m LockModel
		err := tx.Scopes(db.ForUpdate(b.db)).Where("name = ?", name).Take(&m).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			m = LockModel{Name: name, Tickets: []Ticket{t}, ExpiresAt: latest([]Ticket{t})}
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&m)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				// Another transaction created the row first.
				return ErrAcquireFailed
			}
			return nil
		}
		if err != nil {
			return err
		}

		tickets := live(m.Tickets, now)
		if len(tickets) >= max {
			return ErrAcquireFailed
		}
		m.Tickets = append(tickets, t)
		m.ExpiresAt = latest(m.Tickets)
		return tx.Save(&m).Error
	})
	return classify(err)
}

func (b *GormBackend) Release(ctx context.Context, name, ticket string, now time.Time) (bool, error) {
	var held bool
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m LockModel
		err := tx.Scopes(db.ForUpdateWait(b.db)).Where("name = ?", name).Take(&m).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		tickets := live(m.Tickets, now)
		kept := tickets[:0]
		for _, t := range tickets {
			if t.ID == ticket {
				held = true
				continue
			}
			kept = append(kept, t)
		}
		if len(kept) == 0 {
			return tx.Where("name = ?", name).Delete(&LockModel{}).Error
		}
		m.Tickets = kept
		m.ExpiresAt = latest(kept)
		return tx.Save(&m).Error
	})
	if err != nil {
		return false, classifyRelease(err)
	}
	return held, nil
}

// classify turns store-level contention into ErrAcquireFailed so that Wait
// retries it; any other error is returned as is.
func classify(err error) error {
	if err == nil || errors.Is(err, ErrAcquireFailed) {
		return err
	}
	if db.IsLockContention(err) {
		return fmt.Errorf("%w: %v", ErrAcquireFailed, err)
	}
	return err
}

// classifyRelease marks store-level contention on Release as ErrBusy so that
// Lock.Release tries again.
func classifyRelease(err error) error {
	if db.IsLockContention(err) {
		return fmt.Errorf("%w: %v", ErrBusy, err)
	}
	return err
}
