package workspace

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	// ErrLockContention indicates another session owns the workflow or its
	// table lock.
	ErrLockContention = errors.New("workspace: locked by another session")
)

const (
	tableLockAttempts = 5
	tableLockBackoff  = 100 * time.Millisecond
)

// tableLock is one row of the advisory lock table protecting a workflow
// data table during writes.
type tableLock struct {
	Handle     string    `gorm:"column:handle;primaryKey;size:190;not null"`
	Owner      string    `gorm:"column:owner;size:190;not null"`
	AcquiredAt time.Time `gorm:"column:acquired_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (tableLock) TableName() string {
	return "__ontask_table_locks"
}

// withTableLock runs fn inside a transaction while holding the advisory
// lock on the workflow data table. Acquisition retries briefly before
// reporting contention.
func (s *Store) withTableLock(wf *Workflow, fn func(tx *gorm.DB) error) error {
	handle := wf.DataTableName()
	owner := uuid.NewString()
	if err := s.acquireTableLock(handle, owner); err != nil {
		return err
	}
	defer s.releaseTableLock(handle, owner)
	return s.db.Transaction(fn)
}

func (s *Store) acquireTableLock(handle, owner string) error {
	for attempt := 0; attempt < tableLockAttempts; attempt++ {
		err := s.db.Create(&tableLock{
			Handle:     handle,
			Owner:      owner,
			AcquiredAt: time.Now().UTC(),
		}).Error
		if err == nil {
			return nil
		}
		time.Sleep(tableLockBackoff)
	}
	return fmt.Errorf("%w: table %s", ErrLockContention, handle)
}

func (s *Store) releaseTableLock(handle, owner string) {
	s.db.Where("handle = ? AND owner = ?", handle, owner).Delete(&tableLock{})
}

// AcquireSession claims the workflow-level editing lock for a session. An
// expired lock is reclaimed; a live lock held by a different session fails
// with ErrLockContention.
func (s *Store) AcquireSession(
	wf *Workflow,
	sessionKey, owner string,
	ttl time.Duration,
) error {
	now := time.Now().UTC()
	if wf.SessionKey != "" && wf.SessionKey != sessionKey {
		if wf.SessionExpiry != nil && wf.SessionExpiry.After(now) {
			return fmt.Errorf(
				"%w: held by %s", ErrLockContention, wf.SessionOwner)
		}
	}
	expiry := now.Add(ttl)
	wf.SessionKey = sessionKey
	wf.SessionOwner = owner
	wf.SessionExpiry = &expiry
	return s.db.Model(&Workflow{}).Where("id = ?", wf.ID).Updates(map[string]any{
		"session_key":    sessionKey,
		"session_owner":  owner,
		"session_expiry": expiry,
	}).Error
}

// ReleaseSession clears the editing lock when held by the session.
func (s *Store) ReleaseSession(wf *Workflow, sessionKey string) error {
	if wf.SessionKey != sessionKey {
		return nil
	}
	wf.SessionKey = ""
	wf.SessionOwner = ""
	wf.SessionExpiry = nil
	return s.db.Model(&Workflow{}).Where("id = ?", wf.ID).Updates(map[string]any{
		"session_key":    "",
		"session_owner":  "",
		"session_expiry": nil,
	}).Error
}
