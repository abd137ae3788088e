package storage

import (
	"context"
	"database/sql"
	"log"
	"sync"
	"time"
)

// AlarmScheduler provides one room's deferred wake-up. At most one wake is
// pending at a time; requesting another while one is pending is a no-op.
// The wake timestamp is persisted so a restart re-arms it.
type AlarmScheduler struct {
	manager *Manager
	roomID  string
	fire    func()

	mu      sync.Mutex
	timer   *time.Timer
	pending bool
}

func newAlarmScheduler(manager *Manager, roomID string, fire func()) *AlarmScheduler {
	return &AlarmScheduler{
		manager: manager,
		roomID:  roomID,
		fire:    fire,
	}
}

// Set arms a wake at now+delay unless one is already pending.
func (s *AlarmScheduler) Set(delay time.Duration) error {
	s.mu.Lock()
	if s.pending {
		s.mu.Unlock()
		return nil
	}
	s.pending = true
	s.mu.Unlock()

	wakeAt := time.Now().Add(delay).UnixMilli()
	err := s.manager.executeWrite(func(db *sql.DB) error {
		_, err := db.Exec(
			`INSERT OR REPLACE INTO alarms (room_id, wake_at) VALUES (?, ?)`,
			s.roomID, wakeAt,
		)
		return err
	})
	if err != nil {
		s.mu.Lock()
		s.pending = false
		s.mu.Unlock()
		return err
	}

	s.arm(delay)
	return nil
}

// Restore re-arms a persisted wake after a restart. Wakes already in the
// past fire immediately.
func (s *AlarmScheduler) Restore(ctx context.Context) error {
	s.mu.Lock()
	if s.pending {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	row := s.manager.db.QueryRowContext(ctx,
		`SELECT wake_at FROM alarms WHERE room_id = ?`, s.roomID)

	var wakeAt int64
	err := row.Scan(&wakeAt)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}

	delay := time.Until(time.UnixMilli(wakeAt))
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	s.pending = true
	s.mu.Unlock()
	s.arm(delay)
	return nil
}

// Stop cancels the in-process timer. The persisted wake row is left in
// place so a later Restore re-arms it.
func (s *AlarmScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.pending = false
}

func (s *AlarmScheduler) arm(delay time.Duration) {
	s.mu.Lock()
	s.timer = time.AfterFunc(delay, s.onFire)
	s.mu.Unlock()
}

func (s *AlarmScheduler) onFire() {
	s.mu.Lock()
	s.pending = false
	s.timer = nil
	s.mu.Unlock()

	// Clear the persisted wake before invoking the callback so a wake
	// requested by the callback can arm again.
	err := s.manager.executeWrite(func(db *sql.DB) error {
		_, err := db.Exec(`DELETE FROM alarms WHERE room_id = ?`, s.roomID)
		return err
	})
	if err != nil {
		log.Printf("Failed to clear fired alarm for room %s: %v", s.roomID, err)
	}

	s.fire()
}
