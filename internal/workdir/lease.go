package workdir

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/natefinch/atomic"

	"github.com/calvinalkan/cfdoc/pkg/fs"
)

const (
	leaseFilePrefix = ".lease"

	// LeaseFile holds the owner record of a working directory.
	LeaseFile = leaseFilePrefix + ".json"

	leaseLockFile           = leaseFilePrefix + ".lck"
	defaultLeaseLockTimeout = 2 * time.Second
)

var (
	// ErrLeaseHeld means a live lease of another owner exists.
	ErrLeaseHeld = errors.New("working directory leased by another owner")

	// ErrLeaseLost means the lease was taken over or removed.
	ErrLeaseLost = errors.New("lease lost")
)

// Lease records who is using a working directory. A lease whose heartbeat is
// older than the stale window is considered abandoned.
type Lease struct {
	Owner     string    `json:"owner"`
	PID       int       `json:"pid"`
	Host      string    `json:"host"`
	Heartbeat time.Time `json:"heartbeat"`
}

// Active reports whether the lease heartbeat is within staleAfter of now.
func (l Lease) Active(now time.Time, staleAfter time.Duration) bool {
	return l.Owner != "" && now.Sub(l.Heartbeat) < staleAfter
}

// ReadLease returns the current lease. ok is false when none exists.
func (m *Manager) ReadLease() (Lease, bool, error) {
	data, err := m.fs.ReadFile(filepath.Join(m.Dir(), LeaseFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Lease{}, false, nil
		}

		return Lease{}, false, fmt.Errorf("read lease: %w", err)
	}

	var l Lease
	if err := json.Unmarshal(data, &l); err != nil {
		// An unreadable record cannot prove ownership; treat it as absent.
		m.logger.Warn().Err(err).Str("work_dir", m.Dir()).Msg("ignoring malformed lease")

		return Lease{}, false, nil
	}

	return l, true, nil
}

// LeaseActive reports whether someone other than owner holds a live lease.
// A fresh heartbeat alone is not enough: the active data folder must also be
// locked by a running database, otherwise the holder crashed and the record
// is left over.
func (m *Manager) LeaseActive(owner string, staleAfter time.Duration) (Lease, bool, error) {
	l, ok, err := m.ReadLease()
	if err != nil || !ok {
		return Lease{}, false, err
	}

	if l.Owner == owner || !l.Active(m.now(), staleAfter) {
		return l, false, nil
	}

	dataDir, err := m.DataDir()
	if err != nil {
		return Lease{}, false, err
	}

	locked, err := m.isLocked(dataDir)
	if err != nil {
		return Lease{}, false, fmt.Errorf("check data lock: %w", err)
	}

	if !locked {
		m.logger.Info().Str("work_dir", m.Dir()).Str("owner", l.Owner).Msg("lease holder is gone")
	}

	return l, locked, nil
}

// AcquireLease records owner as the user of the working directory. A live
// lease of another owner fails with [ErrLeaseHeld]; stale ones are taken
// over. Acquiring an already owned lease refreshes its heartbeat.
func (m *Manager) AcquireLease(owner string, staleAfter time.Duration) error {
	return m.withLeaseLock(func() error {
		l, held, err := m.LeaseActive(owner, staleAfter)
		if err != nil {
			return err
		}

		if held {
			return fmt.Errorf("%w: owner %s (pid %d on %s)", ErrLeaseHeld, l.Owner, l.PID, l.Host)
		}

		host, _ := os.Hostname()

		return m.writeLease(Lease{Owner: owner, PID: os.Getpid(), Host: host, Heartbeat: m.now().UTC()})
	})
}

// Heartbeat refreshes the lease of owner. It fails with [ErrLeaseLost] when
// the record belongs to someone else or is gone.
func (m *Manager) Heartbeat(owner string) error {
	return m.withLeaseLock(func() error {
		l, ok, err := m.ReadLease()
		if err != nil {
			return err
		}

		if !ok || l.Owner != owner {
			return ErrLeaseLost
		}

		l.Heartbeat = m.now().UTC()

		return m.writeLease(l)
	})
}

// ReleaseLease removes the lease if owner holds it.
func (m *Manager) ReleaseLease(owner string) error {
	return m.withLeaseLock(func() error {
		l, ok, err := m.ReadLease()
		if err != nil || !ok || l.Owner != owner {
			return err
		}

		err = m.fs.Remove(filepath.Join(m.Dir(), LeaseFile))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove lease: %w", err)
		}

		return nil
	})
}

func (m *Manager) writeLease(l Lease) error {
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("encode lease: %w", err)
	}

	if err := atomic.WriteFile(filepath.Join(m.Dir(), LeaseFile), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write lease: %w", err)
	}

	return nil
}

func (m *Manager) withLeaseLock(fn func() error) error {
	exists, err := m.Exists()
	if err != nil {
		return err
	}

	if !exists {
		return fmt.Errorf("%w: working directory %s missing", ErrLeaseLost, m.Dir())
	}

	lk, err := fs.NewLocker(m.fs).LockWithTimeout(filepath.Join(m.Dir(), leaseLockFile), m.lockTimeout)
	if err != nil {
		return fmt.Errorf("lock lease: %w", err)
	}

	fnErr := fn()

	return errors.Join(fnErr, lk.Close())
}
