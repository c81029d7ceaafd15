// Package session owns per-session conversation state: resolved slots,
// the active scenario, pending clarifications, and the append-only turn
// history.
//
// Concurrency model: all turns for one session are strictly serialized by
// a per-session lock; different sessions are fully independent. State is
// committed once per turn, after the turn fully resolves — a cancelled
// turn leaves the stored snapshot untouched.
package session

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/diagnostiq/diagnostiq/engine/pkg/contracts"
	"github.com/diagnostiq/diagnostiq/engine/pkg/models"
)

// overwriteQualifiers are the words that let a new value replace an
// already-bound slot without a confirmation round-trip.
var overwriteQualifiers = []string{"new", "different", "instead", "actually", "switch to", "use"}

// Manager serializes turns per session and commits snapshots to the store.
type Manager struct {
	store contracts.SessionStore

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a session manager over the given store.
func NewManager(store contracts.SessionStore) *Manager {
	return &Manager{store: store, locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the session's turn lock and returns the unlock func.
// Callers hold it for the whole turn.
func (m *Manager) Lock(sessionID string) func() {
	m.mu.Lock()
	l, ok := m.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[sessionID] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// GetOrCreate returns the session's current snapshot, creating an empty
// one for unknown sessions.
func (m *Manager) GetOrCreate(ctx context.Context, sessionID string) (*models.Snapshot, error) {
	snap, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if snap == nil {
		snap = &models.Snapshot{
			SessionID: sessionID,
			Slots:     make(map[string]models.SlotBinding),
		}
	}
	return snap, nil
}

// MergeSlots applies slot updates onto a working snapshot, enforcing the
// conflict rule: a value that disagrees with an already-bound slot of the
// same scenario execution only wins when the utterance qualifies it
// ("new device: …"); otherwise the merge fails with ErrSlotConflict and
// the caller must ask for confirmation.
//
// The merge is deterministic: every non-conflicting binding is applied
// before any conflict is reported, and the conflict named in the error is
// the first in slot-name order. A conflict never drops sibling bindings
// from the same turn.
func MergeSlots(snap *models.Snapshot, updates map[string]models.SlotBinding, utterance string) error {
	qualified := hasOverwriteQualifier(utterance)
	var conflicted []string
	for slot, nb := range updates {
		prev, ok := snap.Slots[slot]
		if !ok || prev.Value == nb.Value {
			snap.Slots[slot] = nb
			continue
		}
		if nb.Provenance == models.ProvenanceExplicit && qualified {
			snap.Slots[slot] = nb
			continue
		}
		if nb.Provenance == models.ProvenanceInherited {
			continue // stale carry-over never overwrites
		}
		conflicted = append(conflicted, slot)
	}
	if len(conflicted) > 0 {
		sort.Strings(conflicted)
		slot := conflicted[0]
		return fmt.Errorf("%w: %s is %s, got %s",
			models.ErrSlotConflict, slot, snap.Slots[slot].Value, updates[slot].Value)
	}
	return nil
}

func hasOverwriteQualifier(utterance string) bool {
	u := strings.ToLower(utterance)
	for _, q := range overwriteQualifiers {
		if strings.Contains(u, q) {
			return true
		}
	}
	return false
}

// Commit appends the turn to the history and persists the snapshot. The
// per-turn state view recorded in the history is immutable once written.
func (m *Manager) Commit(ctx context.Context, snap *models.Snapshot, role, text string) (*models.Snapshot, error) {
	view := make(map[string]models.SlotBinding, len(snap.Slots))
	for k, v := range snap.Slots {
		view[k] = v
	}
	snap.Turns = append(snap.Turns, models.TurnRecord{
		ID:             uuid.New().String(),
		Role:           role,
		Text:           text,
		At:             time.Now().UTC(),
		Slots:          view,
		ActiveScenario: snap.ActiveScenario,
	})
	if err := m.store.Put(ctx, snap); err != nil {
		return nil, fmt.Errorf("commit session %s: %w", snap.SessionID, err)
	}
	return snap, nil
}

// Reset destroys the session's state and history.
func (m *Manager) Reset(ctx context.Context, sessionID string) error {
	if err := m.store.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("reset session %s: %w", sessionID, err)
	}
	m.mu.Lock()
	delete(m.locks, sessionID)
	m.mu.Unlock()

	log.Info().Str("session", sessionID).Msg("Session reset")
	return nil
}
