package store

import "fmt"

// journalEntry records what a key looked like before a session first
// touched it, so the session can be rolled back.
type journalEntry struct {
	existed bool
	old     []byte
}

// Session is one level of the nested undo-session stack (spec.md §4.C).
// Every mutation goes straight to the real badger-backed value (there is
// no in-memory overlay); a Session only remembers, per key, the value that
// was live the first time *this* session touched it, which is all that is
// needed to either roll the session back or fold it into its parent.
type Session struct {
	mgr      *Manager
	parent   *Session
	revision uint64
	enabled  bool
	journal  map[string]journalEntry
	resolved bool // true once Push/Squash/Undo has been called
}

// StartUndoSession opens a new nested session. Sessions form a stack
// (spec.md §4.C); the returned Session must eventually be resolved via
// Push, Squash, or Undo — an unresolved session left open blocks the store
// from progressing and is a programmer error, matching the teacher's
// discipline of every exit path either pushing or rolling back.
func (m *Manager) StartUndoSession(enabled bool) *Session {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()

	m.revision++
	s := &Session{
		mgr:      m,
		parent:   m.currentSession,
		revision: m.revision,
		enabled:  enabled,
		journal:  make(map[string]journalEntry),
	}
	m.currentSession = s
	return s
}

// recordFirstTouch captures key's pre-session value the first time this
// session mutates it.
func (s *Session) recordFirstTouch(key string) error {
	if !s.enabled {
		return nil
	}
	if _, seen := s.journal[key]; seen {
		return nil
	}
	old, existed, err := s.mgr.rawGet(key)
	if err != nil {
		return err
	}
	s.journal[key] = journalEntry{existed: existed, old: old}
	return nil
}

// Put writes key under this session, after recording its prior value for
// undo.
func (s *Session) Put(key string, val []byte) error {
	if err := s.requireTop(); err != nil {
		return err
	}
	if err := s.recordFirstTouch(key); err != nil {
		return err
	}
	return s.mgr.rawSet(key, val)
}

// Delete removes key under this session, after recording its prior value
// for undo.
func (s *Session) Delete(key string) error {
	if err := s.requireTop(); err != nil {
		return err
	}
	if err := s.recordFirstTouch(key); err != nil {
		return err
	}
	return s.mgr.rawDelete(key)
}

// Revision returns the store revision this session was assigned when
// opened, the handle AdvanceIrreversibility needs to later mgr.Commit()
// exactly the sessions behind a given block height (spec.md §4.C).
func (s *Session) Revision() uint64 { return s.revision }

// Get reads the live value of key (identical regardless of which session
// is open, since mutations are applied directly; sessions only add the
// ability to roll back).
func (s *Session) Get(key string) ([]byte, bool, error) {
	return s.mgr.rawGet(key)
}

func (s *Session) requireTop() error {
	if s.resolved {
		return fmt.Errorf("store: session already resolved")
	}
	s.mgr.sessionMu.Lock()
	top := s.mgr.currentSession
	s.mgr.sessionMu.Unlock()
	if top != s {
		return fmt.Errorf("store: session is not the innermost open session")
	}
	return nil
}

// mergeInto folds s's journal into parent's, first-old-value wins: if the
// parent already recorded a prior value for a key, that remains the true
// "before this branch of sessions" value.
func (s *Session) mergeInto(parent *Session) {
	for k, v := range s.journal {
		if _, exists := parent.journal[k]; !exists {
			parent.journal[k] = v
		}
	}
}

// Push commits this session's mutations into the enclosing session, or
// into the trunk's undo history if there is no enclosing session
// (spec.md §4.C).
func (s *Session) Push() error {
	if err := s.requireTop(); err != nil {
		return err
	}
	s.mgr.sessionMu.Lock()
	defer s.mgr.sessionMu.Unlock()

	s.resolved = true
	s.mgr.currentSession = s.parent

	if s.parent != nil {
		s.mergeInto(s.parent)
		return nil
	}
	// trunk level: this revision becomes independently undoable.
	s.mgr.undoHistory = append(s.mgr.undoHistory, s)
	return nil
}

// Squash merges this session's mutations into its parent without creating
// a new revision (spec.md §4.C). The trunk session cannot be squashed.
func (s *Session) Squash() error {
	if err := s.requireTop(); err != nil {
		return err
	}
	if s.parent == nil {
		return fmt.Errorf("store: cannot squash the trunk session")
	}
	s.mgr.sessionMu.Lock()
	defer s.mgr.sessionMu.Unlock()

	s.resolved = true
	s.mgr.currentSession = s.parent
	s.mergeInto(s.parent)
	return nil
}

// Undo rolls this session back: every key it (or any session nested
// inside it that was pushed/squashed into it) touched is restored to its
// pre-session value, and the session is popped.
func (s *Session) Undo() error {
	if err := s.requireTop(); err != nil {
		return err
	}
	s.mgr.sessionMu.Lock()
	s.mgr.currentSession = s.parent
	s.mgr.sessionMu.Unlock()

	s.resolved = true
	return s.restore()
}

func (s *Session) restore() error {
	for key, entry := range s.journal {
		if entry.existed {
			if err := s.mgr.rawSet(key, entry.old); err != nil {
				return err
			}
		} else {
			if err := s.mgr.rawDelete(key); err != nil {
				return err
			}
		}
	}
	return nil
}

// Undo rewinds the last pushed trunk-level session (spec.md §4.C).
// The caller must not have any session currently open.
func (m *Manager) Undo() error {
	m.sessionMu.Lock()
	if m.currentSession != nil {
		m.sessionMu.Unlock()
		return fmt.Errorf("store: cannot undo while a session is open")
	}
	if len(m.undoHistory) == 0 {
		m.sessionMu.Unlock()
		return fmt.Errorf("store: no undoable revision")
	}
	last := m.undoHistory[len(m.undoHistory)-1]
	m.undoHistory = m.undoHistory[:len(m.undoHistory)-1]
	m.sessionMu.Unlock()

	return last.restore()
}

// UndoAll rewinds to revision 0 of in-memory history, i.e. back to the
// last commit (spec.md §4.C).
func (m *Manager) UndoAll() error {
	for {
		m.sessionMu.Lock()
		empty := len(m.undoHistory) == 0
		m.sessionMu.Unlock()
		if empty {
			return nil
		}
		if err := m.Undo(); err != nil {
			return err
		}
	}
}

// Commit finalizes every undoable revision up to and including revision,
// discarding their undo records (spec.md §4.C).
func (m *Manager) Commit(revision uint64) {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()

	i := 0
	for ; i < len(m.undoHistory); i++ {
		if m.undoHistory[i].revision > revision {
			break
		}
	}
	m.undoHistory = m.undoHistory[i:]
}
