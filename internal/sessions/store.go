// Package sessions keeps conversation history in memory. Access to a single
// conversation is serialized in submission order by tickets; unrelated
// conversations never contend on a shared lock beyond the index map.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-gateway/internal/engine"
)

var (
	ErrNotHolder   = errors.New("ticket is not being served")
	ErrCommitted   = errors.New("ticket already committed")
	ErrInvalidRole = errors.New("role must be user or assistant")
)

// Turn is one message in a conversation.
type Turn struct {
	Role     engine.Role `json:"role"`
	Content  string      `json:"content"`
	AudioRef string      `json:"audio_ref,omitempty"`
	At       time.Time   `json:"at"`
}

// Info summarizes a session.
type Info struct {
	ID           string    `json:"id"`
	Turns        int       `json:"turns"`
	LastActivity time.Time `json:"last_activity_at"`
}

type session struct {
	mu           sync.Mutex
	turns        []Turn
	lastActivity time.Time

	next        uint64
	serving     uint64
	finished    map[uint64]struct{}
	advanced    chan struct{}
	outstanding int
}

type Store struct {
	mu       sync.Mutex
	sessions map[string]*session

	contextTurns int
	maxStored    int
	now          func() time.Time
	logger       *slog.Logger
}

// NewStore creates a store that hands out context windows of contextTurns
// turns and keeps at most maxStored turns per session (0 keeps everything).
func NewStore(contextTurns, maxStored int, logger *slog.Logger) *Store {
	if contextTurns <= 0 {
		contextTurns = 10
	}
	return &Store{
		sessions:     make(map[string]*session),
		contextTurns: contextTurns,
		maxStored:    maxStored,
		now:          time.Now,
		logger:       logger.With(slog.String("component", "session-store")),
	}
}

func (s *Store) lookup(id string, create bool) *session {
	sess, ok := s.sessions[id]
	if !ok && create {
		sess = &session{
			lastActivity: s.now(),
			finished:     make(map[uint64]struct{}),
			advanced:     make(chan struct{}),
		}
		s.sessions[id] = sess
	}
	return sess
}

func (s *Store) GetOrCreate(id string) Info {
	s.mu.Lock()
	sess := s.lookup(id, true)
	s.mu.Unlock()

	sess.mu.Lock()
	defer sess.mu.Unlock()
	return Info{ID: id, Turns: len(sess.turns), LastActivity: sess.lastActivity}
}

// Reserve takes the next position in id's queue. The caller must Release the
// ticket on every path.
func (s *Store) Reserve(id string) *Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.lookup(id, true)

	sess.mu.Lock()
	defer sess.mu.Unlock()
	n := sess.next
	sess.next++
	sess.outstanding++
	sess.lastActivity = s.now()
	return &Ticket{store: s, sess: sess, id: id, n: n}
}

// AppendTurn appends a single turn, ordered after every earlier reservation.
func (s *Store) AppendTurn(ctx context.Context, id string, role engine.Role, content string) error {
	if role != engine.RoleUser && role != engine.RoleAssistant {
		return ErrInvalidRole
	}
	t := s.Reserve(id)
	defer t.Release()
	if err := t.Wait(ctx); err != nil {
		return err
	}
	t.sess.mu.Lock()
	defer t.sess.mu.Unlock()
	s.appendLocked(t.sess, Turn{Role: role, Content: content, At: s.now()})
	return nil
}

// History returns a copy of every stored turn for id, oldest first.
func (s *Store) History(id string) []Turn {
	s.mu.Lock()
	sess := s.lookup(id, false)
	s.mu.Unlock()
	if sess == nil {
		return nil
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return append([]Turn(nil), sess.turns...)
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// EvictIdle drops sessions idle for longer than threshold. Sessions with an
// outstanding ticket are kept.
func (s *Store) EvictIdle(threshold time.Duration) []string {
	cutoff := s.now().Add(-threshold)
	s.mu.Lock()
	defer s.mu.Unlock()
	var evicted []string
	for id, sess := range s.sessions {
		sess.mu.Lock()
		idle := sess.outstanding == 0 && sess.lastActivity.Before(cutoff)
		sess.mu.Unlock()
		if idle {
			delete(s.sessions, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

// Run sweeps idle sessions every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval, threshold time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := s.EvictIdle(threshold); len(evicted) > 0 {
				s.logger.Info("evicted idle sessions", slog.Int("count", len(evicted)))
			}
		}
	}
}

func (s *Store) appendLocked(sess *session, turns ...Turn) {
	sess.turns = append(sess.turns, turns...)
	if s.maxStored > 0 && len(sess.turns) > s.maxStored {
		sess.turns = append([]Turn(nil), sess.turns[len(sess.turns)-s.maxStored:]...)
	}
	sess.lastActivity = s.now()
}

// window returns the last n turns, extended backwards when needed so the most
// recent user turn is always included.
func window(turns []Turn, n int) []Turn {
	start := len(turns) - n
	if start < 0 {
		start = 0
	}
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == engine.RoleUser {
			if i < start {
				start = i
			}
			break
		}
	}
	return append([]Turn(nil), turns[start:]...)
}

// Ticket is an ordered slot on one conversation.
type Ticket struct {
	store *Store
	sess  *session
	id    string
	n     uint64

	released  bool
	committed bool
}

func (t *Ticket) ID() string { return t.id }

// Wait blocks until every earlier ticket on the conversation has been released.
func (t *Ticket) Wait(ctx context.Context) error {
	for {
		t.sess.mu.Lock()
		if t.sess.serving == t.n {
			t.sess.mu.Unlock()
			return nil
		}
		ch := t.sess.advanced
		t.sess.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Context returns the bounded history window handed to the engine.
func (t *Ticket) Context() []engine.Message {
	t.sess.mu.Lock()
	turns := window(t.sess.turns, t.store.contextTurns)
	t.sess.mu.Unlock()

	msgs := make([]engine.Message, len(turns))
	for i, turn := range turns {
		msgs[i] = engine.Message{Role: turn.Role, Content: turn.Content}
	}
	return msgs
}

// Commit records the user and assistant turns of a completed job. Only the
// ticket currently being served may commit, and only once.
func (t *Ticket) Commit(user, assistant string) error {
	t.sess.mu.Lock()
	defer t.sess.mu.Unlock()
	if t.released || t.sess.serving != t.n {
		return fmt.Errorf("commit %s: %w", t.id, ErrNotHolder)
	}
	if t.committed {
		return ErrCommitted
	}
	now := t.store.now()
	t.store.appendLocked(t.sess,
		Turn{Role: engine.RoleUser, Content: user, At: now},
		Turn{Role: engine.RoleAssistant, Content: assistant, At: now},
	)
	t.committed = true
	return nil
}

// Release gives up the slot, letting the next ticket proceed. A ticket
// released before its turn is skipped. Release is idempotent.
func (t *Ticket) Release() {
	t.sess.mu.Lock()
	defer t.sess.mu.Unlock()
	if t.released {
		return
	}
	t.released = true
	t.sess.outstanding--
	t.sess.lastActivity = t.store.now()
	t.sess.finished[t.n] = struct{}{}
	for {
		if _, ok := t.sess.finished[t.sess.serving]; !ok {
			break
		}
		delete(t.sess.finished, t.sess.serving)
		t.sess.serving++
	}
	close(t.sess.advanced)
	t.sess.advanced = make(chan struct{})
}
