package session

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"nnmcts/internal/game"
	"nnmcts/internal/mcts"
	"nnmcts/internal/tictactoe"
)

var (
	ErrNotFound    = errors.New("session not found")
	ErrGameOver    = errors.New("game is over")
	ErrIllegalMove = tictactoe.ErrIllegalMove
)

// SearchOptions override the manager's defaults for one search. Zero fields
// keep the default.
type SearchOptions struct {
	Budget  int
	Threads int
	Noise   bool
	MaxTime time.Duration
}

type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	rules  tictactoe.Rules
	eval   mcts.Evaluator
	params mcts.Params
}

func NewManager(eval mcts.Evaluator, params mcts.Params, rules tictactoe.Rules) *Manager {
	if params.ProgressInterval == 0 {
		params.ProgressInterval = 100 * time.Millisecond
	}
	return &Manager{
		sessions: make(map[string]*Session),
		rules:    rules,
		eval:     eval,
		params:   params,
	}
}

// New opens a session on fen, or on the empty board when fen is "".
func (m *Manager) New(fen string) (*Session, error) {
	pos := tictactoe.NewInitialPosition()
	if fen != "" {
		var err error
		if pos, err = tictactoe.DecodePosition(fen); err != nil {
			return nil, err
		}
	}
	searcher, err := mcts.NewSearcher(m.rules, m.rules, m.eval, m.params)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	s := &Session{
		ID:        uuid.NewString(),
		CreatedAt: now,
		updatedAt: now,
		pos:       pos,
		searcher:  searcher,
		subs:      make(map[chan mcts.Progress]struct{}),
	}
	searcher.OnProgress = s.publish

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	log.Debug().Str("session", s.ID).Str("position", pos.Encode()).Msg("session-new")
	return s, nil
}

func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, errors.Wrap(ErrNotFound, id)
	}
	return s, nil
}

// Delete stops any running search and forgets the session.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return errors.Wrap(ErrNotFound, id)
	}
	s.searcher.Stop()
	return nil
}

// IDs lists open sessions in lexical order.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

func (m *Manager) Rules() tictactoe.Rules { return m.rules }

func (s *Session) Snapshot(rules tictactoe.Rules) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:         s.ID,
		Position:   s.pos,
		Context:    s.gctx,
		Status:     rules.TerminalStatus(s.pos, s.gctx),
		LegalMoves: s.pos.GenerateLegalMoves(),
		Last:       s.last,
		UpdatedAt:  s.updatedAt,
	}
}

// Search runs one search from the session's current position. A second
// search on the same session while one runs fails with mcts.ErrBusy.
func (m *Manager) Search(ctx context.Context, id string, opt SearchOptions) (*mcts.Result, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	p := m.params
	if opt.Budget > 0 {
		p.Budget = opt.Budget
	}
	if opt.Threads > 0 {
		p.NumThreads = opt.Threads
	}
	if opt.MaxTime > 0 {
		p.MaxTime = opt.MaxTime
	}
	p.Noise = opt.Noise
	if err := p.Validate(); err != nil {
		return nil, err
	}

	if !s.searchMu.TryLock() {
		return nil, mcts.ErrBusy
	}
	defer s.searchMu.Unlock()

	s.mu.Lock()
	pos, gctx := s.pos, s.gctx
	s.mu.Unlock()

	if err := s.searcher.SetParams(p); err != nil {
		return nil, err
	}
	res, err := s.searcher.Search(ctx, pos, gctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.pos == pos {
		s.last = res
	}
	s.updatedAt = time.Now()
	s.mu.Unlock()
	return res, nil
}

// Play applies mv to the session's position.
func (m *Manager) Play(id string, mv game.Move) (Snapshot, error) {
	s, err := m.Get(id)
	if err != nil {
		return Snapshot{}, err
	}
	s.mu.Lock()
	if st := m.rules.TerminalStatus(s.pos, s.gctx); st.Terminal() {
		s.mu.Unlock()
		return Snapshot{}, errors.Wrap(ErrGameOver, st.String())
	}
	if !slices.Contains(s.pos.GenerateLegalMoves(), mv) {
		s.mu.Unlock()
		return Snapshot{}, errors.Wrapf(ErrIllegalMove, "square %d", mv)
	}
	next, err := m.rules.Apply(s.pos, mv)
	if err != nil {
		s.mu.Unlock()
		return Snapshot{}, err
	}
	s.gctx = s.gctx.Child(m.rules.PositionKey(s.pos, s.gctx))
	s.pos = next.(*tictactoe.Position)
	s.last = nil
	s.updatedAt = time.Now()
	s.mu.Unlock()
	return s.Snapshot(m.rules), nil
}

// Dump exports the tree of the session's latest search.
func (m *Manager) Dump(id string) ([]mcts.DumpNode, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	return s.searcher.Dump(), nil
}

// Stop caps the running search of a session, if any.
func (m *Manager) Stop(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.searcher.Stop()
	return nil
}

// Subscribe streams progress of the session's searches until cancel is
// called. Slow readers miss updates rather than stall the search.
func (s *Session) Subscribe() (<-chan mcts.Progress, func()) {
	ch := make(chan mcts.Progress, 16)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, ch)
			s.subMu.Unlock()
			close(ch)
		})
	}
}

func (s *Session) publish(p mcts.Progress) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- p:
		default:
		}
	}
}
