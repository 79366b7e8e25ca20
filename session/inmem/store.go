// Package inmem provides the default in-memory session.Store. It is the
// production store for single-process deployments; multi-node deployments
// use the Redis-backed store under features/session/redis.
package inmem

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scholium/scholium/article"
	"github.com/scholium/scholium/session"
)

type (
	// Options bound the store. Zero values select the defaults.
	Options struct {
		// MaxResultSets caps the retained result sets per session.
		MaxResultSets int
		// MaxArticles caps the detail map per session.
		MaxArticles int
		// TTL is the idle age after which a session is discarded.
		TTL time.Duration
		// Now fixes the clock, for tests.
		Now func() time.Time
	}

	// Store is an in-memory implementation of session.Store. It is safe
	// for concurrent use; each session carries its own lock so sessions do
	// not contend with each other.
	Store struct {
		opts Options

		mu      sync.RWMutex
		entries map[string]*entry

		stop     chan struct{}
		stopOnce sync.Once
	}

	// entry is one session. order tracks article insertion so eviction is
	// strictly insertion-ordered even when details are overwritten.
	entry struct {
		mu       sync.Mutex
		sets     []session.ResultSet
		arts     map[string]article.UnifiedArticle
		order    []string
		lastSeen time.Time
	}
)

const (
	defaultMaxResultSets = 20
	defaultMaxArticles   = 500
	defaultTTL           = 24 * time.Hour

	janitorInterval = time.Minute
)

// New returns an empty store and starts its expiry janitor. Close stops the
// janitor.
func New(opts Options) *Store {
	if opts.MaxResultSets <= 0 {
		opts.MaxResultSets = defaultMaxResultSets
	}
	if opts.MaxArticles <= 0 {
		opts.MaxArticles = defaultMaxArticles
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Store{
		opts:    opts,
		entries: make(map[string]*entry),
		stop:    make(chan struct{}),
	}
	go s.janitor()
	return s
}

// Touch implements session.Store.
func (s *Store) Touch(_ context.Context, id string) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	e := s.entryFor(id, true)
	e.mu.Lock()
	e.lastSeen = s.opts.Now()
	e.mu.Unlock()
	return id, nil
}

// AddResults implements session.Store.
func (s *Store) AddResults(_ context.Context, id string, set session.ResultSet) error {
	e := s.entryFor(id, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastSeen = s.opts.Now()
	e.sets = append(e.sets, set.Clone())
	if over := len(e.sets) - s.opts.MaxResultSets; over > 0 {
		e.sets = append([]session.ResultSet(nil), e.sets[over:]...)
	}
	return nil
}

// Last implements session.Store.
func (s *Store) Last(_ context.Context, id string) (session.ResultSet, error) {
	e := s.entryFor(id, false)
	if e == nil {
		return session.ResultSet{}, session.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastSeen = s.opts.Now()
	if len(e.sets) == 0 {
		return session.ResultSet{}, session.ErrNotFound
	}
	return e.sets[len(e.sets)-1].Clone(), nil
}

// Results implements session.Store.
func (s *Store) Results(_ context.Context, id string) ([]session.ResultSet, error) {
	e := s.entryFor(id, false)
	if e == nil {
		return nil, session.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastSeen = s.opts.Now()
	out := make([]session.ResultSet, len(e.sets))
	for i, set := range e.sets {
		out[i] = set.Clone()
	}
	return out, nil
}

// PutArticles implements session.Store.
func (s *Store) PutArticles(_ context.Context, id string, arts []article.UnifiedArticle) error {
	e := s.entryFor(id, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastSeen = s.opts.Now()
	for i := range arts {
		key := arts[i].BestID()
		if key == "" {
			continue
		}
		if _, ok := e.arts[key]; !ok {
			e.order = append(e.order, key)
		}
		e.arts[key] = arts[i].Clone()
	}
	for len(e.order) > s.opts.MaxArticles {
		delete(e.arts, e.order[0])
		e.order = e.order[1:]
	}
	return nil
}

// Article implements session.Store.
func (s *Store) Article(_ context.Context, id, articleID string) (article.UnifiedArticle, error) {
	e := s.entryFor(id, false)
	if e == nil {
		return article.UnifiedArticle{}, session.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastSeen = s.opts.Now()
	a, ok := e.arts[articleID]
	if !ok {
		return article.UnifiedArticle{}, session.ErrNotFound
	}
	return a.Clone(), nil
}

// Resolve implements session.Store.
func (s *Store) Resolve(ctx context.Context, id, ref string) ([]string, error) {
	if ref != session.RefLast {
		return []string{ref}, nil
	}
	last, err := s.Last(ctx, id)
	if err != nil {
		return nil, err
	}
	return last.IDs, nil
}

// Close implements session.Store.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

// entryFor returns the live entry for id. With create set, expired and
// missing entries are replaced by fresh ones; without it they read as
// absent.
func (s *Store) entryFor(id string, create bool) *entry {
	now := s.opts.Now()

	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if ok && !s.expired(e, now) {
		return e
	}
	if !create {
		if ok {
			s.mu.Lock()
			if cur, still := s.entries[id]; still && s.expired(cur, now) {
				delete(s.entries, id)
			}
			s.mu.Unlock()
		}
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.entries[id]; ok && !s.expired(cur, now) {
		return cur
	}
	e = &entry{
		arts:     make(map[string]article.UnifiedArticle),
		lastSeen: now,
	}
	s.entries[id] = e
	return e
}

func (s *Store) expired(e *entry, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return now.Sub(e.lastSeen) > s.opts.TTL
}

// janitor sweeps idle sessions so memory is reclaimed even when nobody asks
// for them again.
func (s *Store) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			now := s.opts.Now()
			s.mu.Lock()
			for id, e := range s.entries {
				if s.expired(e, now) {
					delete(s.entries, id)
				}
			}
			s.mu.Unlock()
		}
	}
}
