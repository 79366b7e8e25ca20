// Package redis provides a Redis-backed session.Store for deployments where
// agents may reconnect through different processes. The idle age rides on
// Redis key expiry; count bounds are enforced client-side before writes.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/scholium/scholium/article"
	"github.com/scholium/scholium/scherr"
	"github.com/scholium/scholium/session"
)

type (
	// Options configures the store. Client is required; zero bounds select
	// the defaults.
	Options struct {
		// Client is the Redis connection.
		Client *goredis.Client
		// TTL is the idle age after which a session's keys expire.
		TTL time.Duration
		// MaxResultSets caps the retained result sets per session.
		MaxResultSets int
		// MaxArticles caps the detail map per session.
		MaxArticles int
	}

	// Store implements session.Store over Redis. Operations on one session
	// are serialized by a process-local guard; sessions are private to one
	// agent, so cross-process writers do not contend.
	Store struct {
		rdb     *goredis.Client
		ttl     time.Duration
		maxSets int
		maxArts int

		mu     sync.Mutex
		guards map[string]*sync.Mutex
	}
)

const (
	defaultMaxResultSets = 20
	defaultMaxArticles   = 500
	defaultTTL           = 24 * time.Hour

	keyPrefix = "scholium:session:"
)

// New builds a Store over client.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.MaxResultSets <= 0 {
		opts.MaxResultSets = defaultMaxResultSets
	}
	if opts.MaxArticles <= 0 {
		opts.MaxArticles = defaultMaxArticles
	}
	return &Store{
		rdb:     opts.Client,
		ttl:     opts.TTL,
		maxSets: opts.MaxResultSets,
		maxArts: opts.MaxArticles,
		guards:  make(map[string]*sync.Mutex),
	}, nil
}

func (s *Store) key(id string) string      { return keyPrefix + id }
func (s *Store) setsKey(id string) string  { return keyPrefix + id + ":sets" }
func (s *Store) artsKey(id string) string  { return keyPrefix + id + ":arts" }
func (s *Store) orderKey(id string) string { return keyPrefix + id + ":order" }

func (s *Store) guard(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.guards[id]
	if !ok {
		g = &sync.Mutex{}
		s.guards[id] = g
	}
	return g
}

// touch marks the session live and renews expiry on every key.
func (s *Store) touch(ctx context.Context, id string) error {
	if err := s.rdb.Set(ctx, s.key(id), "1", s.ttl).Err(); err != nil {
		return scherr.Wrapf(scherr.Internal, err, "session redis: touch %s", id)
	}
	for _, k := range []string{s.setsKey(id), s.artsKey(id), s.orderKey(id)} {
		if err := s.rdb.Expire(ctx, k, s.ttl).Err(); err != nil {
			return scherr.Wrapf(scherr.Internal, err, "session redis: expire %s", k)
		}
	}
	return nil
}

// exists reports whether the session marker is live.
func (s *Store) exists(ctx context.Context, id string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.key(id)).Result()
	if err != nil {
		return false, scherr.Wrapf(scherr.Internal, err, "session redis: exists %s", id)
	}
	return n > 0, nil
}

// Touch implements session.Store.
func (s *Store) Touch(ctx context.Context, id string) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if err := s.touch(ctx, id); err != nil {
		return "", err
	}
	return id, nil
}

// AddResults implements session.Store.
func (s *Store) AddResults(ctx context.Context, id string, set session.ResultSet) error {
	g := s.guard(id)
	g.Lock()
	defer g.Unlock()

	data, err := json.Marshal(set)
	if err != nil {
		return scherr.Wrapf(scherr.Internal, err, "session redis: encode result set")
	}
	if err := s.rdb.RPush(ctx, s.setsKey(id), data).Err(); err != nil {
		return scherr.Wrapf(scherr.Internal, err, "session redis: push result set")
	}
	if err := s.rdb.LTrim(ctx, s.setsKey(id), int64(-s.maxSets), -1).Err(); err != nil {
		return scherr.Wrapf(scherr.Internal, err, "session redis: trim result sets")
	}
	return s.touch(ctx, id)
}

// Last implements session.Store.
func (s *Store) Last(ctx context.Context, id string) (session.ResultSet, error) {
	ok, err := s.exists(ctx, id)
	if err != nil {
		return session.ResultSet{}, err
	}
	if !ok {
		return session.ResultSet{}, session.ErrNotFound
	}
	raw, err := s.rdb.LIndex(ctx, s.setsKey(id), -1).Result()
	if errors.Is(err, goredis.Nil) {
		return session.ResultSet{}, session.ErrNotFound
	}
	if err != nil {
		return session.ResultSet{}, scherr.Wrapf(scherr.Internal, err, "session redis: last result set")
	}
	var set session.ResultSet
	if err := json.Unmarshal([]byte(raw), &set); err != nil {
		return session.ResultSet{}, scherr.Wrapf(scherr.Internal, err, "session redis: decode result set")
	}
	if err := s.touch(ctx, id); err != nil {
		return session.ResultSet{}, err
	}
	return set, nil
}

// Results implements session.Store.
func (s *Store) Results(ctx context.Context, id string) ([]session.ResultSet, error) {
	ok, err := s.exists(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, session.ErrNotFound
	}
	raws, err := s.rdb.LRange(ctx, s.setsKey(id), 0, -1).Result()
	if err != nil {
		return nil, scherr.Wrapf(scherr.Internal, err, "session redis: list result sets")
	}
	out := make([]session.ResultSet, 0, len(raws))
	for _, raw := range raws {
		var set session.ResultSet
		if err := json.Unmarshal([]byte(raw), &set); err != nil {
			return nil, scherr.Wrapf(scherr.Internal, err, "session redis: decode result set")
		}
		out = append(out, set)
	}
	if err := s.touch(ctx, id); err != nil {
		return nil, err
	}
	return out, nil
}

// PutArticles implements session.Store.
func (s *Store) PutArticles(ctx context.Context, id string, arts []article.UnifiedArticle) error {
	g := s.guard(id)
	g.Lock()
	defer g.Unlock()

	for i := range arts {
		key := arts[i].BestID()
		if key == "" {
			continue
		}
		data, err := json.Marshal(arts[i])
		if err != nil {
			return scherr.Wrapf(scherr.Internal, err, "session redis: encode article %s", key)
		}
		known, err := s.rdb.HExists(ctx, s.artsKey(id), key).Result()
		if err != nil {
			return scherr.Wrapf(scherr.Internal, err, "session redis: probe article %s", key)
		}
		if err := s.rdb.HSet(ctx, s.artsKey(id), key, data).Err(); err != nil {
			return scherr.Wrapf(scherr.Internal, err, "session redis: store article %s", key)
		}
		if !known {
			if err := s.rdb.RPush(ctx, s.orderKey(id), key).Err(); err != nil {
				return scherr.Wrapf(scherr.Internal, err, "session redis: record article order")
			}
		}
	}

	for {
		n, err := s.rdb.LLen(ctx, s.orderKey(id)).Result()
		if err != nil {
			return scherr.Wrapf(scherr.Internal, err, "session redis: count articles")
		}
		if n <= int64(s.maxArts) {
			break
		}
		oldest, err := s.rdb.LPop(ctx, s.orderKey(id)).Result()
		if err != nil {
			return scherr.Wrapf(scherr.Internal, err, "session redis: evict article")
		}
		if err := s.rdb.HDel(ctx, s.artsKey(id), oldest).Err(); err != nil {
			return scherr.Wrapf(scherr.Internal, err, "session redis: evict article %s", oldest)
		}
	}
	return s.touch(ctx, id)
}

// Article implements session.Store.
func (s *Store) Article(ctx context.Context, id, articleID string) (article.UnifiedArticle, error) {
	ok, err := s.exists(ctx, id)
	if err != nil {
		return article.UnifiedArticle{}, err
	}
	if !ok {
		return article.UnifiedArticle{}, session.ErrNotFound
	}
	raw, err := s.rdb.HGet(ctx, s.artsKey(id), articleID).Result()
	if errors.Is(err, goredis.Nil) {
		return article.UnifiedArticle{}, session.ErrNotFound
	}
	if err != nil {
		return article.UnifiedArticle{}, scherr.Wrapf(scherr.Internal, err, "session redis: article %s", articleID)
	}
	var a article.UnifiedArticle
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return article.UnifiedArticle{}, scherr.Wrapf(scherr.Internal, err, "session redis: decode article %s", articleID)
	}
	if err := s.touch(ctx, id); err != nil {
		return article.UnifiedArticle{}, err
	}
	return a, nil
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
	return s.rdb.Close()
}
