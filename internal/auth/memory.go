package auth

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const sessionShards = 32

// MemorySessionStore keeps sessions in sharded maps guarded by per-shard
// mutexes, so hot-path touches on unrelated sessions never contend on one
// lock. A background sweep removes abandoned sessions through the same shard
// locks as foreground operations.
type MemorySessionStore struct {
	timeout  time.Duration
	now      func() time.Time
	randRead func([]byte) (int, error)

	shards [sessionShards]sessionShard

	sweepStop chan struct{}
	sweepOnce sync.Once
}

type sessionShard struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// MemorySessionOption configures MemorySessionStore behavior.
type MemorySessionOption func(*MemorySessionStore)

// WithSessionClock overrides the time source (useful for tests).
func WithSessionClock(fn func() time.Time) MemorySessionOption {
	return func(s *MemorySessionStore) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithSessionRand overrides the random source for id generation.
func WithSessionRand(fn func([]byte) (int, error)) MemorySessionOption {
	return func(s *MemorySessionStore) {
		if fn != nil {
			s.randRead = fn
		}
	}
}

// NewMemorySessionStore constructs a store with the given idle timeout.
func NewMemorySessionStore(timeout time.Duration, opts ...MemorySessionOption) (*MemorySessionStore, error) {
	if timeout <= 0 {
		return nil, ErrInvalidInput
	}
	s := &MemorySessionStore{
		timeout:   timeout,
		now:       time.Now,
		sweepStop: make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i].sessions = make(map[string]*Session)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// StartSweeper launches the periodic expiry sweep. onSweep, if non-nil, is
// called with the number of sessions each pass removed. Call Close to stop.
func (s *MemorySessionStore) StartSweeper(interval time.Duration, onSweep func(removed int)) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				removed := s.Sweep()
				if onSweep != nil {
					onSweep(removed)
				}
			case <-s.sweepStop:
				return
			}
		}
	}()
}

// Close stops the background sweeper. Safe to call more than once.
func (s *MemorySessionStore) Close() {
	s.sweepOnce.Do(func() { close(s.sweepStop) })
}

// Sweep removes every session whose idle window has lapsed, independent of
// being queried. Returns the number of sessions removed.
func (s *MemorySessionStore) Sweep() int {
	now := s.now().UTC()
	removed := 0
	for i := range s.shards {
		shard := &s.shards[i]
		shard.mu.Lock()
		for id, sess := range shard.sessions {
			if now.Sub(sess.LastActivityAt) >= s.timeout {
				delete(shard.sessions, id)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

func (s *MemorySessionStore) Create(ctx context.Context, userID string, userData map[string]string) (string, error) {
	if userID == "" {
		return "", ErrInvalidInput
	}
	id, err := newSessionID(s.randRead)
	if err != nil {
		return "", err
	}
	now := s.now().UTC()
	data := make(map[string]string, len(userData))
	for k, v := range userData {
		data[k] = v
	}
	sess := &Session{
		ID:             id,
		UserID:         userID,
		UserData:       data,
		CreatedAt:      now,
		LastActivityAt: now,
		Active:         true,
	}
	shard := s.shard(id)
	shard.mu.Lock()
	shard.sessions[id] = sess
	shard.mu.Unlock()
	return id, nil
}

func (s *MemorySessionStore) Validate(ctx context.Context, sessionID string) (SessionView, error) {
	shard := s.shard(sessionID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	sess, ok := shard.sessions[sessionID]
	if !ok {
		return SessionView{}, ErrNotFound
	}
	if !sess.Active {
		return SessionView{}, ErrInactive
	}
	now := s.now().UTC()
	if now.Sub(sess.LastActivityAt) >= s.timeout {
		delete(shard.sessions, sessionID)
		return SessionView{}, ErrExpired
	}
	// Validation renews the sliding window, it is not a read-only check.
	sess.LastActivityAt = now
	return sess.view(), nil
}

func (s *MemorySessionStore) Update(ctx context.Context, sessionID string, userData map[string]string) (bool, error) {
	shard := s.shard(sessionID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	sess, ok := shard.sessions[sessionID]
	if !ok || !sess.Active {
		return false, nil
	}
	// Update renews the window only for live sessions; a session whose idle
	// window already lapsed is removed, never revived.
	now := s.now().UTC()
	if now.Sub(sess.LastActivityAt) >= s.timeout {
		delete(shard.sessions, sessionID)
		return false, nil
	}
	for k, v := range userData {
		sess.UserData[k] = v
	}
	sess.LastActivityAt = now
	return true, nil
}

func (s *MemorySessionStore) Destroy(ctx context.Context, sessionID string) (bool, error) {
	shard := s.shard(sessionID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	sess, ok := shard.sessions[sessionID]
	if !ok {
		return false, nil
	}
	sess.Active = false
	delete(shard.sessions, sessionID)
	return true, nil
}

func (s *MemorySessionStore) ListActive(ctx context.Context, userID string) ([]SessionView, error) {
	if userID == "" {
		return nil, ErrInvalidInput
	}
	now := s.now().UTC()
	var out []SessionView
	for i := range s.shards {
		shard := &s.shards[i]
		shard.mu.Lock()
		for _, sess := range shard.sessions {
			if sess.UserID != userID || !sess.Active {
				continue
			}
			if now.Sub(sess.LastActivityAt) >= s.timeout {
				continue
			}
			out = append(out, sess.view())
		}
		shard.mu.Unlock()
	}
	return out, nil
}

func (s *MemorySessionStore) shard(id string) *sessionShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &s.shards[h.Sum32()%sessionShards]
}

var _ SessionStore = (*MemorySessionStore)(nil)
