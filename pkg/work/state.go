package work

import (
	"context"
	"strconv"
	"strings"
	"time"

	perrors "github.com/inteca/nuxeo/pkg/errors"
	"github.com/inteca/nuxeo/pkg/kv"
	"go.uber.org/zap"
)

// Key prefixes in the state store
const (
	StateKeyPrefix  = "work-state:"
	OffsetKeyPrefix = "work-offset:"
)

// stateStore keeps the advisory bookkeeping of works, writes are retried and failures only logged
type stateStore struct {
	store  kv.Store
	ttl    time.Duration
	retry  *perrors.RetryPolicy
	logger *zap.Logger
}

func newStateStore(store kv.Store, ttl time.Duration, logger *zap.Logger) *stateStore {
	retry := perrors.DefaultRetryPolicy()
	retry.InitialBackoff = 20 * time.Millisecond
	retry.MaxBackoff = time.Second
	return &stateStore{store: store, ttl: ttl, retry: retry, logger: logger}
}

// state returns the stored state of a work, "" when unknown
func (s *stateStore) state(ctx context.Context, id string) (State, error) {
	v, err := kv.GetString(ctx, s.store, StateKeyPrefix+id)
	if err != nil || v == "" {
		return "", err
	}
	state, _, _ := strings.Cut(v, ":")
	return State(state), nil
}

// setState stores "<state>:<unix ms>", an empty state removes the entry
func (s *stateStore) setState(ctx context.Context, id string, state State) {
	key := StateKeyPrefix + id
	result := s.retry.Execute(ctx, func(ctx context.Context) error {
		if state == "" {
			return s.store.Delete(ctx, key)
		}
		value := string(state) + ":" + strconv.FormatInt(time.Now().UnixMilli(), 10)
		return kv.PutString(ctx, s.store, key, value, s.ttl)
	})
	if !result.Success {
		s.logger.Warn("Failed to store work state",
			zap.String("work_id", id),
			zap.String("state", string(state)),
			zap.Int("attempts", result.Attempts),
			zap.Error(result.LastError))
	}
}

// setCanceled cancels a work only if it has a state
func (s *stateStore) setCanceled(ctx context.Context, id string) bool {
	state, err := s.state(ctx, id)
	if err != nil {
		s.logger.Warn("Failed to read work state", zap.String("work_id", id), zap.Error(err))
		return false
	}
	if state == "" {
		return false
	}
	s.setState(ctx, id, StateCanceled)
	return true
}

func (s *stateStore) lastOffset(ctx context.Context, id string) (int64, bool, error) {
	return kv.GetInt64(ctx, s.store, OffsetKeyPrefix+id)
}

func (s *stateStore) setLastOffset(ctx context.Context, id string, offset int64) {
	result := s.retry.Execute(ctx, func(ctx context.Context) error {
		return kv.PutInt64(ctx, s.store, OffsetKeyPrefix+id, offset, s.ttl)
	})
	if !result.Success {
		s.logger.Warn("Failed to store work offset",
			zap.String("work_id", id),
			zap.Int64("offset", offset),
			zap.Error(result.LastError))
	}
}

// completedSet remembers the last completed work ids of a computation
type completedSet struct {
	ids   map[string]struct{}
	order []string
	next  int
}

func newCompletedSet(size int) *completedSet {
	if size <= 0 {
		size = 1
	}
	return &completedSet{ids: make(map[string]struct{}, size), order: make([]string, 0, size)}
}

func (s *completedSet) contains(id string) bool {
	_, ok := s.ids[id]
	return ok
}

// add evicts the oldest id once full
func (s *completedSet) add(id string) {
	if s.contains(id) {
		return
	}
	if len(s.order) < cap(s.order) {
		s.order = append(s.order, id)
	} else {
		delete(s.ids, s.order[s.next])
		s.order[s.next] = id
		s.next = (s.next + 1) % len(s.order)
	}
	s.ids[id] = struct{}{}
}
