// Package registry holds the process-local flag and group stores. The stores
// are constructed once and injected into the service; their contents live for
// the lifetime of the process. A durable backing store would replace them in
// a horizontally-scaled deployment.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/m-rowley/switchboard/internal/core"
	"github.com/m-rowley/switchboard/internal/upstream"
)

// Hydration outcomes reported to the hydration hook.
const (
	HydrationFetched  = "fetched"
	HydrationNotFound = "not_found"
	HydrationError    = "error"
)

// Fetcher hydrates flags from the external system of record.
type Fetcher interface {
	FetchFlag(ctx context.Context, flagID string) (upstream.Flag, error)
	ListFlags(ctx context.Context) ([]upstream.Flag, error)
}

// FlagStore is an in-memory flag registry keyed by flag id. All methods are
// safe for concurrent use. When a fetcher is configured, cache misses hydrate
// from upstream; concurrent misses for the same id are coalesced into a
// single upstream call.
type FlagStore struct {
	mu    sync.RWMutex
	flags map[string]core.Flag

	fetcher     Fetcher
	inflight    singleflight.Group
	logger      *slog.Logger
	onHydration func(outcome string)
}

// FlagStoreOption configures a FlagStore.
type FlagStoreOption func(*FlagStore)

// WithFetcher enables cache-aside hydration through f.
func WithFetcher(f Fetcher) FlagStoreOption {
	return func(s *FlagStore) { s.fetcher = f }
}

// WithLogger sets the logger used for hydration diagnostics.
func WithLogger(logger *slog.Logger) FlagStoreOption {
	return func(s *FlagStore) { s.logger = logger }
}

// WithHydrationHook registers a callback invoked with the outcome of every
// hydration attempt, used for metrics.
func WithHydrationHook(hook func(outcome string)) FlagStoreOption {
	return func(s *FlagStore) { s.onHydration = hook }
}

// NewFlagStore returns an empty flag registry.
func NewFlagStore(opts ...FlagStoreOption) *FlagStore {
	s := &FlagStore{
		flags:  make(map[string]core.Flag),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the flag with the given id.
func (s *FlagStore) Get(flagID string) (core.Flag, bool) {
	s.mu.RLock()
	flag, ok := s.flags[flagID]
	s.mu.RUnlock()
	return flag, ok
}

// Has reports whether a flag with the given id exists.
func (s *FlagStore) Has(flagID string) bool {
	_, ok := s.Get(flagID)
	return ok
}

// Set stores a flag under its id, replacing any previous entry.
func (s *FlagStore) Set(flag core.Flag) {
	s.mu.Lock()
	s.flags[flag.ID] = flag
	s.mu.Unlock()
}

// Update applies fn to the stored flag while holding the write lock and
// returns the updated copy. Compound mutations (toggle, rule edits) must go
// through Update; a read-modify-Set sequence outside the lock would overwrite
// writes that landed in between.
func (s *FlagStore) Update(flagID string, fn func(*core.Flag)) (core.Flag, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	flag, ok := s.flags[flagID]
	if !ok {
		return core.Flag{}, false
	}
	fn(&flag)
	s.flags[flagID] = flag
	return flag, true
}

// Delete removes the flag with the given id and reports whether it existed.
func (s *FlagStore) Delete(flagID string) bool {
	s.mu.Lock()
	_, ok := s.flags[flagID]
	delete(s.flags, flagID)
	s.mu.Unlock()
	return ok
}

// Values returns all flags sorted by key for deterministic listing.
func (s *FlagStore) Values() []core.Flag {
	s.mu.RLock()
	flags := make([]core.Flag, 0, len(s.flags))
	for _, flag := range s.flags {
		flags = append(flags, flag)
	}
	s.mu.RUnlock()

	sort.Slice(flags, func(i, j int) bool {
		return flags[i].Key < flags[j].Key
	})
	return flags
}

// FindByKey returns the first flag with the given key. Key uniqueness is
// enforced at creation time, so first is deterministic in practice.
func (s *FlagStore) FindByKey(key string) (core.Flag, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, flag := range s.flags {
		if flag.Key == key {
			return flag, true
		}
	}
	return core.Flag{}, false
}

// Len returns the number of stored flags.
func (s *FlagStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.flags)
}

// Ensure returns the flag with the given id, hydrating it from upstream on a
// cache miss. Upstream failures are swallowed: the flag is simply reported
// absent and the caller decides whether absence is a 404.
func (s *FlagStore) Ensure(ctx context.Context, flagID string) (core.Flag, bool) {
	if flag, ok := s.Get(flagID); ok {
		return flag, true
	}
	if s.fetcher == nil {
		return core.Flag{}, false
	}

	value, err, _ := s.inflight.Do(flagID, func() (any, error) {
		// Another caller may have hydrated while we queued.
		if flag, ok := s.Get(flagID); ok {
			return flag, nil
		}

		remote, err := s.fetchRemote(ctx, flagID)
		if err != nil {
			return nil, err
		}

		flag := normalizeRemote(remote)
		s.Set(flag)
		s.hydrated(HydrationFetched)
		return flag, nil
	})
	if err != nil {
		if errors.Is(err, upstream.ErrNotFound) {
			s.hydrated(HydrationNotFound)
		} else {
			s.hydrated(HydrationError)
			s.logger.DebugContext(ctx, "flag hydration failed", "flag_id", flagID, "error", err)
		}
		return core.Flag{}, false
	}

	return value.(core.Flag), true
}

// fetchRemote tries the direct fetch first; when the upstream says the id
// does not exist there, the full list is scanned for a matching id. Some
// systems of record only expose flags through the list endpoint.
func (s *FlagStore) fetchRemote(ctx context.Context, flagID string) (upstream.Flag, error) {
	remote, err := s.fetcher.FetchFlag(ctx, flagID)
	if err == nil {
		return remote, nil
	}
	if !errors.Is(err, upstream.ErrNotFound) {
		return upstream.Flag{}, err
	}

	list, listErr := s.fetcher.ListFlags(ctx)
	if listErr != nil {
		return upstream.Flag{}, err
	}
	for _, candidate := range list {
		if candidate.ID == flagID {
			return candidate, nil
		}
	}
	return upstream.Flag{}, err
}

func (s *FlagStore) hydrated(outcome string) {
	if s.onHydration != nil {
		s.onHydration(outcome)
	}
}

// normalizeRemote converts the external shape into the local one: the legacy
// isEnabled field is honoured, the type defaults to BOOLEAN, and the rule
// list starts empty (targeting rules are owned locally).
func normalizeRemote(remote upstream.Flag) core.Flag {
	key := remote.Key
	if key == "" {
		key = remote.Name
	}
	if key == "" {
		key = remote.ID
	}

	flagType := core.FlagType(remote.Type)
	if flagType == "" {
		flagType = core.FlagBoolean
	}

	enabled := true
	if remote.Enabled != nil {
		enabled = *remote.Enabled
	} else if remote.IsEnabled != nil {
		enabled = *remote.IsEnabled
	}

	return core.Flag{
		ID:                remote.ID,
		Key:               key,
		Name:              remote.Name,
		Type:              flagType,
		Enabled:           enabled,
		RolloutPercentage: remote.RolloutPercentage,
		ConfigJSON:        remote.ConfigJSON,
		Rules:             core.Rules{},
	}
}
