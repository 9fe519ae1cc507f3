package membership

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/relves/convosync/pkg/types"
)

// TopicCache maps topic identifiers to the latest known group version
// ref, avoiding a store round-trip per membership lookup. It is an
// explicit injected component: entries are evicted on any resolution
// failure so a broken mapping is rebuilt instead of served forever.
// Thread-safe; filter callbacks may hit it concurrently with
// provisioning calls.
type TopicCache struct {
	heads *lru.Cache[string, types.Ref]
	sf    singleflight.Group
}

// NewTopicCache creates a cache bounded to size entries.
func NewTopicCache(size int) (*TopicCache, error) {
	heads, err := lru.New[string, types.Ref](size)
	if err != nil {
		return nil, err
	}
	return &TopicCache{heads: heads}, nil
}

// Get returns the cached head for a topic.
func (tc *TopicCache) Get(topicID string) (types.Ref, bool) {
	return tc.heads.Get(topicID)
}

// Put records the latest group version for a topic.
func (tc *TopicCache) Put(topicID string, ref types.Ref) {
	tc.heads.Add(topicID, ref)
}

// Evict drops the entry for a topic.
func (tc *TopicCache) Evict(topicID string) {
	tc.heads.Remove(topicID)
}

// Resolve returns the cached head or rebuilds it, collapsing concurrent
// rebuilds of the same topic into a single store round-trip.
func (tc *TopicCache) Resolve(topicID string, rebuild func() (types.Ref, error)) (types.Ref, error) {
	if ref, ok := tc.heads.Get(topicID); ok {
		return ref, nil
	}
	v, err, _ := tc.sf.Do(topicID, func() (interface{}, error) {
		ref, err := rebuild()
		if err != nil {
			return nil, err
		}
		tc.heads.Add(topicID, ref)
		return ref, nil
	})
	if err != nil {
		return "", err
	}
	return v.(types.Ref), nil
}
