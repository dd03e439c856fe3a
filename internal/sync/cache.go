package sync

import (
	stdsync "sync"

	"github.com/linearhealth/linearhealth/internal/domain"
)

// projectCache memoizes project metadata bundles for the duration of one sync
// run, so no project's labels/updates are fetched twice across phases. It is
// discarded when the run ends.
type projectCache struct {
	mu   stdsync.Mutex
	data map[string]domain.ProjectFullData
}

func newProjectCache() *projectCache {
	return &projectCache{data: map[string]domain.ProjectFullData{}}
}

func (c *projectCache) get(id string) (domain.ProjectFullData, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.data[id]
	return d, ok
}

func (c *projectCache) put(id string, d domain.ProjectFullData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[id] = d
}

// missing returns the subset of ids not yet cached, preserving order.
func (c *projectCache) missing(ids []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, id := range ids {
		if _, ok := c.data[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}
