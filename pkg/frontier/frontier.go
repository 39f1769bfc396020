// Package frontier holds the pending-URL queue and the visited set of a
// crawl run.
package frontier

import (
	"sync"

	"github.com/amosWeiskopf/fileharvest/pkg/utils"
)

// Frontier is safe for concurrent use. The pending queue and the visited
// set sit behind separate locks; MarkVisited is the only deduplication
// gate and must be called before a URL is fetched. URLs are keyed by
// their normalized form, so scheme and host case do not matter.
type Frontier struct {
	blocked Blocklist

	queueMu sync.Mutex
	pending []string
	queued  map[string]struct{}

	visitedMu sync.Mutex
	visited   map[string]struct{}
}

// New creates an empty frontier that never hands out URLs hit by blocked.
func New(blocked Blocklist) *Frontier {
	return &Frontier{
		blocked: blocked,
		queued:  make(map[string]struct{}),
		visited: make(map[string]struct{}),
	}
}

// Push enqueues url unless it is blocked, already pending or visited.
// It reports whether the URL was added.
func (f *Frontier) Push(url string) bool {
	if url == "" {
		return false
	}
	url = utils.NormalizeURL(url)
	if f.blocked.Blocks(url) || f.Visited(url) {
		return false
	}
	f.queueMu.Lock()
	defer f.queueMu.Unlock()
	if _, ok := f.queued[url]; ok {
		return false
	}
	f.queued[url] = struct{}{}
	f.pending = append(f.pending, url)
	return true
}

// PushBatch enqueues every URL in urls and returns how many were added.
func (f *Frontier) PushBatch(urls []string) int {
	added := 0
	for _, u := range urls {
		if f.Push(u) {
			added++
		}
	}
	return added
}

// PopBatch removes up to n URLs from the queue, skipping any that have
// been visited or are blocked in the meantime.
func (f *Frontier) PopBatch(n int) []string {
	if n <= 0 {
		return nil
	}
	f.queueMu.Lock()
	defer f.queueMu.Unlock()

	batch := make([]string, 0, n)
	for len(f.pending) > 0 && len(batch) < n {
		u := f.pending[0]
		f.pending[0] = ""
		f.pending = f.pending[1:]
		delete(f.queued, u)
		if f.blocked.Blocks(u) || f.Visited(u) {
			continue
		}
		batch = append(batch, u)
	}
	return batch
}

// MarkVisited atomically checks and sets the visited flag. It returns true
// only for the first caller with a given URL.
func (f *Frontier) MarkVisited(url string) bool {
	url = utils.NormalizeURL(url)
	f.visitedMu.Lock()
	defer f.visitedMu.Unlock()
	if _, ok := f.visited[url]; ok {
		return false
	}
	f.visited[url] = struct{}{}
	return true
}

// Visited reports whether url has been claimed by a worker.
func (f *Frontier) Visited(url string) bool {
	url = utils.NormalizeURL(url)
	f.visitedMu.Lock()
	defer f.visitedMu.Unlock()
	_, ok := f.visited[url]
	return ok
}

// VisitedCount returns the size of the visited set.
func (f *Frontier) VisitedCount() int {
	f.visitedMu.Lock()
	defer f.visitedMu.Unlock()
	return len(f.visited)
}

// Len returns the number of pending URLs.
func (f *Frontier) Len() int {
	f.queueMu.Lock()
	defer f.queueMu.Unlock()
	return len(f.pending)
}

// Reset empties both the queue and the visited set.
func (f *Frontier) Reset() {
	f.queueMu.Lock()
	f.pending = nil
	f.queued = make(map[string]struct{})
	f.queueMu.Unlock()

	f.visitedMu.Lock()
	f.visited = make(map[string]struct{})
	f.visitedMu.Unlock()
}
