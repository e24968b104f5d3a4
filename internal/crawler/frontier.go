package crawler

import "sync"

// Frontier holds the pending queue and visited set of one traversal. Pending
// URLs are served FIFO, which gives breadth-first order. Every URL is handed
// out by Poll at most once for the lifetime of the Frontier.
//
// All methods are safe for concurrent use.
type Frontier struct {
	mu       sync.Mutex
	pending  []string
	queued   map[string]struct{}
	visited  map[string]struct{}
	inFlight int
	changed  chan struct{}
}

// NewFrontier returns an empty frontier.
func NewFrontier() *Frontier {
	return &Frontier{
		queued:  make(map[string]struct{}),
		visited: make(map[string]struct{}),
		changed: make(chan struct{}, 1),
	}
}

// Seed enqueues the start URL.
func (f *Frontier) Seed(url string) bool {
	return f.Offer(url)
}

// Offer enqueues url unless it is already queued or visited. It reports
// whether the URL was added.
func (f *Frontier) Offer(url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.visited[url]; ok {
		return false
	}
	if _, ok := f.queued[url]; ok {
		return false
	}
	f.queued[url] = struct{}{}
	f.pending = append(f.pending, url)
	f.notifyLocked()
	return true
}

// Poll removes the oldest pending URL, marks it visited and in flight. The
// caller must call Complete once the URL has been processed.
func (f *Frontier) Poll() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return "", false
	}
	url := f.pending[0]
	f.pending[0] = ""
	f.pending = f.pending[1:]
	delete(f.queued, url)
	f.visited[url] = struct{}{}
	f.inFlight++
	return url, true
}

// Complete marks one polled URL as finished.
func (f *Frontier) Complete() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inFlight > 0 {
		f.inFlight--
	}
	f.notifyLocked()
}

// IsDone reports that nothing is pending and nothing is in flight.
func (f *Frontier) IsDone() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending) == 0 && f.inFlight == 0
}

// Changed is signalled after every Offer or Complete. Waiters should
// re-check state after receiving from it.
func (f *Frontier) Changed() <-chan struct{} {
	return f.changed
}

// Visited reports whether url has been handed out by Poll.
func (f *Frontier) Visited(url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.visited[url]
	return ok
}

// Stats returns the pending, visited and in-flight counts.
func (f *Frontier) Stats() (pending, visited, inFlight int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending), len(f.visited), f.inFlight
}

func (f *Frontier) notifyLocked() {
	select {
	case f.changed <- struct{}{}:
	default:
	}
}
