package ingest

import (
	"sync"
)

// RawRef is storage metadata for one ingested envelope, served by the
// raw replay endpoint.
type RawRef struct {
	ObjectKey   string `json:"object_key"`
	PayloadHash string `json:"payload_hash"`
	Size        int    `json:"size"`
	ContentType string `json:"content_type"`
}

// rawIndex is a bounded FIFO map of recently ingested raw_msg_ids.
// Older envelopes are still reachable through the recompute pipeline;
// the index only serves the interactive replay path.
type rawIndex struct {
	mu    sync.RWMutex
	refs  map[string]RawRef
	order []string
	cap   int
}

func newRawIndex(capacity int) *rawIndex {
	if capacity <= 0 {
		capacity = 10000
	}
	return &rawIndex{
		refs: make(map[string]RawRef, capacity),
		cap:  capacity,
	}
}

func (x *rawIndex) Add(rawMsgID string, ref RawRef) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.refs[rawMsgID]; !ok {
		x.order = append(x.order, rawMsgID)
		if len(x.order) > x.cap {
			evict := x.order[0]
			x.order = x.order[1:]
			delete(x.refs, evict)
		}
	}
	x.refs[rawMsgID] = ref
}

func (x *rawIndex) Lookup(rawMsgID string) (RawRef, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	ref, ok := x.refs[rawMsgID]
	return ref, ok
}
