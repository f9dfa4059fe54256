package session

import (
	"sort"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/life-stream-dev/life-stream-go-stomp-client/internal/stomp"
)

// receiptTracker remembers which outbound frames asked for a RECEIPT.
// Entries that are never answered fall out after the TTL.
type receiptTracker struct {
	cache *expirable.LRU[string, stomp.Command]
}

func newReceiptTracker(capacity int, ttl time.Duration) *receiptTracker {
	if capacity <= 0 {
		capacity = DefaultReceiptCapacity
	}
	if ttl <= 0 {
		ttl = DefaultReceiptTTL
	}
	return &receiptTracker{cache: expirable.NewLRU[string, stomp.Command](capacity, nil, ttl)}
}

func (r *receiptTracker) track(frame *stomp.Frame) {
	if receipt := frame.Header.Get(stomp.HeaderReceipt); receipt != "" {
		r.cache.Add(receipt, frame.Command)
	}
}

// forget drops the receipt of a frame that never reached the broker
func (r *receiptTracker) forget(frame *stomp.Frame) {
	if receipt := frame.Header.Get(stomp.HeaderReceipt); receipt != "" {
		r.cache.Remove(receipt)
	}
}

func (r *receiptTracker) resolve(id string) (stomp.Command, bool) {
	command, ok := r.cache.Peek(id)
	if ok {
		r.cache.Remove(id)
	}
	return command, ok
}

func (r *receiptTracker) pending() []string {
	keys := r.cache.Keys()
	sort.Strings(keys)
	return keys
}
