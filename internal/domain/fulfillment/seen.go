package fulfillment

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// SeenFilter is a process-local bloom filter over order ids that have been
// dispatched at least once. A negative answer is definitive (the order is
// new, skip the record lookup); a positive answer only means "possibly a
// redelivery, go check the store".
type SeenFilter struct {
	mu     sync.Mutex
	filter *bloom.BloomFilter
}

// NewSeenFilter sizes the filter for the expected number of orders between
// process restarts.
func NewSeenFilter(expectedOrders uint, falsePositiveRate float64) *SeenFilter {
	return &SeenFilter{
		filter: bloom.NewWithEstimates(expectedOrders, falsePositiveRate),
	}
}

// Add records an order id.
func (s *SeenFilter) Add(orderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filter.AddString(orderID)
}

// MightContain reports whether the order id may have been added. False
// means definitely not.
func (s *SeenFilter) MightContain(orderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter.TestString(orderID)
}

// Warm seeds the filter, typically from order ids already in the record
// store at startup.
func (s *SeenFilter) Warm(orderIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range orderIDs {
		s.filter.AddString(id)
	}
}
