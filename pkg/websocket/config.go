package websocket

import "sync"

// Defaults for the process-wide tunables below, per RFC 6455 §10.4
// recommendations on resource exhaustion protection.
const (
	DefaultBinaryFragmentation uint64 = 512 * 1024
	DefaultMaxBufferLength     uint64 = 2 * 1024 * 1024
)

var tunables = struct {
	mu                  sync.RWMutex
	binaryFragmentation uint64
	maxBufferLength     uint64
}{
	binaryFragmentation: DefaultBinaryFragmentation,
	maxBufferLength:     DefaultMaxBufferLength,
}

// SetBinaryFragmentation sets the process-wide threshold, in bytes, at
// which an open [OutStream] flushes an accumulated fragment. It affects
// every [OutStream] created after the call, not ones already open.
func SetBinaryFragmentation(n uint64) {
	tunables.mu.Lock()
	defer tunables.mu.Unlock()
	tunables.binaryFragmentation = n
}

// SetMaxBufferLength sets the process-wide cap, in bytes, on a [Conn]'s
// receive buffer. Exceeding it forces a close with status 1009.
func SetMaxBufferLength(n uint64) {
	tunables.mu.Lock()
	defer tunables.mu.Unlock()
	tunables.maxBufferLength = n
}

func binaryFragmentation() uint64 {
	tunables.mu.RLock()
	defer tunables.mu.RUnlock()
	return tunables.binaryFragmentation
}

func maxBufferLength() uint64 {
	tunables.mu.RLock()
	defer tunables.mu.RUnlock()
	return tunables.maxBufferLength
}
