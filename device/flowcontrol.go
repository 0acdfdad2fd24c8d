package device

import "sync"

// MaxPeerIndex is the highest peer index the firmware reports in a
// transmit completion. Index 0 is the group (multicast) queue.
const MaxPeerIndex uint8 = 10

// NumACs is the number of access categories.
const NumACs = 4

type fcKey struct {
	peer uint8
	ac   uint8
}

// FlowControl tracks frames in flight per peer and access category.
type FlowControl struct {
	mu       sync.Mutex
	inflight map[fcKey]int
}

// NewFlowControl returns empty accounting.
func NewFlowControl() *FlowControl {
	return &FlowControl{inflight: make(map[fcKey]int)}
}

// Sent accounts one frame handed to the firmware.
func (f *FlowControl) Sent(peer, ac uint8) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inflight[fcKey{peer, ac}]++
}

// Done releases one credit. It reports false when nothing was in flight
// for the pair, which happens when a peer disappeared while the firmware
// still held its frames.
func (f *FlowControl) Done(peer, ac uint8) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := fcKey{peer, ac}
	n := f.inflight[k]
	if n == 0 {
		return false
	}
	if n == 1 {
		delete(f.inflight, k)
	} else {
		f.inflight[k] = n - 1
	}
	return true
}

// InFlight returns the frames outstanding for the pair.
func (f *FlowControl) InFlight(peer, ac uint8) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inflight[fcKey{peer, ac}]
}

// Reset forgets all outstanding frames.
func (f *FlowControl) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	clear(f.inflight)
}
