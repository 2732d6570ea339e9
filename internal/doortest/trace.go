// Package doortest provides a fake DoorPi server and a scriptable custody.Gate
// for testing clients.
package doortest

import (
	"slices"
	"sync"
)

// Trace records the requests a Server received and the prompts a Gate displayed,
// in order.
type Trace struct {
	mut     sync.Mutex
	entries []string
}

// Add appends entry to the Trace.
func (self *Trace) Add(entry string) {
	self.mut.Lock()
	defer self.mut.Unlock()

	self.entries = append(self.entries, entry)
}

// Entries returns a copy of the Trace entries.
func (self *Trace) Entries() []string {
	self.mut.Lock()
	defer self.mut.Unlock()

	return slices.Clone(self.entries)
}

// Reset clears the Trace.
func (self *Trace) Reset() {
	self.mut.Lock()
	defer self.mut.Unlock()

	self.entries = nil
}
