// Package notify provides wake-up primitives for background loops.
package notify

// Trigger wakes a single consumer loop. Notifications that arrive while
// the consumer is busy coalesce into one pending wake-up, so none is lost
// between two waits.
type Trigger struct {
	ch chan struct{}
}

// NewTrigger creates a ready-to-use Trigger.
func NewTrigger() *Trigger { return &Trigger{ch: make(chan struct{}, 1)} }

// Notify requests a wake-up. It never blocks.
func (t *Trigger) Notify() {
	select {
	case t.ch <- struct{}{}:
	default:
	}
}

// C returns the channel that receives one value per pending wake-up.
func (t *Trigger) C() <-chan struct{} {
	return t.ch
}
