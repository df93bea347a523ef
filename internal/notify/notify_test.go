package notify

import "testing"

func TestTriggerCoalesces(t *testing.T) {
	tr := NewTrigger()
	tr.Notify()
	tr.Notify()
	tr.Notify()

	select {
	case <-tr.C():
	default:
		t.Fatal("expected a pending wake-up")
	}
	select {
	case <-tr.C():
		t.Fatal("notifications should coalesce into one wake-up")
	default:
	}
}

func TestTriggerIdle(t *testing.T) {
	tr := NewTrigger()
	select {
	case <-tr.C():
		t.Fatal("no wake-up before Notify")
	default:
	}
}
