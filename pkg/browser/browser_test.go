package browser

import "testing"

func TestCloseWithoutLaunchIsSafe(t *testing.T) {
	r := New(true)
	r.Close()
	r.Close()
}

func TestLazyConstruction(t *testing.T) {
	// Chrome must not start at construction time; only field wiring happens.
	r := New(false)
	if r.browser != nil || r.launch != nil {
		t.Error("browser launched eagerly")
	}
	if r.headless {
		t.Error("headless = true, want false")
	}
}
