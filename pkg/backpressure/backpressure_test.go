package backpressure

import "testing"

func TestNewRejectsInvertedThresholds(t *testing.T) {
	_, err := New(Opts{High: 100, Critical: 50})
	if err == nil {
		t.Fatal("expected error when high >= critical")
	}
}

func TestStateNormalBelowHigh(t *testing.T) {
	c, err := New(Opts{High: 100, Critical: 200})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.SetDepth(10)
	st := c.State()
	if st.Level != Normal || st.SamplingRate != 1.0 || st.ShouldPause {
		t.Fatalf("unexpected state: %+v", st)
	}
}

func TestStateHighBetweenThresholds(t *testing.T) {
	c, err := New(Opts{High: 100, Critical: 200, HighRate: 0.5})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.SetDepth(150)
	st := c.State()
	if st.Level != High || st.SamplingRate != 0.5 || st.ShouldPause {
		t.Fatalf("unexpected state: %+v", st)
	}
}

func TestStateCriticalAtOrAboveThreshold(t *testing.T) {
	c, err := New(Opts{High: 100, Critical: 200, CriticalRate: 0.1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.SetDepth(200)
	st := c.State()
	if st.Level != Critical || st.SamplingRate != 0.1 || !st.ShouldPause {
		t.Fatalf("unexpected state: %+v", st)
	}
}

func TestShouldAcceptAlwaysFalseWhenPaused(t *testing.T) {
	c, err := New(Opts{High: 10, Critical: 20})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.SetDepth(20)
	for i := 0; i < 5; i++ {
		if c.ShouldAccept() {
			t.Fatal("expected ShouldAccept to always return false while paused")
		}
	}
	if c.DropCount() != 5 {
		t.Fatalf("expected dropCount 5, got %d", c.DropCount())
	}
}

func TestShouldAcceptAlwaysTrueAtFullSamplingRate(t *testing.T) {
	c, err := New(Opts{High: 100, Critical: 200})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.SetDepth(0)
	for i := 0; i < 5; i++ {
		if !c.ShouldAccept() {
			t.Fatal("expected ShouldAccept to always return true at rate 1.0")
		}
	}
	if c.DropCount() != 0 {
		t.Fatalf("expected dropCount 0, got %d", c.DropCount())
	}
}

func TestShouldAcceptRespectsSamplingRateDeterministically(t *testing.T) {
	c, err := New(Opts{High: 100, Critical: 200, HighRate: 0.5, Rand: func() float64 { return 0.9 }})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.SetDepth(150)
	// 1 - rate = 0.5; Rand() = 0.9 is not < 0.5, so this should accept.
	if !c.ShouldAccept() {
		t.Fatal("expected accept when rand() >= 1-rate")
	}
}
