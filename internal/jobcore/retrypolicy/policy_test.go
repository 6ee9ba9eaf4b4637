package retrypolicy

import (
	"testing"
	"time"
)

func TestFor_KnownClasses(t *testing.T) {
	cases := []struct {
		class      Class
		maxRetries int
		cap        time.Duration
		soft       time.Duration
		hard       time.Duration
	}{
		{Default, 3, 20 * time.Second, 540 * time.Second, 600 * time.Second},
		{Model, 5, 60 * time.Second, 840 * time.Second, 900 * time.Second},
		{Cam, 5, 60 * time.Second, 840 * time.Second, 900 * time.Second},
		{Sim, 5, 60 * time.Second, 840 * time.Second, 900 * time.Second},
		{Report, 5, 45 * time.Second, 540 * time.Second, 600 * time.Second},
		{ERP, 5, 45 * time.Second, 540 * time.Second, 600 * time.Second},
	}
	for _, tc := range cases {
		p := For(string(tc.class))
		if p.MaxRetries != tc.maxRetries || p.BackoffCap != tc.cap || p.SoftLimit != tc.soft || p.HardLimit != tc.hard {
			t.Fatalf("For(%s) = %+v, want {%d %v %v %v}", tc.class, p, tc.maxRetries, tc.cap, tc.soft, tc.hard)
		}
	}
}

func TestFor_UnknownFallsBackToDefault(t *testing.T) {
	if got, want := For("nonsense"), For(string(Default)); got != want {
		t.Fatalf("For(unknown) = %+v, want default %+v", got, want)
	}
}

func TestKnownClass(t *testing.T) {
	if !KnownClass("cam") {
		t.Fatalf("cam must be a known class")
	}
	if KnownClass("freecad") {
		t.Fatalf("legacy class names are not known classes")
	}
}

func TestDelay_WithinJitterBounds(t *testing.T) {
	p := For(string(Model))
	for attempt := 0; attempt < 8; attempt++ {
		min, max := DelayBounds(p, attempt)
		for _, draw := range []float64{0, 0.25, 0.5, 0.75, 1} {
			d := Delay(p, attempt, func() float64 { return draw })
			if d < min || d > max {
				t.Fatalf("attempt %d draw %v: Delay = %v, want within [%v, %v]", attempt, draw, d, min, max)
			}
		}
	}
}

func TestDelay_CapsAtBackoffCap(t *testing.T) {
	p := For(string(Default)) // cap 20s, base 2s: 2*2^n exceeds cap by attempt 4 (32s)
	d := Delay(p, 10, func() float64 { return 0 })
	if d != p.BackoffCap/2 {
		t.Fatalf("high attempt should saturate at cap*0.5, got %v want %v", d, p.BackoffCap/2)
	}
	d = Delay(p, 10, func() float64 { return 1 })
	if d != p.BackoffCap+p.BackoffCap/2 {
		t.Fatalf("high attempt at max jitter should be cap*1.5, got %v want %v", d, p.BackoffCap+p.BackoffCap/2)
	}
}

func TestDelay_Attempt0IsAroundBase(t *testing.T) {
	p := For(string(Default))
	min, max := DelayBounds(p, 0)
	if min != time.Second || max != 3*time.Second {
		t.Fatalf("attempt 0 bounds = [%v, %v], want [1s, 3s]", min, max)
	}
}
