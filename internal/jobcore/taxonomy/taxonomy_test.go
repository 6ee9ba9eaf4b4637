package taxonomy

import (
	"context"
	"errors"
	"testing"
)

func TestClassify_KnownKinds(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"cancelled", &Cancelled{JobID: "j1"}, Cancellation},
		{"validation", &Validation{Msg: "bad input"}, NonRetryable},
		{"unauthorized", &Unauthorized{Msg: "nope"}, NonRetryable},
		{"quota", &QuotaExceeded{Msg: "too many"}, NonRetryable},
		{"integrity", &Integrity{Msg: "checksum mismatch"}, Fatal},
		{"resource", &ResourceExhausted{Msg: "oom"}, Fatal},
		{"transient", &Transient{Msg: "connection reset"}, Retryable},
		{"deadline", context.DeadlineExceeded, Retryable},
		{"unknown", errors.New("whatever"), NonRetryable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Fatalf("Classify(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestClassify_Nil(t *testing.T) {
	if Classify(nil) != NonRetryable {
		t.Fatalf("Classify(nil) should default to non_retryable")
	}
}

func TestShouldRetry(t *testing.T) {
	if !ShouldRetry(&Transient{Msg: "x"}) {
		t.Fatalf("transient errors must be retryable")
	}
	if ShouldRetry(&Cancelled{JobID: "j1"}) {
		t.Fatalf("cancellation must never be retryable")
	}
	if ShouldRetry(&Validation{Msg: "x"}) {
		t.Fatalf("validation must never be retryable")
	}
}

func TestDescribe(t *testing.T) {
	md := Describe(&Validation{Msg: "bad field"})
	if md.ErrorClassification != NonRetryable {
		t.Fatalf("unexpected classification: %v", md.ErrorClassification)
	}
	if md.IsRetryable {
		t.Fatalf("validation must not be marked retryable")
	}
	if md.ErrorMessage != "bad field" {
		t.Fatalf("unexpected message: %q", md.ErrorMessage)
	}
	if md.ErrorModule == "" {
		t.Fatalf("error_module should be populated from the error's package path")
	}
	if md.Traceback == "" {
		t.Fatalf("traceback should be populated")
	}
}
