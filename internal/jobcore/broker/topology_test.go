package broker

import (
	"testing"

	"github.com/cncaiprojem/jobcore/internal/jobcore/retrypolicy"
)

func TestQueueAndExchangeNaming(t *testing.T) {
	if QueueName(retrypolicy.Cam) != "cam" {
		t.Fatalf("unexpected queue name: %s", QueueName(retrypolicy.Cam))
	}
	if RoutingKey(retrypolicy.Cam) != "cam" {
		t.Fatalf("unexpected routing key: %s", RoutingKey(retrypolicy.Cam))
	}
	if DLXName(retrypolicy.Cam) != "cam.dlx" {
		t.Fatalf("unexpected dlx name: %s", DLXName(retrypolicy.Cam))
	}
	if DLQName(retrypolicy.Cam) != "cam_dlq" {
		t.Fatalf("unexpected dlq name: %s", DLQName(retrypolicy.Cam))
	}
}

func TestNamingIsUniquePerClass(t *testing.T) {
	seen := map[string]bool{}
	for _, class := range retrypolicy.Classes() {
		for _, name := range []string{QueueName(class), DLXName(class), DLQName(class)} {
			if seen[name] {
				t.Fatalf("duplicate broker object name: %s", name)
			}
			seen[name] = true
		}
	}
}
