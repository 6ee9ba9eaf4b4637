package broker

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cncaiprojem/jobcore/internal/ioretry"
)

// Connect dials url and declares the full topology, retrying the dial a
// bounded number of times. This is the generalized form of the teacher's
// bare amqp.Dial call in cmd/worker/main.go, which assumed the broker was
// already up; a dispatcher/worker process starting concurrently with
// RabbitMQ needs to tolerate a few early connection refusals.
func Connect(ctx context.Context, url string, attempts int, retryDelay time.Duration) (*amqp.Connection, *amqp.Channel, error) {
	var conn *amqp.Connection
	err := ioretry.Do(ctx, attempts, retryDelay, func() error {
		c, dialErr := Dial(url)
		if dialErr != nil {
			return dialErr
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}

	if err := NewTopology(ch).Declare(); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, err
	}

	return conn, ch, nil
}
