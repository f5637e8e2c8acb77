// Package amqp implements the message broker interface for AMQP compliant brokers (ie RabbitMQ)
package amqp

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/streadway/amqp"

	"github.com/tarancss/deeds/lib/msg"
)

// Exchange is the fanout exchange nudges are published to.
const Exchange = "deeds.events"

// Amqp implements a connection to a broker and a channel for reuse.
type Amqp struct {
	conn *amqp.Connection
	mu   sync.Mutex // guards ch, shared by publishers
	ch   *amqp.Channel

	done      chan struct{} // closed by Close, stops the consumers
	closeOnce sync.Once
}

// New instantiates a new amqp broker.
func New(uri string) (*Amqp, error) {
	r := Amqp{done: make(chan struct{})}

	var err error
	if r.conn, err = amqp.Dial(uri); err != nil {
		return &r, err
	}

	log.Printf("Connected to %s", uri)

	return &r, nil
}

// Setup obtains an amqp channel and declares the fanout exchange every instance binds its queue to.
func (r *Amqp) Setup() error {
	// obtain a one-use channel
	channel, err := r.conn.Channel()
	if err != nil {
		return err
	}
	defer channel.Close()

	return channel.ExchangeDeclare(Exchange, amqp.ExchangeFanout, true, false, false, false, nil)
}

// Close terminates gracefully the connection to the AMQP message broker
func (r *Amqp) Close() error {
	r.closeOnce.Do(func() { close(r.done) })

	r.mu.Lock()
	if r.ch != nil {
		if err := r.ch.Close(); err != nil {
			log.Printf("Error closing amqp.Channel:%v", err)
		}

		r.ch = nil
	}
	r.mu.Unlock()

	if r.conn == nil {
		return nil
	}

	return r.conn.Close()
}

// SendNudge publishes a nudge to the exchange.
func (r *Amqp) SendNudge(n msg.Nudge) error {
	jsonDoc, err := json.Marshal(n)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// obtain channel if not present
	if r.ch == nil {
		if r.ch, err = r.conn.Channel(); err != nil {
			return err
		}
	}

	m := amqp.Publishing{
		Headers:     amqp.Table{"x-event-name": n.Event},
		Body:        jsonDoc,
		ContentType: "application/json",
	}

	if err = r.ch.Publish(Exchange, n.Event, false, false, m); err != nil {
		log.Printf("[amqp] Error sending nudge for %s to message broker %v", n.Event, err)
		// the channel is unusable after a failed publish
		r.ch = nil
	}

	return err
}

// GetNudges consumes nudges on an exclusive queue of the instance bound to the exchange, pushing them to the
// returned channel. Nudges are acknowledged on delivery.
func (r *Amqp) GetNudges(instance string) (<-chan msg.Nudge, <-chan error, error) {
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, nil, err
	}

	queue := Exchange + "." + instance

	// declare queue
	if _, err = ch.QueueDeclare(queue, false, true, true, false, nil); err != nil {
		return nil, nil, err
	}
	// bind queue to exchange
	if err = ch.QueueBind(queue, "", Exchange, false, nil); err != nil {
		return nil, nil, err
	}
	// create channel for receiving nudges
	msgs, err := ch.Consume(queue, "indexer-"+instance, true, true, false, false, nil)
	if err != nil {
		return nil, nil, err
	}

	nudges := make(chan msg.Nudge)
	errs := make(chan error, 1)

	// start routine to consume messages from broker
	go func() {
		defer ch.Close()

		forward(msgs, nudges, errs, r.done)
	}()

	return nudges, errs, nil
}

// forward decodes the deliveries into nudges until msgs is closed or done is. Decoding errors are reported on
// errs when nobody is waiting for a previous one.
func forward(msgs <-chan amqp.Delivery, nudges chan<- msg.Nudge, errs chan<- error, done <-chan struct{}) {
	defer close(nudges)

	for {
		var m amqp.Delivery

		select {
		case <-done:
			return
		case d, ok := <-msgs:
			if !ok {
				return
			}

			m = d
		}

		var n msg.Nudge
		if err := json.Unmarshal(m.Body, &n); err != nil {
			select {
			case errs <- err:
			default:
			}

			continue
		}

		select {
		case nudges <- n:
		case <-done:
			return
		}
	}
}
