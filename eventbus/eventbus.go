// Package eventbus propagates domain events to the listeners of every service instance.
//
// Publish runs the local listeners and, on the primary instance, appends the event to the shared log in the
// store. Every instance drains the log periodically, running its listeners on the events it has not consumed
// yet. Delivery is at least once so listeners must be idempotent.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tarancss/deeds/lib/lock"
	"github.com/tarancss/deeds/lib/metrics"
	"github.com/tarancss/deeds/lib/msg"
	"github.com/tarancss/deeds/lib/store"
	"github.com/tarancss/deeds/lib/util"
)

// DefaultDrainTimeout bounds the wait for the drain lock.
const DefaultDrainTimeout = 3 * time.Second

const watermarkPrefix = "events.watermark."

// Event is a domain event. Data holds the JSON payload and Type its type name.
type Event struct {
	Name string          `json:"name"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// Listener handles events.
type Listener interface {
	Name() string
	OnEvent(ctx context.Context, e Event) error
}

type listenerFunc struct {
	name string
	fn   func(context.Context, Event) error
}

func (l listenerFunc) Name() string                                 { return l.name }
func (l listenerFunc) OnEvent(ctx context.Context, e Event) error { return l.fn(ctx, e) }

// Listen returns a named listener running fn.
func Listen(name string, fn func(context.Context, Event) error) Listener {
	return listenerFunc{name: name, fn: fn}
}

// Config configures a bus.
type Config struct {
	InstanceID   string
	Primary      bool // persist published events
	CleanupRole  bool // delete expired events
	Retention    time.Duration
	DrainTimeout time.Duration
}

// Bus dispatches events to its listeners and through the persisted log.
type Bus struct {
	conf     Config
	events   *store.Repo[store.PersistedEvent]
	settings *store.Repo[store.Setting]
	broker   msg.MsgBroker // optional
	drain    *lock.Sharded
	now      func() time.Time

	mu        sync.RWMutex
	listeners map[string][]Listener
}

// New returns a bus persisting events in db. broker may be nil.
func New(db store.DB, broker msg.MsgBroker, conf Config) *Bus {
	if conf.InstanceID == "" {
		conf.InstanceID = uuid.NewString()
	}

	if conf.DrainTimeout <= 0 {
		conf.DrainTimeout = DefaultDrainTimeout
	}

	return &Bus{
		conf:      conf,
		events:    store.NewRepo[store.PersistedEvent](db, store.Events),
		settings:  store.NewRepo[store.Setting](db, store.Settings),
		broker:    broker,
		drain:     lock.New("bus", 1),
		now:       time.Now,
		listeners: make(map[string][]Listener),
	}
}

// InstanceID returns the id of this instance in the log.
func (b *Bus) InstanceID() string { return b.conf.InstanceID }

// AddListener registers l for the events named name. A listener with the same name is replaced.
func (b *Bus) AddListener(name string, l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ls := b.listeners[name]
	for i := range ls {
		if ls[i].Name() == l.Name() {
			ls[i] = l

			return
		}
	}

	b.listeners[name] = append(ls, l)
}

// RemoveListener unregisters the listener named listener from the events named name.
func (b *Bus) RemoveListener(name, listener string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ls := b.listeners[name]
	out := make([]Listener, 0, len(ls))

	for _, l := range ls {
		if l.Name() != listener {
			out = append(out, l)
		}
	}

	b.listeners[name] = out
}

// Publish runs the local listeners of the event, then persists it when this instance is the primary one.
// Listener failures are logged and don't fail the publication.
func (b *Bus) Publish(ctx context.Context, name string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", name, err)
	}

	e := Event{Name: name, Type: typeName(payload), Data: data}

	metrics.EventsPublished.WithLabelValues(name).Inc()
	b.trigger(ctx, e)

	if !b.conf.Primary {
		return nil
	}

	pe := store.PersistedEvent{
		ID:          uuid.NewString(),
		Name:        e.Name,
		Type:        e.Type,
		Data:        e.Data,
		CreatedDate: b.now().UTC(),
		Consumers:   []string{b.conf.InstanceID},
	}

	if err = b.events.Put(ctx, pe.ID, pe); err != nil {
		return fmt.Errorf("persisting event %s: %w", name, err)
	}

	if b.broker != nil {
		if errN := b.broker.SendNudge(msg.Nudge{Instance: b.conf.InstanceID, Event: name, ID: pe.ID}); errN != nil {
			log.Printf("[bus] cannot nudge peers about %s: %v", name, errN)
		}
	}

	return nil
}

func typeName(v interface{}) string {
	if v == nil {
		return ""
	}

	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	if t.Name() == "" {
		return t.String()
	}

	return t.Name()
}

// trigger runs the listeners of e, isolating their errors and panics.
func (b *Bus) trigger(ctx context.Context, e Event) {
	b.mu.RLock()
	ls := append([]Listener(nil), b.listeners[e.Name]...)
	b.mu.RUnlock()

	for _, l := range ls {
		if err := safeCall(ctx, l, e); err != nil {
			metrics.ListenerErrors.WithLabelValues(l.Name()).Inc()
			log.Printf("[bus] listener %s failed on %s: %v", l.Name(), e.Name, err)
		}
	}
}

func safeCall(ctx context.Context, l Listener, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	return l.OnEvent(ctx, e)
}

func (b *Bus) watermarkID() string { return watermarkPrefix + b.conf.InstanceID }

// Watermark returns the date from which this instance reads the log, and whether it was set.
func (b *Bus) Watermark(ctx context.Context) (time.Time, bool, error) {
	s, err := b.settings.Get(ctx, b.watermarkID())
	if errors.Is(err, store.ErrDataNotFound) || (err == nil && s.Value == "") {
		return time.Time{}, false, nil
	}

	if err != nil {
		return time.Time{}, false, err
	}

	t, err := time.Parse(time.RFC3339Nano, s.Value)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid watermark %q: %w", s.Value, err)
	}

	return t, true, nil
}

func (b *Bus) setWatermark(ctx context.Context, t time.Time) error {
	id := b.watermarkID()

	return b.settings.Put(ctx, id, store.Setting{ID: id, Value: t.UTC().Format(time.RFC3339Nano)})
}

// Drain runs the local listeners on the logged events this instance has not consumed, oldest first, and returns
// how many were consumed. When another drain is running and does not finish in time the cycle is skipped.
func (b *Bus) Drain(ctx context.Context) (int, error) {
	release, err := b.drain.Acquire(ctx, "drain", b.conf.DrainTimeout)
	if errors.Is(err, lock.ErrTimeout) {
		log.Printf("[bus] drain already running, skipping")

		return 0, nil
	}

	if err != nil {
		return 0, err
	}
	defer release()

	from, ok, err := b.Watermark(ctx)
	if err != nil {
		return 0, err
	}

	if !ok {
		// a new instance only consumes events from now on
		return 0, b.setWatermark(ctx, b.now())
	}

	events, err := b.events.Find(ctx, store.Where(
		store.Gte("createdDate", from),
		store.NotContains("consumers", b.conf.InstanceID),
	).OrderBy("createdDate", false))
	if err != nil {
		return 0, fmt.Errorf("reading events: %w", err)
	}

	last, n := from, 0

	defer func() {
		if last.After(from) {
			if errW := b.setWatermark(ctx, last); errW != nil {
				log.Printf("[bus] cannot save watermark: %v", errW)
			}
		}
	}()

	for _, pe := range events {
		if ctx.Err() != nil {
			break
		}

		b.trigger(ctx, Event{Name: pe.Name, Type: pe.Type, Data: pe.Data})

		if err = b.consumed(ctx, pe.ID); err != nil {
			return n, err
		}

		n++

		if pe.CreatedDate.After(last) {
			last = pe.CreatedDate
		}
	}

	metrics.EventsDrained.Add(float64(n))

	return n, nil
}

// consumed adds this instance to the consumers of the event id.
func (b *Bus) consumed(ctx context.Context, id string) error {
	pe, err := b.events.Get(ctx, id)
	if errors.Is(err, store.ErrDataNotFound) {
		return nil // cleaned up meanwhile
	}

	if err != nil {
		return err
	}

	pe.Consumers = util.AddUnique(pe.Consumers, b.conf.InstanceID)

	return b.events.Put(ctx, id, pe)
}

// Cleanup deletes the events older than the watermark minus the retention period. Only instances with the cleanup
// role delete events.
func (b *Bus) Cleanup(ctx context.Context) (int, error) {
	if !b.conf.CleanupRole {
		return 0, nil
	}

	wm, ok, err := b.Watermark(ctx)
	if err != nil || !ok {
		return 0, err
	}

	n, err := b.events.DeleteMany(ctx, store.Where(store.Lt("createdDate", wm.Add(-b.conf.Retention))))
	if err != nil {
		return 0, fmt.Errorf("deleting events: %w", err)
	}

	if n > 0 {
		log.Printf("[bus] %d expired events deleted", n)
	}

	return int(n), nil
}

// Run drains the log every drainEvery, and early when a peer nudges, and cleans it up every cleanupEvery, until
// ctx is done.
func (b *Bus) Run(ctx context.Context, drainEvery, cleanupEvery time.Duration) {
	var nudges <-chan msg.Nudge

	if b.broker != nil {
		var err error
		if nudges, _, err = b.broker.GetNudges(b.conf.InstanceID); err != nil {
			log.Printf("[bus] cannot consume nudges, draining on schedule only: %v", err)
		}
	}

	drain := time.NewTicker(drainEvery)
	defer drain.Stop()

	cleanup := time.NewTicker(cleanupEvery)
	defer cleanup.Stop()

	do := func() {
		if _, err := b.Drain(ctx); err != nil {
			log.Printf("[bus] drain failed: %v", err)
		}
	}

	do() // sets the watermark of a new instance

	for {
		select {
		case <-ctx.Done():
			return
		case <-drain.C:
			do()
		case n, ok := <-nudges:
			if !ok {
				nudges = nil

				continue
			}

			if n.Instance != b.conf.InstanceID {
				do()
			}
		case <-cleanup.C:
			if _, err := b.Cleanup(ctx); err != nil {
				log.Printf("[bus] cleanup failed: %v", err)
			}
		}
	}
}
