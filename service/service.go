// Package service assembles the components shared by the deeds binaries: the store, the broker, the chain
// gateway, the event bus and the domain services wired to it.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"strconv"
	"time"

	"github.com/tarancss/deeds/auth"
	"github.com/tarancss/deeds/eventbus"
	"github.com/tarancss/deeds/hub"
	"github.com/tarancss/deeds/lib/block"
	"github.com/tarancss/deeds/lib/config"
	"github.com/tarancss/deeds/lib/lock"
	"github.com/tarancss/deeds/lib/logging"
	"github.com/tarancss/deeds/lib/msg"
	"github.com/tarancss/deeds/lib/msg/amqp"
	msgmem "github.com/tarancss/deeds/lib/msg/memory"
	"github.com/tarancss/deeds/lib/store"
	"github.com/tarancss/deeds/lib/store/db"
	"github.com/tarancss/deeds/reconcile"
	"github.com/tarancss/deeds/reward"
)

// Broker types.
const (
	AMQP   = "amqp"
	MEMORY = "memory"
)

// Default intervals of the event log tasks.
const (
	DefaultDrainInterval   = 5 * time.Second
	DefaultCleanupInterval = time.Hour
)

// brokerRetry is the wait before the second connection attempt to the broker.
var brokerRetry = 10 * time.Second

// Service holds the components of a deeds process.
type Service struct {
	DB     store.DB
	Broker msg.MsgBroker // nil when not configured
	Chain  block.Chain
	Bus    *eventbus.Bus
	Tokens *auth.TokenStore

	Offers  *reconcile.Offers
	Leases  *reconcile.Leases
	Hubs    *hub.Manager
	Rewards *reward.Engine

	conf   config.ServiceConfig
	logger *logging.Logger
}

// Open connects to the database, the chain and the broker in conf and returns the service built on them.
func Open(conf config.ServiceConfig, logger *logging.Logger) (*Service, error) {
	log.Printf("Connecting to database:%s", conf.DbType)

	dbConn, err := db.New(conf.DbType, conf.DbConn, conf.DbName)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	chain, err := block.New(conf.Chain, conf.Signer)
	if err != nil {
		_ = db.Close(dbConn)

		return nil, fmt.Errorf("loading chain %s: %w", conf.Chain.Name, err)
	}

	log.Print("Blockchain client loaded")

	mb, err := openBroker(conf.MbType, conf.MbConn)
	if err != nil {
		chain.Close()
		_ = db.Close(dbConn)

		return nil, err
	}

	s := New(conf, dbConn, mb, chain)
	s.logger = logger

	return s, nil
}

// openBroker connects to the broker. An unknown type runs without broker: events are then drained on schedule.
func openBroker(mbType, uri string) (msg.MsgBroker, error) {
	var mb msg.MsgBroker

	switch mbType {
	case AMQP:
		r, err := amqp.New(uri)
		if err != nil {
			time.Sleep(brokerRetry) // wait for AMQP to be ready and try to reconnect

			if r, err = amqp.New(uri); err != nil {
				return nil, fmt.Errorf("connecting to broker: %w", err)
			}
		}

		mb = r
	case MEMORY:
		mb = msgmem.New()
	default:
		log.Printf("Unknown message broker type: %s", mbType)

		return nil, nil
	}

	if err := mb.Setup(); err != nil {
		_ = mb.Close()

		return nil, fmt.Errorf("setting up broker: %w", err)
	}

	return mb, nil
}

// New builds the domain services on the given connections and registers the event listeners. broker may be nil.
func New(conf config.ServiceConfig, dbConn store.DB, broker msg.MsgBroker, chain block.Chain) *Service {
	s := &Service{
		DB:     dbConn,
		Broker: broker,
		Chain:  chain,
		conf:   conf,
	}

	s.Bus = eventbus.New(dbConn, broker, eventbus.Config{
		InstanceID:   conf.InstanceID,
		Primary:      conf.Primary,
		CleanupRole:  conf.CleanupRole,
		Retention:    conf.Bus.Retention,
		DrainTimeout: conf.Locks.DrainTimeout,
	})

	s.Tokens = auth.NewTokenStore(conf.Tokens)
	s.Offers = reconcile.NewOffers(dbConn, chain, s.Bus, lock.New("offers", conf.Locks.Shards),
		conf.Locks.RefreshTimeout)
	s.Leases = reconcile.NewLeases(dbConn, chain, s.Bus, s.Offers, lock.New("leases", conf.Locks.Shards),
		conf.Locks.RefreshTimeout)
	s.Hubs = hub.NewManager(dbConn, chain, s.Bus, s.Tokens)
	s.Rewards = reward.NewEngine(dbConn, chain, s.Bus, conf.Reward)

	s.listen()

	return s
}

// listen registers the listeners reacting to the lease events on the offers.
func (s *Service) listen() {
	s.Bus.AddListener(reconcile.EventLeaseAcquired, eventbus.Listen("offers.acquisitionInProgress", s.onLeaseAcquired))
	s.Bus.AddListener(reconcile.EventLeaseAcquisitionConfirmed, eventbus.Listen("offers.acquired", s.onLeaseConfirmed))
	s.Bus.AddListener(reconcile.EventOfferCreated, eventbus.Listen("audit.offerCreated", onOfferCreated))
}

// onLeaseAcquired marks the offers of the deed ongoing at the lease start as being acquired.
func (s *Service) onLeaseAcquired(ctx context.Context, e eventbus.Event) error {
	var lease store.Lease
	if err := e.Decode(&lease); err != nil {
		return fmt.Errorf("decoding %s: %w", e.Name, err)
	}

	if len(lease.PendingTransactions) == 0 {
		return nil
	}

	hash := lease.PendingTransactions[len(lease.PendingTransactions)-1]

	return s.Offers.MarkAcquisitionInProgress(ctx, lease.NftID, hash, lease.StartDate)
}

// onLeaseConfirmed marks the offer of the lease acquired. Leases and offers share the chain id.
func (s *Service) onLeaseConfirmed(ctx context.Context, e eventbus.Event) error {
	var lease store.Lease
	if err := e.Decode(&lease); err != nil {
		return fmt.Errorf("decoding %s: %w", e.Name, err)
	}

	id, err := strconv.ParseUint(lease.ID, 10, 64)
	if err != nil {
		return fmt.Errorf("lease id %q: %w", lease.ID, err)
	}

	err = s.Offers.MarkAcquired(ctx, id, lease.EndDate)
	if errors.Is(err, reconcile.ErrOfferNotFound) {
		log.Printf("[service] offer %d of lease %s not found", id, lease.ID)

		return nil
	}

	return err
}

func onOfferCreated(ctx context.Context, e eventbus.Event) error {
	var offer store.Offer
	if err := e.Decode(&offer); err != nil {
		return fmt.Errorf("decoding %s: %w", e.Name, err)
	}

	slog.InfoContext(ctx, "offer created", "audit", true, "id", offer.ID, "offerId", offer.OfferID,
		"nftId", offer.NftID, "owner", offer.Owner, "tx", offer.TransactionHash)

	return nil
}

// Reload applies the tunables of conf that can change at runtime: token limits, reward settings and log level.
// Connections and instance settings are kept.
func (s *Service) Reload(conf config.ServiceConfig) {
	s.Tokens.SetLimits(conf.Tokens)
	s.Rewards.SetConfig(conf.Reward)

	if s.logger != nil {
		s.logger.SetLevel(conf.Log.Level)
	}

	log.Printf("[service] configuration reloaded")
}

// Run drains and cleans up the event log with the configured intervals until ctx is done.
func (s *Service) Run(ctx context.Context) {
	drain, cleanup := s.conf.Bus.DrainInterval, s.conf.Bus.CleanupInterval
	if drain <= 0 {
		drain = DefaultDrainInterval
	}

	if cleanup <= 0 {
		cleanup = DefaultCleanupInterval
	}

	s.Bus.Run(ctx, drain, cleanup)
}

// Close closes the broker, the chain and the database.
func (s *Service) Close() {
	if s.Broker != nil {
		err := s.Broker.Close()
		log.Printf("Closing messageBroker: %v", err)
	}

	if s.Chain != nil {
		s.Chain.Close()
	}

	if err := db.Close(s.DB); err != nil {
		log.Printf("Closing database: %v", err)
	}
}
