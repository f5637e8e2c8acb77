// Package deeds and its sub-packages implement the backend services of the deeds renting marketplace and of the
// WoM hub rewards.
/*
deeds provides you with two microservices:

1) an indexer microservice (package scanner) that scans the renting and WoM contracts, applies the transactions
 sent by the users once mined, computes the weekly UEM rewards and checks the status of the connected hubs.

2) an api microservice (package api) that implements a RESTful API for the users and hubs: challenge tokens, hub
 connections, offers, leases, hub reports and rewards.

Architecture

Offers and leases (package reconcile) are recorded in the database as soon as their transaction is sent and are
reconciled with the chain when it is mined. Every change publishes a domain event on the event bus (package
eventbus). The bus runs the listeners of the instance and, on primary instances, appends the event to a log persisted
in the database. Every instance drains the log, so an event published by the indexer reaches the listeners of the
api instances. A message broker (package lib/msg) nudges the peers to drain early; it is optional.

The database layer (package lib/store) provides a typed repository over memory, bolt, MongoDB and PostgreSQL
stores. The blockchain layer (package lib/block) reads and writes the deeds contracts; amounts and addresses are
normalized there.

Hubs (package hub) are connected to WoM by the manager of a deed, proving ownership of both wallets by signing a
message that includes a challenge token (package auth). Hubs send weekly reports that the reward engine (package
reward) turns into the UEM reward of every deed, published as a merkle root.

Depending on workload, one indexer and one or more api instances can be orchestrated. Both are configured with a
JSON or YAML file given with the flag "-c", overridden by DEEDS_* environment variables, and can be monitored via a
Prometheus API by setting the flag "-m" at startup.
*/
package deeds
