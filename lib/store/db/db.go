// Package db implements the opening and graceful closing of database connections.
package db

import (
	"errors"
	"log"

	"github.com/tarancss/deeds/lib/store"
	"github.com/tarancss/deeds/lib/store/bolt"
	"github.com/tarancss/deeds/lib/store/memory"
	"github.com/tarancss/deeds/lib/store/mongo"
	"github.com/tarancss/deeds/lib/store/postgres"
)

const (
	MEMORY   string = "memory"
	BOLT     string = "bolt"
	MONGODB  string = "mongodb"
	POSTGRES string = "postgresql"
)

// ErrNoDB is returned for an unknown database type.
var ErrNoDB = errors.New("database type not implemented")

// New returns a new database connection according to the options (database type). name is the mongo database
// name and is ignored by the other types. For bolt, connection is the file path.
func New(options, connection, name string) (store.DB, error) {
	switch options {
	case MEMORY:
		return memory.New(), nil
	case BOLT:
		return bolt.New(connection)
	case MONGODB:
		return mongo.New(connection, name)
	case POSTGRES:
		return postgres.New(connection)
	}

	log.Printf("[db] type %q not implemented", options)

	return nil, ErrNoDB
}

// Close gracefully closes the database connection.
func Close(dh store.DB) error {
	if dh == nil {
		return nil
	}

	return dh.Close()
}
