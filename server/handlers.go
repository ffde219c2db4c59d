package server

import (
	"database/sql"

	"github.com/irasychan/streamdash/coordinator"
	"github.com/irasychan/streamdash/db"
)

// Handlers holds dependencies for all HTTP handlers. dbConn is optional;
// when nil the service runs without persistence, health checks skip the
// database, and stored-token fallback is off.
type Handlers struct {
	coord  *coordinator.Coordinator
	db     *sql.DB
	tokens *db.TokenStore
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(coord *coordinator.Coordinator, dbConn *sql.DB) *Handlers {
	h := &Handlers{coord: coord, db: dbConn}
	if dbConn != nil {
		h.tokens = &db.TokenStore{DB: dbConn}
	}
	return h
}
