// Package postgres opens the pooled connection to the relational source of
// truth. The index subsystem only reads from it; writes belong to the
// owning application.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/yemenstay/property-search-index/pkg/config"
)

const connectTimeout = 5 * time.Second

// Client owns the *sql.DB pool. DB is exported because the source
// repositories and health probes query it directly.
type Client struct {
	DB *sql.DB
}

// New opens the pool and verifies connectivity before returning.
func New(cfg config.PostgresConfig) (*Client, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &Client{DB: db}, nil
}

// Close releases the pool.
func (c *Client) Close() error {
	return c.DB.Close()
}
