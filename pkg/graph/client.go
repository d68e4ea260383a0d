// Package graph mirrors merge lineage into a Neo4j/Memgraph database over Bolt.
package graph

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	// Database selects a named database; empty uses the server default.
	Database string
}

func (c Config) uri() string {
	return fmt.Sprintf("bolt://%s:%d", c.Host, c.Port)
}

// Client runs single-statement lineage queries.
type Client struct {
	driver   neo4j.DriverWithContext
	database string
	logger   ectologger.Logger
}

func NewClient(cfg Config, logger ectologger.Logger) (*Client, error) {
	auth := neo4j.NoAuth()
	if cfg.Username != "" {
		auth = neo4j.BasicAuth(cfg.Username, cfg.Password, "")
	}
	driver, err := neo4j.NewDriverWithContext(cfg.uri(), auth)
	if err != nil {
		return nil, fmt.Errorf("create bolt driver for %s: %w", cfg.uri(), err)
	}
	logger.Infof("Lineage graph configured at %s", cfg.uri())
	return &Client{driver: driver, database: cfg.Database, logger: logger}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func (c *Client) VerifyConnectivity(ctx context.Context) error {
	return c.driver.VerifyConnectivity(ctx)
}

// query runs cypher in its own managed transaction and buffers the records.
func (c *Client) query(ctx context.Context, cypher string, params map[string]any, readOnly bool) (*neo4j.EagerResult, error) {
	opts := []neo4j.ExecuteQueryConfigurationOption{}
	if c.database != "" {
		opts = append(opts, neo4j.ExecuteQueryWithDatabase(c.database))
	}
	if readOnly {
		opts = append(opts, neo4j.ExecuteQueryWithReadersRouting())
	}
	return neo4j.ExecuteQuery(ctx, c.driver, cypher, params, neo4j.EagerResultTransformer, opts...)
}
