package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/workhorse/workhorse/internal/common/config"
)

// Pool bundles the write and read connection handles for the database.
//
// For SQLite these are distinct pools (a single-connection writer plus a
// read-only reader pool) so that long reads never contend with writes.
// For Postgres both point at the same pool, which already handles
// concurrency internally.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// Open builds a Pool for the configured database driver.
func Open(cfg config.DatabaseConfig) (*Pool, error) {
	switch cfg.Driver {
	case "sqlite":
		writer, err := OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		reader, err := OpenSQLiteReader(cfg.Path)
		if err != nil {
			writer.Close()
			return nil, err
		}
		return &Pool{writer: writer, reader: reader}, nil
	case "postgres":
		conn, err := OpenPostgres(cfg.DSN, cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, err
		}
		return &Pool{writer: conn, reader: conn}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", cfg.Driver)
	}
}

// Writer returns the handle to use for statements that modify data.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the handle to use for read-only queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both handles. Safe to call when reader and writer are the
// same underlying pool.
func (p *Pool) Close() error {
	var firstErr error
	if p.writer != nil {
		if err := p.writer.Close(); err != nil {
			firstErr = err
		}
	}
	if p.reader != nil && p.reader != p.writer {
		if err := p.reader.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
