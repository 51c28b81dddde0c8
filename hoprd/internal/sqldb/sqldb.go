// SPDX-FileCopyrightText: Copyright (C) 2026 Kauki Labs
// SPDX-License-Identifier: AGPL-3.0-only

// Package sqldb mirrors ticket settlement history into a PostgreSQL
// database for external accounting.  The bolt ledger stays
// authoritative; rows written here are never read back by the node.
package sqldb

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx"
	"gopkg.in/op/go-logging.v1"

	"github.com/kauki-labs/hoprnet/core/log"
	"github.com/kauki-labs/hoprnet/types"
)

const (
	pgxTagHistoryInsert = "ticket_history_insert"

	// The pgx connection pool code requires at least 2 conns, and
	// internally will default to 5 if unspecified.  The redemption
	// workers and the validator can all hit the archive simultaneously.
	numConns = 5
)

// Archive is a PostgreSQL settlement history sink.
type Archive struct {
	log  *logging.Logger
	pool *pgx.ConnPool
}

// New connects to the database named by dataSourceName and prepares the
// history schema.
func New(dataSourceName, logLevel string, logBackend *log.Backend) (*Archive, error) {
	a := &Archive{
		log: logBackend.GetLogger("sqldb"),
	}

	connCfg, err := pgx.ParseConnectionString(dataSourceName)
	if err != nil {
		return nil, err
	}
	connCfg.Logger = a
	connCfg.LogLevel = toPgxLogLevel(logLevel)
	poolCfg := pgx.ConnPoolConfig{
		ConnConfig:     connCfg,
		MaxConnections: numConns,
	}

	isOk := false
	defer func() {
		if !isOk {
			if a.pool != nil {
				a.pool.Close()
			}
		}
	}()

	if a.pool, err = pgx.NewConnPool(poolCfg); err != nil {
		return nil, err
	}
	if err = a.initSchema(); err != nil {
		return nil, err
	}
	if err = a.initStatements(); err != nil {
		return nil, err
	}

	isOk = true
	return a, nil
}

// Close closes the connection pool.
func (a *Archive) Close() {
	a.pool.Close()
}

// Log implements pgx.Logger.
func (a *Archive) Log(level pgx.LogLevel, msg string, data map[string]interface{}) {
	if level == pgx.LogLevelNone {
		return
	}

	argVec := make([]interface{}, 0, 1+len(data))
	argVec = append(argVec, msg+" ")
	for k, v := range data {
		argVec = append(argVec, fmt.Sprintf("%s=%v ", k, v))
	}
	mStr := strings.TrimSpace(fmt.Sprint(argVec...))

	switch level {
	case pgx.LogLevelDebug:
		a.log.Debug(mStr)
	case pgx.LogLevelInfo:
		a.log.Info(mStr)
	case pgx.LogLevelWarn:
		a.log.Warning(mStr)
	case pgx.LogLevelError:
		a.log.Error(mStr)
	}
}

func (a *Archive) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS ticket_history (
    id BIGSERIAL PRIMARY KEY,
    channel_id BYTEA NOT NULL,
    epoch BIGINT NOT NULL,
    ticket_index BIGINT NOT NULL,
    index_span BIGINT NOT NULL,
    amount BIGINT NOT NULL,
    win_prob DOUBLE PRECISION NOT NULL,
    outcome TEXT NOT NULL,
    recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS ticket_history_channel_idx
    ON ticket_history (channel_id, epoch, ticket_index);`

	_, err := a.pool.Exec(schema)
	return err
}

func (a *Archive) initStatements() error {
	stmts := []struct {
		tag, query string
	}{
		{pgxTagHistoryInsert, "INSERT INTO ticket_history (channel_id, epoch, ticket_index, index_span, amount, win_prob, outcome) VALUES ($1, $2, $3, $4, $5, $6, $7);"},
	}

	for _, v := range stmts {
		if _, err := a.pool.Prepare(v.tag, v.query); err != nil {
			a.log.Errorf("Failed to prepare statement %v -> %v: %v", v.tag, v.query, err)
			return err
		}
	}

	return nil
}

// RecordTicket implements the ticket ledger's archive sink.
func (a *Archive) RecordTicket(t *types.Ticket, outcome string) error {
	_, err := a.pool.Exec(pgxTagHistoryInsert,
		t.ChannelID[:], int64(t.Epoch), int64(t.Index), int64(t.IndexSpan),
		int64(t.Amount), t.WinProb.Float64(), outcome)
	return err
}

func toPgxLogLevel(cfgLevel string) pgx.LogLevel {
	switch cfgLevel {
	case "ERROR":
		return pgx.LogLevelError
	case "WARNING", "NOTICE", "INFO":
		// pgx.LogLevelInfo leaks query contents, so don't expose that
		// unless debugging is enabled.
		return pgx.LogLevelWarn
	case "DEBUG":
		return pgx.LogLevelDebug
	default:
		panic("BUG: Invalid log level in toPgxLogLevel()")
	}
}
