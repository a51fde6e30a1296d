// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cardb retrieves the description of the cards installed in the
// crates of an experiment from a MySQL database.
package cardb // import "github.com/go-lpc/gtr/cardb"

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/go-lpc/gtr/crate"
	_ "github.com/go-sql-driver/mysql"
)

var (
	drvName = "mysql"

	// maxPing is the longest time spent waiting for the database server
	// to answer.
	maxPing = 10 * time.Second
)

// DB exposes convenience methods to retrieve card descriptions from the
// database.
type DB struct {
	db *sql.DB
}

// Open opens a connection to the database described by the data source
// name dsn (e.g. "user:pwd@tcp(host:3306)/gtr").
// Open retries with an exponential backoff while the server does not answer.
func Open(dsn string) (*DB, error) {
	db, err := sql.Open(drvName, dsn)
	if err != nil {
		return nil, fmt.Errorf("cardb: could not open db: %w", err)
	}

	err = ping(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &DB{db: db}, nil
}

func ping(db *sql.DB) error {
	op := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return db.PingContext(ctx)
	}

	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     100 * time.Millisecond,
		RandomizationFactor: 0.1,
		Multiplier:          2,
		MaxInterval:         2 * time.Second,
		MaxElapsedTime:      maxPing,
		Clock:               backoff.SystemClock,
	})
	if err != nil {
		return fmt.Errorf("cardb: could not ping db: %w", err)
	}
	return nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

// Crates returns the names of the crates described in the database.
func (db *DB) Crates(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := db.db.QueryContext(ctx, "SELECT DISTINCT crate FROM cards ORDER BY crate")
	if err != nil {
		return nil, fmt.Errorf("cardb: could not query crates: %w", err)
	}
	defer rows.Close()

	var crates []string
	for rows.Next() {
		var name string
		err = rows.Scan(&name)
		if err != nil {
			return crates, fmt.Errorf("cardb: could not get crate name: %w", err)
		}
		crates = append(crates, name)
	}

	if err := rows.Err(); err != nil {
		return crates, fmt.Errorf("cardb: could not scan db for crates: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return crates, fmt.Errorf("cardb: context error while retrieving crates: %w", err)
	}

	return crates, nil
}

// Cards returns the cards installed in the named crate, sorted by card
// index, along with their initial settings.
func (db *DB) Cards(ctx context.Context, name string) ([]crate.Card, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := db.db.QueryContext(
		ctx,
		`
SELECT cards.driver, cards.card, cards.a16, cards.memory,
       cards.vector, cards.level, cards.dma, cards.channels,
       cards.kilosamples, cards.clockspeed, cards.size,
       settings.name, settings.value
FROM cards
LEFT JOIN settings ON settings.crate=cards.crate AND settings.card=cards.card
WHERE cards.crate=?
`,
		name,
	)
	if err != nil {
		return nil, fmt.Errorf("cardb: could not run cards query: %w", err)
	}
	defer rows.Close()

	var (
		i     = 0
		cards = make(map[int]*crate.Card)
	)
	for rows.Next() {
		var (
			card crate.Card
			key  sql.NullString
			val  sql.NullInt64
		)
		err = rows.Scan(
			&card.Driver, &card.Card, &card.A16, &card.Memory,
			&card.Vector, &card.Level, &card.DMA, &card.Channels,
			&card.KiloSamples, &card.ClockSpeed, &card.Size,
			&key, &val,
		)
		if err != nil {
			return nil, fmt.Errorf("cardb: could not scan row %d of cards: %w", i, err)
		}
		i++

		cur, ok := cards[card.Card]
		if !ok {
			cur = &card
			cards[card.Card] = cur
		}
		if key.Valid {
			if cur.Settings == nil {
				cur.Settings = make(map[string]int)
			}
			cur.Settings[key.String] = int(val.Int64)
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cardb: could not scan db for cards: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("cardb: context error while retrieving cards: %w", err)
	}

	out := make([]crate.Card, 0, len(cards))
	for _, card := range cards {
		out = append(out, *card)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Card < out[j].Card
	})
	return out, nil
}

// Load returns the crate configuration cfg with the cards stored in the
// database for cfg.Name.
func (db *DB) Load(ctx context.Context, cfg crate.Config) (crate.Config, error) {
	cards, err := db.Cards(ctx, cfg.Name)
	if err != nil {
		return cfg, err
	}
	if len(cards) == 0 {
		return cfg, fmt.Errorf("cardb: no card for crate %q", cfg.Name)
	}
	cfg.Cards = cards
	err = cfg.Validate()
	if err != nil {
		return cfg, fmt.Errorf("cardb: invalid cards for crate %q: %w", cfg.Name, err)
	}
	return cfg, nil
}
