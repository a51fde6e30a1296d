// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command gtr-sql inspects the card database.
//
// Without a crate name, gtr-sql lists the crates described in the database.
// With a crate name, gtr-sql writes the YAML configuration of that crate.
//
// ex:
//
//  $> gtr-sql -dsn "gtr:s3cr3t@tcp(db:3306)/gtr"
//  $> gtr-sql -dsn "gtr:s3cr3t@tcp(db:3306)/gtr" -crate crate-1 -o crate-1.yml
package main // import "github.com/go-lpc/gtr/cmd/gtr-sql"

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/go-lpc/gtr/cardb"
	"github.com/go-lpc/gtr/crate"
	yml "gopkg.in/yaml.v2"
)

func main() {
	log.SetPrefix("gtr-sql: ")
	log.SetFlags(0)

	var (
		dsn   = flag.String("dsn", "", "DSN of the card database")
		name  = flag.String("crate", "", "name of the crate to inspect")
		oname = flag.String("o", "", "path to the output crate configuration file (default: stdout)")
	)

	flag.Parse()

	if *dsn == "" {
		flag.Usage()
		log.Fatalf("missing card database DSN")
	}

	db, err := cardb.Open(*dsn)
	if err != nil {
		log.Fatalf("could not open card db: %+v", err)
	}
	defer db.Close()

	var w io.Writer = os.Stdout
	if *oname != "" {
		f, err := os.Create(*oname)
		if err != nil {
			log.Fatalf("could not create output file: %+v", err)
		}
		defer f.Close()
		w = f
	}

	err = doQuery(w, db, *name)
	if err != nil {
		log.Fatalf("could not do query: %+v", err)
	}
}

type cardDB interface {
	Crates(ctx context.Context) ([]string, error)
	Load(ctx context.Context, cfg crate.Config) (crate.Config, error)
}

func doQuery(w io.Writer, db cardDB, name string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if name == "" {
		crates, err := db.Crates(ctx)
		if err != nil {
			return fmt.Errorf("could not list crates: %w", err)
		}
		log.Printf("crates: %d", len(crates))
		for _, v := range crates {
			fmt.Fprintf(w, "%s\n", v)
		}
		return nil
	}

	cfg := crate.Default()
	cfg.Name = name
	cfg, err := db.Load(ctx, cfg)
	if err != nil {
		return fmt.Errorf("could not load crate %q: %w", name, err)
	}
	log.Printf("crate %q: %d cards", name, len(cfg.Cards))

	err = yml.NewEncoder(w).Encode(cfg)
	if err != nil {
		return fmt.Errorf("could not encode crate %q: %w", name, err)
	}
	return nil
}
