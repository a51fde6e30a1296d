// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command gtr-srv serves the cards of a VME crate over the network.
//
// Control commands are received as JSON requests over TCP. The status of
// the cards is exposed over HTTP. Acquired events are recorded into run
// files, under the output directory.
//
// Usage: gtr-srv [OPTIONS]
//
// ex:
//
//  $> gtr-srv -mkconf crate.yml
//  $> gtr-srv -cfg crate.yml -addr :8877 -http :8878 -dir /data/gtr
//  $> gtr-srv -cfg crate.yml -db "gtr:s3cr3t@tcp(db:3306)/gtr" -mail -pmon
package main // import "github.com/go-lpc/gtr/cmd/gtr-srv"

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/go-lpc/gtr"
	"github.com/go-lpc/gtr/cardb"
	"github.com/go-lpc/gtr/crate"
	"github.com/go-lpc/gtr/gtrsrv"
	"github.com/sbinet/pmon"
	yml "gopkg.in/yaml.v2"
)

type config struct {
	cfg     string // crate configuration file
	db      string // card table DSN
	addr    string // control address
	http    string // HTTP status address
	odir    string // run files directory
	samples int

	mail  bool
	every time.Duration

	pmon bool
	freq time.Duration
}

func main() {
	log.SetPrefix("gtr-srv: ")
	log.SetFlags(0)

	var (
		cfg    config
		mkconf = flag.String("mkconf", "", "write a default crate configuration to the provided file and exit")
		vers   = flag.Bool("version", false, "print version and exit")
	)
	flag.StringVar(&cfg.cfg, "cfg", "crate.yml", "path to the crate configuration file")
	flag.StringVar(&cfg.db, "db", "", "DSN of the card database (overrides the crate file)")
	flag.StringVar(&cfg.addr, "addr", ":8877", "[ip]:port of the control server")
	flag.StringVar(&cfg.http, "http", ":8878", "[ip]:port of the HTTP status server (empty to disable)")
	flag.StringVar(&cfg.odir, "dir", ".", "output directory for run files")
	flag.IntVar(&cfg.samples, "samples", 1024, "number of samples read per channel")
	flag.BoolVar(&cfg.mail, "mail", false, "enable mail alerts (configured via MAIL_XXX env. vars)")
	flag.DurationVar(&cfg.every, "mail-every", 10*time.Minute, "minimum duration between two mail alerts")
	flag.BoolVar(&cfg.pmon, "pmon", false, "enable pmon monitoring")
	flag.DurationVar(&cfg.freq, "freq", 1*time.Second, "pmon frequency")

	flag.Parse()

	switch {
	case *vers:
		v, sum := gtr.Version()
		fmt.Printf("gtr-srv version=%q sum=%q\n", v, sum)
		return
	case *mkconf != "":
		err := mkConf(*mkconf)
		if err != nil {
			log.Fatalf("%+v", err)
		}
		return
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	defer signal.Stop(stop)

	err := run(cfg, stop)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func mkConf(fname string) error {
	f, err := os.Create(fname)
	if err != nil {
		return fmt.Errorf("could not create configuration file: %w", err)
	}
	defer f.Close()

	err = yml.NewEncoder(f).Encode(crate.Default())
	if err != nil {
		return fmt.Errorf("could not encode default configuration: %w", err)
	}

	err = f.Close()
	if err != nil {
		return fmt.Errorf("could not close configuration file: %w", err)
	}
	return nil
}

func loadConfig(cfg config) (crate.Config, error) {
	ccfg, err := crate.Load(cfg.cfg)
	if err != nil {
		return ccfg, fmt.Errorf("could not load crate configuration: %w", err)
	}
	if cfg.db != "" {
		ccfg.DB = cfg.db
	}
	if ccfg.DB == "" {
		return ccfg, nil
	}

	db, err := cardb.Open(ccfg.DB)
	if err != nil {
		return ccfg, fmt.Errorf("could not open card database: %w", err)
	}
	defer db.Close()

	ccfg, err = db.Load(context.Background(), ccfg)
	if err != nil {
		return ccfg, fmt.Errorf("could not load cards of crate %q: %w", ccfg.Name, err)
	}
	return ccfg, nil
}

func run(cfg config, stop chan os.Signal) error {
	ccfg, err := loadConfig(cfg)
	if err != nil {
		return err
	}

	if cfg.pmon {
		p, err := pmon.Monitor(os.Getpid())
		if err != nil {
			return fmt.Errorf("could not start monitoring: %w", err)
		}
		f, err := os.Create(filepath.Join(cfg.odir, "gtr-srv-pmon.log"))
		if err != nil {
			return fmt.Errorf("could not create pmon log file: %w", err)
		}
		defer f.Close()
		p.W = f
		p.Freq = cfg.freq

		go func() {
			err := p.Run()
			if err != nil {
				log.Printf("could not run pmon: %+v", err)
			}
		}()
		defer func() {
			err := p.Kill()
			if err != nil {
				log.Printf("could not stop monitoring: %+v", err)
			}
		}()
	}

	c, err := crate.New(ccfg)
	if err != nil {
		return fmt.Errorf("could not create crate %q: %w", ccfg.Name, err)
	}

	log.Printf("crate %q: %d cards", ccfg.Name, c.Registry().Len())
	c.Registry().Report(os.Stdout, 0)

	opts := []gtrsrv.Option{
		gtrsrv.WithOutput(cfg.odir),
		gtrsrv.WithSamples(cfg.samples),
	}
	if cfg.mail {
		opts = append(opts, gtrsrv.WithAlerter(
			gtrsrv.NewAlerter(gtrsrv.MailConfigFromEnv(), cfg.every, 1),
		))
	}
	srv := gtrsrv.New(c.Registry(), opts...)

	err = srv.Listen(cfg.addr)
	if err != nil {
		_ = c.Close()
		return err
	}
	log.Printf("control server listening on %v", srv.Addr())

	var hsrv *http.Server
	if cfg.http != "" {
		hsrv = &http.Server{Addr: cfg.http, Handler: srv.Handler()}
		go func() {
			log.Printf("HTTP server listening on %q", cfg.http)
			err := hsrv.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("could not run HTTP server: %+v", err)
			}
		}()
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve()
	}()

	select {
	case err = <-errc:
	case <-stop:
		log.Printf("stopping server...")
	}

	if hsrv != nil {
		_ = hsrv.Close()
	}
	if e := srv.Close(); e != nil && err == nil {
		err = e
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if e := c.Registry().Reboot(ctx); e != nil && err == nil {
		err = fmt.Errorf("could not reboot crate: %w", e)
	}
	if e := c.Close(); e != nil && err == nil {
		err = fmt.Errorf("could not close crate: %w", e)
	}
	return err
}
