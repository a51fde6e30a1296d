// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gtrsrv

import (
	"crypto/tls"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
	mail "gopkg.in/gomail.v2"
)

// MailConfig describes the SMTP account used to send alerts.
type MailConfig struct {
	Server   string
	Port     int
	User     string
	Password string
	To       []string
}

// MailConfigFromEnv reads the mail configuration from the MAIL_SERVER,
// MAIL_PORT, MAIL_USERNAME, MAIL_PASSWORD and MAIL_TGTS (comma separated)
// environment variables.
func MailConfigFromEnv() MailConfig {
	port, _ := strconv.Atoi(os.Getenv("MAIL_PORT"))
	cfg := MailConfig{
		Server:   os.Getenv("MAIL_SERVER"),
		Port:     port,
		User:     os.Getenv("MAIL_USERNAME"),
		Password: os.Getenv("MAIL_PASSWORD"),
	}
	for _, v := range strings.Split(os.Getenv("MAIL_TGTS"), ",") {
		v = strings.TrimSpace(v)
		if v != "" {
			cfg.To = append(cfg.To, v)
		}
	}
	return cfg
}

func (cfg MailConfig) valid() bool {
	return cfg.Server != "" && cfg.Port != 0 &&
		cfg.User != "" && cfg.Password != "" &&
		len(cfg.To) != 0
}

// Alerter sends mail alerts, at a limited rate.
type Alerter struct {
	msg  *log.Logger
	cfg  MailConfig
	lim  *rate.Limiter
	send func(m *mail.Message) error
}

// NewAlerter returns an alerter sending at most burst mails at once and
// one more mail every period.
func NewAlerter(cfg MailConfig, every time.Duration, burst int) *Alerter {
	a := &Alerter{
		msg: log.New(os.Stdout, "gtrsrv: ", 0),
		cfg: cfg,
		lim: rate.NewLimiter(rate.Every(every), burst),
	}
	a.send = a.dial
	return a
}

// Alert sends a mail with the provided subject and body.
// Alerts exceeding the rate limit are logged and dropped.
func (a *Alerter) Alert(subject, body string) error {
	if !a.cfg.valid() {
		a.msg.Printf("could not send mail alert %q: missing credentials", subject)
		return nil
	}
	if !a.lim.Allow() {
		a.msg.Printf("mail alert %q dropped: rate limit", subject)
		return nil
	}

	m := mail.NewMessage()
	m.SetHeader("From", a.cfg.User)
	m.SetHeader("Bcc", a.cfg.To...)
	m.SetHeader("Subject", "[gtr-srv] "+subject)
	m.SetBody("text/plain", body)

	err := a.send(m)
	if err != nil {
		return fmt.Errorf("gtrsrv: could not send mail alert: %w", err)
	}
	return nil
}

func (a *Alerter) dial(m *mail.Message) error {
	dial := mail.NewDialer(a.cfg.Server, a.cfg.Port, a.cfg.User, a.cfg.Password)
	dial.TLSConfig = &tls.Config{ServerName: a.cfg.Server}
	return dial.DialAndSend(m)
}
