// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/BurntSushi/toml"

	"github.com/dtn7/asock/socket"
)

// tomlConfig describes the TOML-configuration.
type tomlConfig struct {
	Core    coreConf
	Logging logConf
	TLS     tlsConf
	Socket  socketConf
}

// coreConf describes the Core-configuration block.
type coreConf struct {
	Listen string
	TLS    bool
}

// logConf describes the Logging-configuration block.
type logConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// tlsConf describes the TLS-configuration block.
type tlsConf struct {
	Certificate string
	Key         string
	ClientCAs   string `toml:"client-cas"`
	Verify      string
	Watch       bool
}

// socketConf describes the per-connection Socket-configuration block.
type socketConf struct {
	SendTimeout      string `toml:"send-timeout"`
	MaxReadsPerEvent int    `toml:"max-reads-per-event"`
}

// configureLogging sets up logrus as requested in the Logging block.
func configureLogging(conf logConf) error {
	if conf.Level != "" {
		level, err := log.ParseLevel(conf.Level)
		if err != nil {
			return err
		}
		log.SetLevel(level)
	}

	log.SetReportCaller(conf.ReportCaller)

	switch conf.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{})
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		return fmt.Errorf("unknown logging format %q", conf.Format)
	}

	return nil
}

// parseVerify maps the configured verification mode onto a VerifyPeer.
func parseVerify(verify string) (socket.VerifyPeer, error) {
	switch verify {
	case "", "none":
		return socket.VerifyNone, nil
	case "verify":
		return socket.VerifyRequired, nil
	case "require-client-cert":
		return socket.VerifyRequireClientCert, nil
	default:
		return socket.VerifyNone, fmt.Errorf("unknown verify mode %q", verify)
	}
}

// parseConfig creates a listener from the TOML configuration.
func parseConfig(filename string) (*listener, error) {
	var conf tomlConfig
	if _, err := toml.DecodeFile(filename, &conf); err != nil {
		return nil, err
	}

	if err := configureLogging(conf.Logging); err != nil {
		return nil, err
	}

	if conf.Core.Listen == "" {
		return nil, fmt.Errorf("core.listen is empty")
	}

	var sendTimeout time.Duration
	if conf.Socket.SendTimeout != "" {
		var err error
		if sendTimeout, err = time.ParseDuration(conf.Socket.SendTimeout); err != nil {
			return nil, fmt.Errorf("socket.send-timeout: %w", err)
		}
	}

	var ctx *socket.Context
	var verify socket.VerifyPeer
	if conf.Core.TLS {
		ctx = socket.NewContext()
		if err := ctx.LoadCertificate(conf.TLS.Certificate, conf.TLS.Key); err != nil {
			return nil, err
		}
		if conf.TLS.ClientCAs != "" {
			if err := ctx.LoadClientCAList(conf.TLS.ClientCAs); err != nil {
				return nil, err
			}
		}

		var err error
		if verify, err = parseVerify(conf.TLS.Verify); err != nil {
			return nil, err
		}
		ctx.SetVerificationOption(verify)

		if conf.TLS.Watch {
			if err := ctx.WatchFiles(); err != nil {
				return nil, err
			}
		}
	}

	return &listener{
		fd:               -1,
		listenAddress:    conf.Core.Listen,
		ctx:              ctx,
		verify:           verify,
		sendTimeout:      sendTimeout,
		maxReadsPerEvent: conf.Socket.MaxReadsPerEvent,
	}, nil
}
