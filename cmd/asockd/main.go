// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"os"
	"os/signal"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/asock/reactor"
)

// waitSigint blocks the current thread until a SIGINT appears.
func waitSigint() {
	signalSyn := make(chan os.Signal, 1)
	signalAck := make(chan struct{})

	signal.Notify(signalSyn, os.Interrupt)

	go func() {
		<-signalSyn
		close(signalAck)
	}()

	<-signalAck
}

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("Usage: %s configuration.toml", os.Args[0])
	}

	l, err := parseConfig(os.Args[1])
	if err != nil {
		log.WithFields(log.Fields{
			"error": err,
		}).Fatal("Failed to parse config")
	}

	r, err := reactor.NewPollReactor()
	if err != nil {
		log.WithError(err).Fatal("Failed to create reactor")
	}

	if err := l.start(r); err != nil {
		log.WithError(err).Fatal("Failed to start listener")
	}

	go r.Run()

	waitSigint()
	log.Info("Shutting down..")

	// With the loop stopped, the listener can be torn down from here.
	r.Stop()
	l.close()

	if err := r.Close(); err != nil {
		log.WithError(err).Warn("Closing the reactor failed")
	}
}
