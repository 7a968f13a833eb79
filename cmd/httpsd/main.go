// SPDX-FileCopyrightText: 2023 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// httpsd is a keep-alive HTTPS echo daemon exposing the pool and governor
// counters on an administrative endpoint.
package main

import (
	"encoding/json"
	"net/http"
	"os"
	"os/signal"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/https-go/pkg/https"
)

// echoHandler replies to every request with its own data.
type echoHandler struct{}

func (*echoHandler) OnRequest(req *https.Request) {
	defer req.Release()

	log.WithFields(log.Fields{
		"service": req.Service(),
		"remote":  req.RemoteHost(),
		"bytes":   len(req.Data()),
	}).Info("Serving request")

	req.SendReply(req.Data(), "")
}

func runAdmin(listen string, svc *https.Service) {
	router := mux.NewRouter()

	router.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		stats := struct {
			Pool  https.Stats `json:"pool"`
			Input struct {
				Count            int `json:"count"`
				KeepaliveSeconds int `json:"keepalive_seconds"`
			} `json:"input"`
		}{Pool: svc.Cache().Stats()}
		stats.Input.Count = svc.InputGovernor().Count()
		stats.Input.KeepaliveSeconds = int(svc.InputGovernor().KeepaliveTimeout().Seconds())

		if err := json.NewEncoder(w).Encode(stats); err != nil {
			log.WithError(err).Warn("Writing stats response errored")
		}
	}).Methods(http.MethodGet)

	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	if err := http.ListenAndServe(listen, router); err != nil {
		log.WithError(err).Error("Admin endpoint failed")
	}
}

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("Usage: %s configuration.toml", os.Args[0])
	}

	svc, serv, admin, err := parseCore(os.Args[1])
	if err != nil {
		log.WithError(err).Fatal("Starting httpsd errored")
	}

	log.WithField("addr", serv.Addr()).Info("httpsd is up")

	if admin != "" {
		go runAdmin(admin, svc)
	}

	signalSyn := make(chan os.Signal, 1)
	signal.Notify(signalSyn, os.Interrupt)
	<-signalSyn

	log.Info("Shutting httpsd down")

	serv.Close()
	svc.Close()
}
