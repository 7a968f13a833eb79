// SPDX-FileCopyrightText: 2023 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/https-go/pkg/https"
)

// tomlConfig describes the TOML-configuration.
type tomlConfig struct {
	Core    coreConf
	Logging logConf
	Limits  limitsConf
	Admin   adminConf
	Options map[string]string
}

// coreConf describes the Core-configuration block.
type coreConf struct {
	// Listen is the serving location; its user-info carries the
	// certificate and key, e.g.
	// "https://cert=/etc/tls/cert.pem;key=/etc/tls/key.pem@0.0.0.0:8443".
	// A host is required; the listener binds the port on all interfaces.
	Listen string
}

// logConf describes the Logging-configuration block.
type logConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// limitsConf describes the fd budgets and keep-alive bounds.
type limitsConf struct {
	InputSoft    int  `toml:"input-soft"`
	InputHard    int  `toml:"input-hard"`
	OutputSoft   int  `toml:"output-soft"`
	OutputHard   int  `toml:"output-hard"`
	KeepaliveMin uint `toml:"keepalive-min"`
	KeepaliveMax uint `toml:"keepalive-max"`
}

// adminConf describes the administrative HTTP endpoint.
type adminConf struct {
	Listen string
}

// parseCore builds the Service and its Server from the TOML file.
func parseCore(filename string) (svc *https.Service, serv *https.Server, admin string, err error) {
	var conf tomlConfig
	if _, err = toml.DecodeFile(filename, &conf); err != nil {
		return
	}

	if lvl, lvlErr := log.ParseLevel(conf.Logging.Level); lvlErr == nil {
		log.SetLevel(lvl)
	}
	log.SetReportCaller(conf.Logging.ReportCaller)
	if conf.Logging.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}

	opts := https.DefaultOptions()
	for name, value := range conf.Options {
		if !opts.Set(name, value) {
			err = fmt.Errorf("unknown option %q", name)
			return
		}
	}
	if conf.Limits.OutputHard > 0 {
		opts.OutputLimits = https.FdLimits{Soft: conf.Limits.OutputSoft, Hard: conf.Limits.OutputHard}
	}
	if conf.Limits.InputHard > 0 {
		opts.InputLimits = https.FdLimits{Soft: conf.Limits.InputSoft, Hard: conf.Limits.InputHard}
	}
	if conf.Limits.KeepaliveMax > 0 {
		opts.MinInputKeepaliveSec = conf.Limits.KeepaliveMin
		opts.MaxInputKeepaliveSec = conf.Limits.KeepaliveMax
	}

	svc = https.NewService(opts)

	if conf.Core.Listen == "" {
		err = fmt.Errorf("core.listen is not configured")
		return
	}
	serv, err = svc.GetProtocol().CreateRequester(&echoHandler{}, conf.Core.Listen)
	if err != nil {
		return
	}

	admin = conf.Admin.Listen
	return
}
