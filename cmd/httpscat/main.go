// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// httpscat issues one request against an https://, posts:// or fulls://
// address and prints the response body.
package main

import (
	"crypto/x509"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/https-go/pkg/https"
)

func main() {
	data := flag.String("d", "", "request data: query string for https, body for posts/fulls")
	caFile := flag.String("cafile", "", "trusted CA bundle")
	verifyPeer := flag.Bool("verify", false, "verify the peer certificate chain against the trusted roots")
	checkHostname := flag.Bool("check-hostname", false, "enforce SAN/CN match against the requested host")
	timeout := flag.Duration("timeout", 30*time.Second, "overall request timeout")
	verbose := flag.Bool("v", false, "print response headers to stderr")
	flag.Parse()

	if flag.NArg() != 1 {
		log.Fatalf("Usage: %s [flags] scheme://host[:port]/service", os.Args[0])
	}
	addr := flag.Arg(0)

	opts := https.DefaultOptions()
	opts.CAFile = *caFile
	opts.CheckCertificateHostname = *checkHostname
	if *verifyPeer {
		// an installed callback switches chain verification on
		opts.ClientVerifyCallback = func(_ [][]byte, _ [][]*x509.Certificate) error {
			return nil
		}
	}

	svc := https.NewService(opts)
	defer svc.Close()

	var proto *https.Protocol
	switch {
	case strings.HasPrefix(addr, "posts://"):
		proto = svc.PostProtocol()
	case strings.HasPrefix(addr, "fulls://"):
		proto = svc.FullProtocol()
	default:
		proto = svc.GetProtocol()
	}

	hndl, err := proto.ScheduleRequest(https.Message{Addr: addr, Data: []byte(*data)}, nil)
	if err != nil {
		log.WithError(err).Fatal("Scheduling request errored")
	}

	select {
	case res := <-hndl.Results():
		if res.Err != nil {
			log.WithError(res.Err).Fatal("Request failed")
		}
		if *verbose {
			for _, h := range res.Headers {
				fmt.Fprintf(os.Stderr, "%s: %s\n", h.Key, h.Value)
			}
		}
		if _, err := os.Stdout.Write(res.Body); err != nil {
			log.WithError(err).Fatal("Writing response errored")
		}

	case <-time.After(*timeout):
		hndl.Cancel()
		log.Fatal("Request timed out")
	}
}
