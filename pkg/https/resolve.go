// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package https

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
)

// ResolvedHost is the stable identity of a resolved endpoint. ID is a dense
// small integer used to index per-host connection queues; it is assigned
// once per host:port pair and never changes.
type ResolvedHost struct {
	Host  string
	Port  uint16
	Addrs []string
	ID    int
}

// Resolver caches host resolution results together with their dense ids.
type Resolver struct {
	hosts  sync.Map // "host:port" -> *ResolvedHost
	nextID atomic.Int64
}

// NewResolver creates an empty Resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve returns the cached identity for host:port, performing the lookup
// on first use.
func (r *Resolver) Resolve(host string, port uint16) (*ResolvedHost, error) {
	key := net.JoinHostPort(host, strconv.Itoa(int(port)))

	if cached, ok := r.hosts.Load(key); ok {
		return cached.(*ResolvedHost), nil
	}

	ips, err := net.LookupHost(host)
	if err != nil {
		return nil, fmt.Errorf("https: resolving %q: %w", host, err)
	}

	addrs := make([]string, len(ips))
	for i, ip := range ips {
		addrs[i] = net.JoinHostPort(ip, strconv.Itoa(int(port)))
	}

	resolved := &ResolvedHost{
		Host:  host,
		Port:  port,
		Addrs: addrs,
		ID:    int(r.nextID.Add(1)) - 1,
	}

	if prev, loaded := r.hosts.LoadOrStore(key, resolved); loaded {
		// lost the race; the winner's id stays authoritative
		return prev.(*ResolvedHost), nil
	}
	return resolved, nil
}
