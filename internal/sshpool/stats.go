package sshpool

import (
	"fmt"
	"sort"
	"strings"
)

// KeyStats counts sessions for one key.
type KeyStats struct {
	Active int `json:"active" yaml:"active"`
	Idle   int `json:"idle" yaml:"idle"`
}

// Stats is a snapshot of pool usage.
type Stats struct {
	Active    int                 `json:"active" yaml:"active"`
	Idle      int                 `json:"idle" yaml:"idle"`
	Waiters   int                 `json:"waiters" yaml:"waiters"`
	Created   uint64              `json:"created" yaml:"created"`
	Destroyed uint64              `json:"destroyed" yaml:"destroyed"`
	Closed    bool                `json:"closed" yaml:"closed"`
	Keys      map[string]KeyStats `json:"keys" yaml:"keys"`
}

// Stats returns current counts. Sessions being dialed count as active.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Stats{
		Waiters:   p.waiters,
		Created:   p.created,
		Destroyed: p.destroyed,
		Closed:    p.closed,
		Keys:      make(map[string]KeyStats, len(p.hosts)),
	}
	for key, hp := range p.hosts {
		ks := KeyStats{Active: hp.active + hp.pending, Idle: len(hp.idle)}
		st.Active += ks.Active
		st.Idle += ks.Idle
		st.Keys[key.String()] = ks
	}
	return st
}

// String renders stats on one line, keys in order.
func (s Stats) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "active=%d idle=%d waiters=%d created=%d destroyed=%d",
		s.Active, s.Idle, s.Waiters, s.Created, s.Destroyed)
	keys := make([]string, 0, len(s.Keys))
	for k := range s.Keys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		ks := s.Keys[k]
		fmt.Fprintf(&b, " [%s active=%d idle=%d]", k, ks.Active, ks.Idle)
	}
	return b.String()
}
