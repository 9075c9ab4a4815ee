// Package store loads and indexes the preprocessed temporal interaction
// table. It is a read-only collaborator: events are immutable after Load,
// and all history perturbation happens logically through removal masks at
// query time.
package store

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/crimson-sun/counterfact/internal/model"
)

// Store holds the full ordered event table with per-node and per-timestamp
// indexes for range queries.
type Store struct {
	name      string
	events    []model.Event     // index i holds event id i+1
	byNode    map[int64][]int64 // node -> event ids touching it, ascending
	directed  bool
	bipartite bool
}

// Options configure graph interpretation. Both flags are consumed by
// neighborhood construction; the store itself never mutates based on them.
type Options struct {
	Directed  bool
	Bipartite bool
}

// Load reads <name>_data.csv from dir. The expected layout is a header row
// followed by one event per line: idx,u,i,ts,label,f0..fk with event ids
// one-indexed, dense, and ascending in timestamp.
func Load(dir, name string, opts Options) (*Store, error) {
	path := filepath.Join(dir, name+"_data.csv")
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("store: open event table: %w", err)
	}
	defer f.Close()

	s, err := read(f, name, opts)
	if err != nil {
		return nil, fmt.Errorf("store: %s: %w", path, err)
	}
	return s, nil
}

func read(r io.Reader, name string, opts Options) (*Store, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if len(header) < 5 {
		return nil, fmt.Errorf("expected at least 5 columns (idx,u,i,ts,label), got %d", len(header))
	}
	featureDim := len(header) - 5

	s := &Store{
		name:      name,
		byNode:    make(map[int64][]int64),
		directed:  opts.Directed,
		bipartite: opts.Bipartite,
	}

	var lastTS float64
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		ev, err := parseEvent(rec, featureDim)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if want := int64(len(s.events) + 1); ev.ID != want {
			return nil, fmt.Errorf("line %d: event ids must be dense and one-indexed: got %d, want %d", line, ev.ID, want)
		}
		if ev.Timestamp < lastTS {
			return nil, fmt.Errorf("line %d: events must be ordered by timestamp", line)
		}
		lastTS = ev.Timestamp

		s.events = append(s.events, ev)
		s.byNode[ev.Source] = append(s.byNode[ev.Source], ev.ID)
		if ev.Target != ev.Source {
			s.byNode[ev.Target] = append(s.byNode[ev.Target], ev.ID)
		}
	}
	if len(s.events) == 0 {
		return nil, fmt.Errorf("event table is empty")
	}
	return s, nil
}

func parseEvent(rec []string, featureDim int) (model.Event, error) {
	if len(rec) != featureDim+5 {
		return model.Event{}, fmt.Errorf("expected %d fields, got %d", featureDim+5, len(rec))
	}
	id, err := strconv.ParseInt(rec[0], 10, 64)
	if err != nil {
		return model.Event{}, fmt.Errorf("bad event id %q: %w", rec[0], err)
	}
	src, err := strconv.ParseInt(rec[1], 10, 64)
	if err != nil {
		return model.Event{}, fmt.Errorf("bad source node %q: %w", rec[1], err)
	}
	dst, err := strconv.ParseInt(rec[2], 10, 64)
	if err != nil {
		return model.Event{}, fmt.Errorf("bad target node %q: %w", rec[2], err)
	}
	ts, err := strconv.ParseFloat(rec[3], 64)
	if err != nil {
		return model.Event{}, fmt.Errorf("bad timestamp %q: %w", rec[3], err)
	}
	label, err := strconv.ParseFloat(rec[4], 64)
	if err != nil {
		return model.Event{}, fmt.Errorf("bad label %q: %w", rec[4], err)
	}
	features := make([]float32, featureDim)
	for i := 0; i < featureDim; i++ {
		v, err := strconv.ParseFloat(rec[5+i], 32)
		if err != nil {
			return model.Event{}, fmt.Errorf("bad feature %d %q: %w", i, rec[5+i], err)
		}
		features[i] = float32(v)
	}
	return model.Event{ID: id, Source: src, Target: dst, Timestamp: ts, Features: features, Label: label}, nil
}

// Name returns the dataset name the store was loaded from.
func (s *Store) Name() string { return s.name }

// Len returns the number of events.
func (s *Store) Len() int { return len(s.events) }

// Directed reports whether the graph is interpreted as directed.
func (s *Store) Directed() bool { return s.directed }

// Bipartite reports whether the graph is bipartite.
func (s *Store) Bipartite() bool { return s.bipartite }

// Contains reports whether an event id exists in the store.
func (s *Store) Contains(id int64) bool {
	return id >= 1 && id <= int64(len(s.events))
}

// Get returns the event with the given id.
func (s *Store) Get(id int64) (model.Event, error) {
	if !s.Contains(id) {
		return model.Event{}, fmt.Errorf("store: unknown event id %d", id)
	}
	return s.events[id-1], nil
}

// FeatureDim returns the edge feature dimensionality.
func (s *Store) FeatureDim() int {
	return len(s.events[0].Features)
}

// Neighbors returns up to n events touching node with ids strictly below
// beforeID, most recent first. Events in exclude are skipped: masking is
// logical removal from history, never from storage.
func (s *Store) Neighbors(node, beforeID int64, n int, exclude *model.RemovalMask) []model.Event {
	ids := s.byNode[node]
	out := make([]model.Event, 0, n)
	for i := len(ids) - 1; i >= 0 && len(out) < n; i-- {
		id := ids[i]
		if id >= beforeID {
			continue
		}
		if exclude != nil && exclude.Contains(id) {
			continue
		}
		out = append(out, s.events[id-1])
	}
	return out
}
