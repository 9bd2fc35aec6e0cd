// Package memory provides the in-memory Storage variant. It backs tests,
// the local run mode, and single-process deployments.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tinywideclouds/go-push-relay/pkg/push"
)

type queueRecord struct {
	token  push.Token
	domain string
}

type nodeRecord struct {
	addr string
	load int
}

// Storage implements push.Storage with maps under a single RWMutex.
type Storage struct {
	mu      sync.RWMutex
	queues  map[string]queueRecord
	byToken map[push.Token]map[string]string
	history map[push.Token][]push.Message
	nodes   []nodeRecord
	lastTS  int64

	// now is swappable in tests.
	now func() time.Time
}

// New creates an empty in-memory store.
func New() *Storage {
	return &Storage{
		queues:  make(map[string]queueRecord),
		byToken: make(map[push.Token]map[string]string),
		history: make(map[push.Token][]push.Message),
		now:     time.Now,
	}
}

func (s *Storage) NewToken(_ context.Context) (push.Token, error) {
	return uuid.NewString(), nil
}

func (s *Storage) NewQueue(_ context.Context, queueID string, token push.Token, domain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queues[queueID] = queueRecord{token: token, domain: domain}
	if domain == "" {
		// Personal history queue; not listed.
		return nil
	}
	if s.byToken[token] == nil {
		s.byToken[token] = make(map[string]string)
	}
	s.byToken[token][domain] = queueID
	return nil
}

func (s *Storage) UserOwnsQueue(_ context.Context, token push.Token, queueID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.queues[queueID]
	return ok && q.token == token, nil
}

func (s *Storage) DomainOwnsQueue(_ context.Context, domain, queueID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.queues[queueID]
	return ok && q.domain == domain, nil
}

func (s *Storage) UserForQueue(_ context.Context, queueID string) (push.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.queues[queueID]
	if !ok {
		return "", push.ErrNotFound
	}
	return q.token, nil
}

func (s *Storage) Queues(_ context.Context, token push.Token) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.byToken[token]))
	for domain, id := range s.byToken[token] {
		out[domain] = id
	}
	return out, nil
}

func (s *Storage) DeleteQueue(_ context.Context, queueID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[queueID]
	if !ok {
		return push.ErrNotFound
	}
	delete(s.queues, queueID)
	if owned := s.byToken[q.token]; owned != nil && owned[q.domain] == queueID {
		delete(owned, q.domain)
	}
	return nil
}

func (s *Storage) NewMessage(_ context.Context, queueID string, body json.RawMessage) (push.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[queueID]
	if !ok {
		return push.Message{}, push.ErrNotFound
	}

	key, err := uuid.NewV7()
	if err != nil {
		return push.Message{}, err
	}

	// Bump colliding timestamps so a since-query on any stored timestamp
	// yields the exact suffix. Keys stay the definitive order either way.
	ts := s.now().UnixMilli()
	if ts <= s.lastTS {
		ts = s.lastTS + 1
	}
	s.lastTS = ts

	msg := push.Message{
		Key:       key.String(),
		Timestamp: ts,
		Queue:     queueID,
		Body:      append(json.RawMessage(nil), body...),
	}
	s.history[q.token] = append(s.history[q.token], msg)
	return msg, nil
}

func (s *Storage) Messages(_ context.Context, queueID string, since int64) ([]push.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.queues[queueID]
	if !ok {
		return nil, push.ErrNotFound
	}

	out := make([]push.Message, 0)
	for _, msg := range s.history[q.token] {
		if msg.Timestamp > since {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (s *Storage) AddEdgeNode(_ context.Context, addr string, load int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.nodes {
		if s.nodes[i].addr == addr {
			s.nodes[i].load = load
			return nil
		}
	}
	// Slice order is registration order; EdgeNodes sorts stably on it.
	s.nodes = append(s.nodes, nodeRecord{addr: addr, load: load})
	return nil
}

func (s *Storage) EdgeNodes(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sorted := make([]nodeRecord, len(s.nodes))
	copy(sorted, s.nodes)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].load < sorted[j].load })

	out := make([]string, len(sorted))
	for i, n := range sorted {
		out[i] = n.addr
	}
	return out, nil
}
