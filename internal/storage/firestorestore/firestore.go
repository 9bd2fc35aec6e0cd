// Package firestorestore provides the durable Storage variant backed by
// Google Cloud Firestore.
package firestorestore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinywideclouds/go-push-relay/pkg/push"
)

const (
	queuesCollection   = "queues"
	usersCollection    = "user-messages"
	messagesCollection = "messages"
	nodesCollection    = "edge-nodes"
)

// queueDoc is the ownership record stored per queue id.
type queueDoc struct {
	Token  string `firestore:"token"`
	Domain string `firestore:"domain"`
}

// messageDoc wraps a stored message. Body is kept as the raw JSON string
// the client posted.
type messageDoc struct {
	Timestamp int64  `firestore:"timestamp"`
	Queue     string `firestore:"queue"`
	Body      string `firestore:"body"`
}

// nodeDoc records an edge node. RegisteredAt is set once and preserved by
// load updates; it is the tie-break for equal loads.
type nodeDoc struct {
	Load         int   `firestore:"load"`
	RegisteredAt int64 `firestore:"registered_at"`
}

// Storage implements push.Storage using Google Cloud Firestore. Message
// history lives in a per-token subcollection keyed by message key, so the
// UUIDv7 document ID doubles as the timestamp tie-break.
type Storage struct {
	client *firestore.Client
	logger zerolog.Logger
}

// New is the constructor for the Firestore store.
func New(client *firestore.Client, logger zerolog.Logger) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	return &Storage{
		client: client,
		logger: logger.With().Str("component", "firestore_store").Logger(),
	}, nil
}

func (s *Storage) NewToken(_ context.Context) (push.Token, error) {
	return uuid.NewString(), nil
}

func (s *Storage) NewQueue(ctx context.Context, queueID string, token push.Token, domain string) error {
	_, err := s.client.Collection(queuesCollection).Doc(queueID).Set(ctx, queueDoc{
		Token:  token,
		Domain: domain,
	})
	if err != nil {
		return fmt.Errorf("failed to record queue ownership: %w", err)
	}
	return nil
}

func (s *Storage) queue(ctx context.Context, queueID string) (queueDoc, error) {
	snap, err := s.client.Collection(queuesCollection).Doc(queueID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return queueDoc{}, push.ErrNotFound
	}
	if err != nil {
		return queueDoc{}, fmt.Errorf("failed to read queue: %w", err)
	}
	var doc queueDoc
	if err := snap.DataTo(&doc); err != nil {
		return queueDoc{}, fmt.Errorf("failed to unmarshal queue: %w", err)
	}
	return doc, nil
}

func (s *Storage) UserOwnsQueue(ctx context.Context, token push.Token, queueID string) (bool, error) {
	doc, err := s.queue(ctx, queueID)
	if err == push.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return doc.Token == token, nil
}

func (s *Storage) DomainOwnsQueue(ctx context.Context, domain, queueID string) (bool, error) {
	doc, err := s.queue(ctx, queueID)
	if err == push.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return doc.Domain == domain, nil
}

func (s *Storage) UserForQueue(ctx context.Context, queueID string) (push.Token, error) {
	doc, err := s.queue(ctx, queueID)
	if err != nil {
		return "", err
	}
	return doc.Token, nil
}

func (s *Storage) Queues(ctx context.Context, token push.Token) (map[string]string, error) {
	snaps, err := s.client.Collection(queuesCollection).
		Where("token", "==", token).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list queues: %w", err)
	}

	out := make(map[string]string)
	for _, snap := range snaps {
		var doc queueDoc
		if err := snap.DataTo(&doc); err != nil {
			s.logger.Warn().Err(err).Str("doc_id", snap.Ref.ID).Msg("Skipping unreadable queue doc")
			continue
		}
		if doc.Domain == "" {
			// Personal history queue; not listed.
			continue
		}
		out[doc.Domain] = snap.Ref.ID
	}
	return out, nil
}

func (s *Storage) DeleteQueue(ctx context.Context, queueID string) error {
	ref := s.client.Collection(queuesCollection).Doc(queueID)
	// Read-then-delete in a transaction so the not-found report is exact.
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if _, err := tx.Get(ref); err != nil {
			return err
		}
		return tx.Delete(ref)
	})
	if status.Code(err) == codes.NotFound {
		return push.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete queue: %w", err)
	}
	return nil
}

func (s *Storage) NewMessage(ctx context.Context, queueID string, body json.RawMessage) (push.Message, error) {
	owner, err := s.UserForQueue(ctx, queueID)
	if err != nil {
		return push.Message{}, err
	}

	key, err := uuid.NewV7()
	if err != nil {
		return push.Message{}, err
	}
	msg := push.Message{
		Key:       key.String(),
		Timestamp: time.Now().UnixMilli(),
		Queue:     queueID,
		Body:      body,
	}

	_, err = s.client.Collection(usersCollection).Doc(owner).
		Collection(messagesCollection).Doc(msg.Key).
		Create(ctx, messageDoc{
			Timestamp: msg.Timestamp,
			Queue:     msg.Queue,
			Body:      string(msg.Body),
		})
	if err != nil {
		return push.Message{}, fmt.Errorf("failed to append message: %w", err)
	}
	return msg, nil
}

func (s *Storage) Messages(ctx context.Context, queueID string, since int64) ([]push.Message, error) {
	owner, err := s.UserForQueue(ctx, queueID)
	if err != nil {
		return nil, err
	}

	query := s.client.Collection(usersCollection).Doc(owner).
		Collection(messagesCollection).
		OrderBy("timestamp", firestore.Asc).
		OrderBy(firestore.DocumentID, firestore.Asc)
	if since >= 0 {
		query = query.Where("timestamp", ">", since)
	}

	snaps, err := query.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}

	out := make([]push.Message, 0, len(snaps))
	for _, snap := range snaps {
		var doc messageDoc
		if err := snap.DataTo(&doc); err != nil {
			s.logger.Warn().Err(err).Str("doc_id", snap.Ref.ID).Msg("Skipping unreadable message doc")
			continue
		}
		out = append(out, push.Message{
			Key:       snap.Ref.ID,
			Timestamp: doc.Timestamp,
			Queue:     doc.Queue,
			Body:      json.RawMessage(doc.Body),
		})
	}
	return out, nil
}

func (s *Storage) AddEdgeNode(ctx context.Context, addr string, load int) error {
	ref := s.client.Collection(nodesCollection).Doc(addr)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		registeredAt := time.Now().UnixNano()
		snap, err := tx.Get(ref)
		if err == nil {
			var existing nodeDoc
			if err := snap.DataTo(&existing); err == nil {
				registeredAt = existing.RegisteredAt
			}
		} else if status.Code(err) != codes.NotFound {
			return err
		}
		return tx.Set(ref, nodeDoc{Load: load, RegisteredAt: registeredAt})
	})
	if err != nil {
		return fmt.Errorf("failed to register edge node: %w", err)
	}
	return nil
}

func (s *Storage) EdgeNodes(ctx context.Context) ([]string, error) {
	snaps, err := s.client.Collection(nodesCollection).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list edge nodes: %w", err)
	}

	type node struct {
		addr string
		doc  nodeDoc
	}
	nodes := make([]node, 0, len(snaps))
	for _, snap := range snaps {
		var doc nodeDoc
		if err := snap.DataTo(&doc); err != nil {
			s.logger.Warn().Err(err).Str("doc_id", snap.Ref.ID).Msg("Skipping unreadable node doc")
			continue
		}
		nodes = append(nodes, node{addr: snap.Ref.ID, doc: doc})
	}
	// Sorted client-side to avoid a composite index on (load, registered_at).
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].doc.Load != nodes[j].doc.Load {
			return nodes[i].doc.Load < nodes[j].doc.Load
		}
		return nodes[i].doc.RegisteredAt < nodes[j].doc.RegisteredAt
	})

	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.addr
	}
	return out, nil
}
