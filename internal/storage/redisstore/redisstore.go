// Package redisstore provides the Redis-backed Storage variant. It serves
// deployments where the relay front-ends and edge nodes share one
// low-latency store.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-push-relay/pkg/push"
)

// redisClient defines the commands we need from go-redis.
type redisClient interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HSetNX(ctx context.Context, key, field string, value interface{}) *redis.BoolCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
}

// Storage implements push.Storage on Redis. Layout per record type:
//
//	queue:{id}      hash  token, domain
//	queues:{token}  hash  domain -> queue id (personal queues excluded)
//	history:{token} zset  score = timestamp millis, member = "key|json"
//	nodes:load      hash  addr -> load
//	nodes:order     list  addresses in registration order
//
// History members are prefixed with the UUIDv7 key so that entries with a
// colliding timestamp score still sort in creation order.
type Storage struct {
	client redisClient
	logger zerolog.Logger
}

// New is the constructor for the Redis store.
func New(client redisClient, logger zerolog.Logger) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	return &Storage{
		client: client,
		logger: logger.With().Str("component", "redis_store").Logger(),
	}, nil
}

func (s *Storage) NewToken(_ context.Context) (push.Token, error) {
	return uuid.NewString(), nil
}

func (s *Storage) NewQueue(ctx context.Context, queueID string, token push.Token, domain string) error {
	if err := s.client.HSet(ctx, queueKey(queueID), "token", token, "domain", domain).Err(); err != nil {
		return fmt.Errorf("failed to record queue ownership: %w", err)
	}
	if domain == "" {
		return nil
	}
	if err := s.client.HSet(ctx, tokenQueuesKey(token), domain, queueID).Err(); err != nil {
		return fmt.Errorf("failed to record queue listing: %w", err)
	}
	return nil
}

func (s *Storage) UserOwnsQueue(ctx context.Context, token push.Token, queueID string) (bool, error) {
	owner, err := s.client.HGet(ctx, queueKey(queueID), "token").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read queue owner: %w", err)
	}
	return owner == token, nil
}

func (s *Storage) DomainOwnsQueue(ctx context.Context, domain, queueID string) (bool, error) {
	owner, err := s.client.HGet(ctx, queueKey(queueID), "domain").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read queue domain: %w", err)
	}
	return owner == domain, nil
}

func (s *Storage) UserForQueue(ctx context.Context, queueID string) (push.Token, error) {
	owner, err := s.client.HGet(ctx, queueKey(queueID), "token").Result()
	if errors.Is(err, redis.Nil) {
		return "", push.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read queue owner: %w", err)
	}
	return owner, nil
}

func (s *Storage) Queues(ctx context.Context, token push.Token) (map[string]string, error) {
	listing, err := s.client.HGetAll(ctx, tokenQueuesKey(token)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read queue listing: %w", err)
	}
	if listing == nil {
		listing = map[string]string{}
	}
	return listing, nil
}

func (s *Storage) DeleteQueue(ctx context.Context, queueID string) error {
	record, err := s.client.HGetAll(ctx, queueKey(queueID)).Result()
	if err != nil {
		return fmt.Errorf("failed to read queue for delete: %w", err)
	}
	if len(record) == 0 {
		return push.ErrNotFound
	}

	token, domain := record["token"], record["domain"]
	if domain != "" {
		// Only unlist when the listing still points at this queue; a
		// re-registration for the same domain must not lose its entry.
		current, err := s.client.HGet(ctx, tokenQueuesKey(token), domain).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("failed to read queue listing for delete: %w", err)
		}
		if current == queueID {
			if err := s.client.HDel(ctx, tokenQueuesKey(token), domain).Err(); err != nil {
				return fmt.Errorf("failed to unlist queue: %w", err)
			}
		}
	}

	if err := s.client.Del(ctx, queueKey(queueID)).Err(); err != nil {
		return fmt.Errorf("failed to delete queue: %w", err)
	}
	return nil
}

func (s *Storage) NewMessage(ctx context.Context, queueID string, body json.RawMessage) (push.Message, error) {
	token, err := s.UserForQueue(ctx, queueID)
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

	payload, err := json.Marshal(msg)
	if err != nil {
		return push.Message{}, fmt.Errorf("failed to marshal message: %w", err)
	}

	member := msg.Key + "|" + string(payload)
	if err := s.client.ZAdd(ctx, historyKey(token), redis.Z{
		Score:  float64(msg.Timestamp),
		Member: member,
	}).Err(); err != nil {
		return push.Message{}, fmt.Errorf("failed to append message: %w", err)
	}
	return msg, nil
}

func (s *Storage) Messages(ctx context.Context, queueID string, since int64) ([]push.Message, error) {
	token, err := s.UserForQueue(ctx, queueID)
	if err != nil {
		return nil, err
	}

	min := "-inf"
	if since >= 0 {
		// Exclusive bound: strictly greater than since.
		min = "(" + strconv.FormatInt(since, 10)
	}
	members, err := s.client.ZRangeByScore(ctx, historyKey(token), &redis.ZRangeBy{
		Min: min,
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}

	out := make([]push.Message, 0, len(members))
	for _, member := range members {
		_, payload, ok := strings.Cut(member, "|")
		if !ok {
			s.logger.Warn().Str("member", member).Msg("Skipping malformed history member")
			continue
		}
		var msg push.Message
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			s.logger.Warn().Err(err).Msg("Skipping undecodable history member")
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func (s *Storage) AddEdgeNode(ctx context.Context, addr string, load int) error {
	if err := s.client.HSet(ctx, nodesLoadKey, addr, load).Err(); err != nil {
		return fmt.Errorf("failed to record node load: %w", err)
	}
	// Remember registration order exactly once per address.
	first, err := s.client.HSetNX(ctx, nodesSeenKey, addr, 1).Result()
	if err != nil {
		return fmt.Errorf("failed to record node registration: %w", err)
	}
	if first {
		if err := s.client.RPush(ctx, nodesOrderKey, addr).Err(); err != nil {
			return fmt.Errorf("failed to record node order: %w", err)
		}
	}
	return nil
}

func (s *Storage) EdgeNodes(ctx context.Context) ([]string, error) {
	order, err := s.client.LRange(ctx, nodesOrderKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read node order: %w", err)
	}
	loads, err := s.client.HGetAll(ctx, nodesLoadKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read node loads: %w", err)
	}

	nodes := make([]push.EdgeNode, 0, len(order))
	for _, addr := range order {
		raw, ok := loads[addr]
		if !ok {
			continue
		}
		load, err := strconv.Atoi(raw)
		if err != nil {
			s.logger.Warn().Str("addr", addr).Str("load", raw).Msg("Skipping node with unreadable load")
			continue
		}
		nodes = append(nodes, push.EdgeNode{Addr: addr, Load: load})
	}
	sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].Load < nodes[j].Load })

	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Addr
	}
	return out, nil
}

// key formatting helpers
func queueKey(id string) string              { return "queue:" + id }
func tokenQueuesKey(token push.Token) string { return "queues:" + token }
func historyKey(token push.Token) string     { return "history:" + token }

const (
	nodesLoadKey  = "nodes:load"
	nodesSeenKey  = "nodes:seen"
	nodesOrderKey = "nodes:order"
)
