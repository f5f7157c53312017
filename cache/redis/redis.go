package redis

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zlnvch/docsync/cache"
	"github.com/zlnvch/docsync/models"
)

type RedisSyncCache struct {
	client redis.UniversalClient
	// sessionTTL bounds how long an idle document's presence keys live
	sessionTTL time.Duration
}

func NewRedisSyncCache(ctx context.Context, devMode bool, redisEndpoint string, sessionTTL time.Duration) (*RedisSyncCache, error) {
	var client redis.UniversalClient
	if devMode {
		client = redis.NewClient(&redis.Options{
			Addr: redisEndpoint,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr: redisEndpoint,
			// AWS elasticache endpoints require TLS
			TLSConfig: &tls.Config{},
		})
	}

	err := client.Ping(ctx).Err()
	if err != nil {
		return nil, err
	}

	return &RedisSyncCache{client: client, sessionTTL: sessionTTL}, nil
}

func (redisCache *RedisSyncCache) Close() error {
	return redisCache.client.Close()
}

func (redisCache *RedisSyncCache) Publish(ctx context.Context, channel string, message []byte) error {
	if err := redisCache.client.Publish(ctx, channel, message).Err(); err != nil {
		return err
	}
	return nil
}

func (redisCache *RedisSyncCache) Subscribe(ctx context.Context, channel string, handler func(message []byte)) error {
	pubsub := redisCache.client.Subscribe(ctx, channel)
	// Ensure subscription is established
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		log.Printf("Pubsub channel closed: %s", channel)
		return err
	}

	ch := pubsub.Channel()

	go func() {
		defer pubsub.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler([]byte(msg.Payload))
			}
		}
	}()

	return nil
}

// Hash tags keep both keys of a document in the same cluster slot.
func buildSessionIndexKey(documentId string) string {
	return "doc:{" + documentId + "}:sessions"
}

func buildSessionDataKey(documentId string) string {
	return "doc:{" + documentId + "}:sessions:data"
}

// Sessions use the split index/data pattern:
//   - ZSet "doc:{id}:sessions": clientId scored by LastSeen, for ordering and expiry by range.
//   - Hash "doc:{id}:sessions:data": clientId -> session JSON.
func (redisCache *RedisSyncCache) PutSession(ctx context.Context, session models.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}

	key := buildSessionIndexKey(session.DocumentId)
	dataKey := buildSessionDataKey(session.DocumentId)

	pipe := redisCache.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(session.LastSeen), Member: session.ClientId})
	pipe.HSet(ctx, dataKey, session.ClientId, data)
	pipe.Expire(ctx, key, redisCache.sessionTTL)
	pipe.Expire(ctx, dataKey, redisCache.sessionTTL)
	_, err = pipe.Exec(ctx)
	return err
}

func (redisCache *RedisSyncCache) GetSession(ctx context.Context, documentId string, clientId string) (models.Session, error) {
	data, err := redisCache.client.HGet(ctx, buildSessionDataKey(documentId), clientId).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.Session{}, cache.ErrSessionNotFound
		}
		return models.Session{}, err
	}

	var session models.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return models.Session{}, err
	}
	return session, nil
}

func (redisCache *RedisSyncCache) DeleteSession(ctx context.Context, documentId string, clientId string) error {
	pipe := redisCache.client.TxPipeline()
	pipe.ZRem(ctx, buildSessionIndexKey(documentId), clientId)
	hdel := pipe.HDel(ctx, buildSessionDataKey(documentId), clientId)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	if hdel.Val() == 0 {
		return cache.ErrSessionNotFound
	}
	return nil
}

func (redisCache *RedisSyncCache) ListSessions(ctx context.Context, documentId string) ([]models.Session, error) {
	ids, err := redisCache.client.ZRange(ctx, buildSessionIndexKey(documentId), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []models.Session{}, nil
	}

	// HMGet returns interface{}, need to cast
	values, err := redisCache.client.HMGet(ctx, buildSessionDataKey(documentId), ids...).Result()
	if err != nil {
		return nil, err
	}

	sessions := make([]models.Session, 0, len(ids))
	for _, item := range values {
		s, ok := item.(string)
		if !ok {
			continue // index entry without data, dropped on next expiry
		}
		var session models.Session
		if err := json.Unmarshal([]byte(s), &session); err != nil {
			continue
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

func (redisCache *RedisSyncCache) ExpireSessions(ctx context.Context, documentId string, before int64) (int, error) {
	key := buildSessionIndexKey(documentId)
	maxScore := "(" + strconv.FormatInt(before, 10)

	ids, err := redisCache.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: maxScore}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := redisCache.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", maxScore)
	pipe.HDel(ctx, buildSessionDataKey(documentId), ids...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}
