package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
	"github.com/matst80/tn3270gw/internal/obs"
	"github.com/matst80/tn3270gw/internal/proto"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "tn3270gw:session:"

// RedisMirror publishes this instance's sessions to Redis so that every
// gateway behind a load balancer can report the whole fleet.
type RedisMirror struct {
	client   *redis.Client
	instance string

	heartbeatInterval time.Duration
	keyTTL            time.Duration
}

// NewRedisMirror connects to Redis, retrying with backoff for up to attempts tries.
func NewRedisMirror(addr, password string, db int, instance string, attempts int) (*RedisMirror, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	b := &backoff.Backoff{Min: 200 * time.Millisecond, Max: 5 * time.Second, Factor: 2, Jitter: true}
	var err error
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = rdb.Ping(ctx).Err()
		cancel()
		if err == nil {
			break
		}
		if int(b.Attempt())+1 >= attempts {
			_ = rdb.Close()
			return nil, errors.Wrap(err, "redis connection failed")
		}
		d := b.Duration()
		obs.Warn("redis.ping.retry", obs.Fields{"addr": addr, "err": err.Error(), "wait": d.String()})
		time.Sleep(d)
	}
	return &RedisMirror{
		client:            rdb,
		instance:          instance,
		heartbeatInterval: 30 * time.Second,
		keyTTL:            2 * time.Minute,
	}, nil
}

var _ Mirror = (*RedisMirror)(nil)

func sessionKey(instance string, id uint64) string {
	return fmt.Sprintf("%s%s:%d", keyPrefix, instance, id)
}

func (m *RedisMirror) Put(ctx context.Context, rec proto.SessionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal session record")
	}
	if err := m.client.Set(ctx, sessionKey(m.instance, rec.ID), data, m.keyTTL).Err(); err != nil {
		return errors.Wrap(err, "redis set failed")
	}
	return nil
}

func (m *RedisMirror) Delete(ctx context.Context, id uint64) error {
	if err := m.client.Del(ctx, sessionKey(m.instance, id)).Err(); err != nil {
		return errors.Wrap(err, "redis del failed")
	}
	return nil
}

// List returns the sessions of every instance.
func (m *RedisMirror) List(ctx context.Context) ([]proto.SessionRecord, error) {
	var keys []string
	iter := m.client.Scan(ctx, 0, keyPrefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrap(err, "redis scan failed")
	}
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := m.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis mget failed")
	}
	out := make([]proto.SessionRecord, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok { // expired between SCAN and MGET
			continue
		}
		var rec proto.SessionRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			obs.Error("redis.unmarshal_session", obs.Fields{"err": err.Error(), "key": keys[i]})
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (m *RedisMirror) Close() error { return m.client.Close() }

// StartMaintenance refreshes the records of live sessions, with their byte
// counters, until ctx is done.
func (m *RedisMirror) StartMaintenance(ctx context.Context, records func() []proto.SessionRecord) {
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.heartbeat(ctx, records())
		}
	}
}

func (m *RedisMirror) heartbeat(ctx context.Context, recs []proto.SessionRecord) {
	if len(recs) == 0 {
		return
	}
	pipe := m.client.Pipeline()
	for _, rec := range recs {
		data, err := json.Marshal(rec)
		if err != nil {
			obs.Error("redis.heartbeat.marshal", obs.Fields{"err": err.Error(), "session": rec.ID})
			continue
		}
		pipe.Set(ctx, sessionKey(m.instance, rec.ID), data, m.keyTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		obs.Error("redis.heartbeat", obs.Fields{"err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("mirror").Inc()
	}
}
