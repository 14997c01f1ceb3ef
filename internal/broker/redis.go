package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"syscall"

	redis "github.com/redis/go-redis/v9"
)

// Redis is a Gateway that keeps exchanges, queues and bindings in Redis.
//
// Layout under the key prefix:
//
//	<p>:exchanges                  set of exchange names
//	<p>:queues                     set of queue names
//	<p>:queue:<q>                  list of JSON-encoded messages
//	<p>:x:<exchange>:key:<rk>      set of queues bound under rk
//	<p>:qbind:<q>                  set of "<exchange>:key:<rk>" the queue is bound under
//
// Queue deletion, binding and publishing run as Lua scripts, so a publish
// fans out to a consistent set of queues.
type Redis struct {
	rdb    *redis.Client
	prefix string
}

// NewRedis wraps an existing client.
func NewRedis(rdb *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "mss"
	}
	return &Redis{rdb: rdb, prefix: prefix}
}

// NewRedisFromURL parses url (redis://...) and connects lazily.
func NewRedisFromURL(url, prefix string) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return NewRedis(redis.NewClient(opt), prefix), nil
}

// Client returns the underlying client, for sharing the connection pool.
func (r *Redis) Client() *redis.Client {
	return r.rdb
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (r *Redis) key(parts ...string) string {
	k := r.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func redisError(op Op, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.ErrClosed) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) || errors.Is(err, syscall.ECONNREFUSED) {
		return unavailable(op, err)
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

var queueDeleteScript = redis.NewScript(`
local p, q = ARGV[1], ARGV[2]
if redis.call('SREM', p .. ':queues', q) == 0 then
  return 0
end
local binds = redis.call('SMEMBERS', p .. ':qbind:' .. q)
for _, b in ipairs(binds) do
  redis.call('SREM', p .. ':x:' .. b, q)
end
redis.call('DEL', p .. ':qbind:' .. q, p .. ':queue:' .. q)
return 1
`)

var queueBindScript = redis.NewScript(`
local p, q, x, k = ARGV[1], ARGV[2], ARGV[3], ARGV[4]
if redis.call('SISMEMBER', p .. ':exchanges', x) == 0 then
  return -1
end
if redis.call('SISMEMBER', p .. ':queues', q) == 0 then
  return -2
end
redis.call('SADD', p .. ':x:' .. x .. ':key:' .. k, q)
redis.call('SADD', p .. ':qbind:' .. q, x .. ':key:' .. k)
return 1
`)

var publishScript = redis.NewScript(`
local p, x, k, payload = ARGV[1], ARGV[2], ARGV[3], ARGV[4]
if redis.call('SISMEMBER', p .. ':exchanges', x) == 0 then
  return -1
end
local qs = redis.call('SMEMBERS', p .. ':x:' .. x .. ':key:' .. k)
for _, q in ipairs(qs) do
  redis.call('RPUSH', p .. ':queue:' .. q, payload)
end
return #qs
`)

func (r *Redis) ExchangeDeclare(ctx context.Context, name, kind string) error {
	if kind != ExchangeDirect {
		return fmt.Errorf("%s: exchange kind %q not supported", OpExchangeDeclare, kind)
	}
	return redisError(OpExchangeDeclare, r.rdb.SAdd(ctx, r.key("exchanges"), name).Err())
}

func (r *Redis) ExchangeDelete(ctx context.Context, name string) error {
	removed, err := r.rdb.SRem(ctx, r.key("exchanges"), name).Result()
	if err != nil {
		return redisError(OpExchangeDelete, err)
	}
	if removed == 0 {
		return notFound(OpExchangeDelete, fmt.Errorf("exchange %q", name))
	}
	iter := r.rdb.Scan(ctx, 0, r.key("x", name, "key", "*"), 100).Iterator()
	for iter.Next(ctx) {
		bindKey := iter.Val()
		queues, err := r.rdb.SMembers(ctx, bindKey).Result()
		if err != nil {
			return redisError(OpExchangeDelete, err)
		}
		member := bindKey[len(r.key("x"))+1:]
		_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, q := range queues {
				pipe.SRem(ctx, r.key("qbind", q), member)
			}
			pipe.Del(ctx, bindKey)
			return nil
		})
		if err != nil {
			return redisError(OpExchangeDelete, err)
		}
	}
	return redisError(OpExchangeDelete, iter.Err())
}

// QueueDeclare records the queue. Redis lists have no per-queue durability,
// so the options are accepted as given.
func (r *Redis) QueueDeclare(ctx context.Context, name string, _ QueueOptions) error {
	return redisError(OpQueueDeclare, r.rdb.SAdd(ctx, r.key("queues"), name).Err())
}

func (r *Redis) QueueDelete(ctx context.Context, name string) error {
	n, err := queueDeleteScript.Run(ctx, r.rdb, nil, r.prefix, name).Int()
	if err != nil {
		return redisError(OpQueueDelete, err)
	}
	if n == 0 {
		return notFound(OpQueueDelete, fmt.Errorf("queue %q", name))
	}
	return nil
}

func (r *Redis) QueueBind(ctx context.Context, queue, exchange, routingKey string) error {
	n, err := queueBindScript.Run(ctx, r.rdb, nil, r.prefix, queue, exchange, routingKey).Int()
	if err != nil {
		return redisError(OpQueueBind, err)
	}
	switch n {
	case -1:
		return notFound(OpQueueBind, fmt.Errorf("exchange %q", exchange))
	case -2:
		return notFound(OpQueueBind, fmt.Errorf("queue %q", queue))
	}
	return nil
}

func (r *Redis) QueueUnbind(ctx context.Context, queue, exchange, routingKey string) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, r.key("x", exchange, "key", routingKey), queue)
		pipe.SRem(ctx, r.key("qbind", queue), exchange+":key:"+routingKey)
		return nil
	})
	return redisError(OpQueueUnbind, err)
}

func (r *Redis) Publish(ctx context.Context, exchange, routingKey string, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%s: encode: %w", OpPublish, err)
	}
	n, err := publishScript.Run(ctx, r.rdb, nil, r.prefix, exchange, routingKey, payload).Int()
	if err != nil {
		return redisError(OpPublish, err)
	}
	if n < 0 {
		return notFound(OpPublish, fmt.Errorf("exchange %q", exchange))
	}
	return nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
