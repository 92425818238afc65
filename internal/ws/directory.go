package ws

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	presenceNodesKey   = "carscanada:presence:nodes"
	presenceNodePrefix = "carscanada:presence:node:"
)

// Directory is the cross-node view of who is online. Each hub writes only
// its own users; reads cover every live node.
type Directory interface {
	Add(ctx context.Context, userID uint) error
	Remove(ctx context.Context, userID uint) error
	IsOnline(ctx context.Context, userID uint) (bool, error)
	OnlineUsers(ctx context.Context) ([]uint, error)
	// Refresh replaces this node's entry with userIDs and extends its lifetime.
	Refresh(ctx context.Context, userIDs []uint) error
}

// RedisDirectory 每个节点维护一个带 TTL 的用户集合，节点宕机后集合自动过期。
type RedisDirectory struct {
	rdb  redis.Cmdable
	node string
	ttl  time.Duration
}

var _ Directory = (*RedisDirectory)(nil)

func NewRedisDirectory(rdb redis.Cmdable, node string, ttl time.Duration) *RedisDirectory {
	return &RedisDirectory{rdb: rdb, node: node, ttl: ttl}
}

func (d *RedisDirectory) key() string { return presenceNodePrefix + d.node }

func member(userID uint) string { return strconv.FormatUint(uint64(userID), 10) }

func (d *RedisDirectory) Add(ctx context.Context, userID uint) error {
	_, err := d.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, d.key(), member(userID))
		p.PExpire(ctx, d.key(), d.ttl)
		p.SAdd(ctx, presenceNodesKey, d.node)
		return nil
	})
	return err
}

func (d *RedisDirectory) Remove(ctx context.Context, userID uint) error {
	return d.rdb.SRem(ctx, d.key(), member(userID)).Err()
}

func (d *RedisDirectory) nodeKeys(ctx context.Context) ([]string, error) {
	nodes, err := d.rdb.SMembers(ctx, presenceNodesKey).Result()
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(nodes))
	for i, n := range nodes {
		keys[i] = presenceNodePrefix + n
	}
	return keys, nil
}

func (d *RedisDirectory) IsOnline(ctx context.Context, userID uint) (bool, error) {
	keys, err := d.nodeKeys(ctx)
	if err != nil || len(keys) == 0 {
		return false, err
	}
	cmds, err := d.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, k := range keys {
			p.SIsMember(ctx, k, member(userID))
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	for _, c := range cmds {
		if c.(*redis.BoolCmd).Val() {
			return true, nil
		}
	}
	return false, nil
}

func (d *RedisDirectory) OnlineUsers(ctx context.Context) ([]uint, error) {
	keys, err := d.nodeKeys(ctx)
	if err != nil || len(keys) == 0 {
		return nil, err
	}
	members, err := d.rdb.SUnion(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]uint, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseUint(m, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, uint(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Refresh also forgets nodes whose entry has expired.
func (d *RedisDirectory) Refresh(ctx context.Context, userIDs []uint) error {
	_, err := d.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, d.key())
		if len(userIDs) > 0 {
			members := make([]any, len(userIDs))
			for i, id := range userIDs {
				members[i] = member(id)
			}
			p.SAdd(ctx, d.key(), members...)
			p.PExpire(ctx, d.key(), d.ttl)
		}
		p.SAdd(ctx, presenceNodesKey, d.node)
		return nil
	})
	if err != nil {
		return err
	}
	nodes, err := d.rdb.SMembers(ctx, presenceNodesKey).Result()
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if n == d.node {
			continue
		}
		alive, err := d.rdb.Exists(ctx, presenceNodePrefix+n).Result()
		if err != nil {
			return err
		}
		if alive == 0 {
			d.rdb.SRem(ctx, presenceNodesKey, n)
		}
	}
	return nil
}
