package classify

import (
	"context"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
)

// AllowList tells whether a host belongs to a known-safe domain
type AllowList interface {
	Allowed(ctx context.Context, host string) bool
}

// candidates returns the host and all of its parent domains, most specific first
func candidates(host string) []string {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" {
		return nil
	}
	var res []string
	for {
		res = append(res, host)
		i := strings.Index(host, ".")
		if i < 0 {
			break
		}
		host = host[i+1:]
		// stop before bare tlds
		if !strings.Contains(host, ".") {
			break
		}
	}
	return res
}

type StaticAllowList map[string]struct{}

func NewStaticAllowList(domains ...string) StaticAllowList {
	l := make(StaticAllowList)
	for _, d := range domains {
		d = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(d)), ".")
		if d != "" {
			l[d] = struct{}{}
		}
	}
	return l
}

// Allowed matches the host exactly or as a subdomain of a listed domain
func (l StaticAllowList) Allowed(_ context.Context, host string) bool {
	for _, c := range candidates(host) {
		if _, ok := l[c]; ok {
			return true
		}
	}
	return false
}

const DefaultAllowListKey = "cloakwatch:allowlist:domain"

type RedisAllowList struct {
	rdb *redis.Client
	key string
}

func NewRedisAllowList(rdb *redis.Client, key string) *RedisAllowList {
	if key == "" {
		key = DefaultAllowListKey
	}
	return &RedisAllowList{
		rdb: rdb,
		key: key,
	}
}

// Allowed checks the host and its parents against a redis set.
// An unreachable redis allows nothing.
func (l *RedisAllowList) Allowed(ctx context.Context, host string) bool {
	for _, c := range candidates(host) {
		ok, err := l.rdb.SIsMember(ctx, l.key, c).Result()
		if err != nil {
			log.Debug().Msgf("failed to query allow-list for %s: %s", c, err)
			return false
		}
		if ok {
			return true
		}
	}
	return false
}

func (l *RedisAllowList) Add(ctx context.Context, domains ...string) error {
	members := make([]interface{}, 0, len(domains))
	for _, d := range domains {
		members = append(members, strings.ToLower(d))
	}
	return l.rdb.SAdd(ctx, l.key, members...).Err()
}

// MultiAllowList allows a host if any of its lists does
type MultiAllowList []AllowList

func (m MultiAllowList) Allowed(ctx context.Context, host string) bool {
	for _, l := range m {
		if l.Allowed(ctx, host) {
			return true
		}
	}
	return false
}
