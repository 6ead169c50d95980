/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package claims

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/virtengine/openfleet/internal/errors"
)

const (
	claimKeyPrefix = "openfleet:claim:"
	tokenKeyPrefix = "openfleet:claim-token:"
)

// renewScript extends a lease only while the token still owns it.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	redis.call("PEXPIRE", KEYS[2], ARGV[2])
	return 1
end
return 0
`)

// releaseScript deletes the claim key only while the token still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("DEL", KEYS[1])
end
redis.call("DEL", KEYS[2])
return 1
`)

// RedisConfig configures the Redis-backed registry.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	OwnerID  string
	LeaseTTL time.Duration
}

// redisRegistry coordinates claims across the fleet with SET NX PX
// leases. The claim key holds the attempt token; a parallel token key
// maps the token back to its task for renew/release.
type redisRegistry struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis creates the Redis-backed registry.
func NewRedis(cfg RedisConfig) (Registry, error) {
	if cfg.Addr == "" {
		return nil, errors.New(errors.KindFatal, "redis address is required for the claim registry")
	}
	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &redisRegistry{client: client, ttl: ttl}, nil
}

// NewRedisWithClient wraps an existing client (tests).
func NewRedisWithClient(client *redis.Client, ttl time.Duration) Registry {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &redisRegistry{client: client, ttl: ttl}
}

func (r *redisRegistry) ClaimTask(ctx context.Context, taskID string) (ClaimResult, error) {
	token := uuid.New().String()
	ok, err := r.client.SetNX(ctx, claimKeyPrefix+taskID, token, r.ttl).Result()
	if err != nil {
		return ClaimResult{}, errors.Wrap(errors.KindTransient, fmt.Errorf("claim %s: %w", taskID, err))
	}
	if !ok {
		return ClaimResult{}, nil
	}
	if err := r.client.Set(ctx, tokenKeyPrefix+token, taskID, r.ttl).Err(); err != nil {
		// Roll the claim back rather than leaving an unreleasable lease.
		r.client.Del(ctx, claimKeyPrefix+taskID)
		return ClaimResult{}, errors.Wrap(errors.KindTransient, fmt.Errorf("claim %s: %w", taskID, err))
	}
	return ClaimResult{Success: true, Token: token}, nil
}

func (r *redisRegistry) RenewClaim(ctx context.Context, token string) (bool, error) {
	taskID, err := r.client.Get(ctx, tokenKeyPrefix+token).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(errors.KindTransient, err)
	}
	n, err := renewScript.Run(ctx, r.client,
		[]string{claimKeyPrefix + taskID, tokenKeyPrefix + token},
		token, r.ttl.Milliseconds()).Int()
	if err != nil {
		return false, errors.Wrap(errors.KindTransient, err)
	}
	return n == 1, nil
}

func (r *redisRegistry) ReleaseTask(ctx context.Context, token string) (bool, error) {
	taskID, err := r.client.Get(ctx, tokenKeyPrefix+token).Result()
	if err == redis.Nil {
		// Idempotent: the lease is already gone.
		return true, nil
	}
	if err != nil {
		return false, errors.Wrap(errors.KindTransient, err)
	}
	_, err = releaseScript.Run(ctx, r.client,
		[]string{claimKeyPrefix + taskID, tokenKeyPrefix + token},
		token).Result()
	if err != nil && err != redis.Nil {
		return false, errors.Wrap(errors.KindTransient, err)
	}
	return true, nil
}
