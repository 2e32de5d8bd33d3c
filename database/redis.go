package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"inbox-service/config"
	"inbox-service/model"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func RedisConnect() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf(
			"%s:%s",
			config.String("REDIS_HOST", "localhost"),
			config.String("REDIS_PORT", "6379"),
		),
		Password: config.Config("REDIS_PASSWORD"),
		DB:       config.Int("REDIS_DB", 0),
	})
}

const instanceKeyPrefix = "inbox:instance:"

// InstanceCache keeps instance-name to workspace resolutions in Redis so
// webhook bursts do not hit the instances table for every event.
type InstanceCache struct {
	client *redis.Client
	ttl    time.Duration
	log    zerolog.Logger
}

func NewInstanceCache(client *redis.Client, ttl time.Duration, log zerolog.Logger) *InstanceCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &InstanceCache{client: client, ttl: ttl, log: log}
}

type cachedInstance struct {
	ID          uint   `json:"id"`
	Name        string `json:"name"`
	WorkspaceID uint   `json:"workspace_id"`
	ServerURL   string `json:"server_url"`
	APIKey      string `json:"api_key"`
}

// GetInstance misses on any Redis error; the caller falls back to Postgres.
func (c *InstanceCache) GetInstance(ctx context.Context, name string) (*model.Instance, bool) {
	raw, err := c.client.Get(ctx, instanceKeyPrefix+name).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Warn().Err(err).Str("instance", name).Msg("instance cache read failed")
		}
		return nil, false
	}
	var ci cachedInstance
	if err := json.Unmarshal(raw, &ci); err != nil {
		return nil, false
	}
	inst := &model.Instance{
		Name:        ci.Name,
		WorkspaceID: ci.WorkspaceID,
		ServerURL:   ci.ServerURL,
		APIKey:      ci.APIKey,
	}
	inst.ID = ci.ID
	return inst, true
}

func (c *InstanceCache) SetInstance(ctx context.Context, inst *model.Instance) {
	raw, err := json.Marshal(cachedInstance{
		ID:          inst.ID,
		Name:        inst.Name,
		WorkspaceID: inst.WorkspaceID,
		ServerURL:   inst.ServerURL,
		APIKey:      inst.APIKey,
	})
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, instanceKeyPrefix+inst.Name, raw, c.ttl).Err(); err != nil {
		c.log.Warn().Err(err).Str("instance", inst.Name).Msg("instance cache write failed")
	}
}
