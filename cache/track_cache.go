package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"JukeFM/model"

	"github.com/go-redis/redis/v8"
)

// DefaultTrackTTL 曲目元数据缓存时长
const DefaultTrackTTL = 24 * time.Hour

// TrackCache 曲目元数据缓存，避免每次点歌都查询 MPD / Spotify
type TrackCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewTrackCache 创建缓存，client 为 nil 时使用全局 RedisClient
func NewTrackCache(client *redis.Client, ttl time.Duration) *TrackCache {
	if client == nil {
		client = RedisClient
	}
	if ttl <= 0 {
		ttl = DefaultTrackTTL
	}
	return &TrackCache{client: client, ttl: ttl}
}

// GetTrackKey 生成曲目缓存的Redis键
func GetTrackKey(src model.Source, ref string) string {
	return fmt.Sprintf("track:%s:%s", src, ref)
}

// GetTrack 读取缓存，未命中时返回 nil, nil
func (c *TrackCache) GetTrack(ctx context.Context, src model.Source, ref string) (*model.Track, error) {
	if c.client == nil {
		return nil, fmt.Errorf("Redis client not initialized")
	}

	data, err := c.client.Get(ctx, GetTrackKey(src, ref)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get track cache: %w", err)
	}
	return decodeTrack(data)
}

// SetTrack 写入缓存。ref 是点歌时传入的引用（可能是链接），与曲目 id 分开存
func (c *TrackCache) SetTrack(ctx context.Context, ref string, t *model.Track) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	data, err := encodeTrack(t)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, GetTrackKey(t.Source, ref), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set track cache: %w", err)
	}
	return nil
}

// DeleteTrack 删除缓存
func (c *TrackCache) DeleteTrack(ctx context.Context, src model.Source, ref string) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}
	return c.client.Del(ctx, GetTrackKey(src, ref)).Err()
}

// encodeTrack 只缓存元数据，队列相关字段不入缓存
func encodeTrack(t *model.Track) ([]byte, error) {
	c := t.Clone()
	c.Scheduled = false
	c.AddedBy = ""
	c.AddedAt = time.Time{}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal track: %w", err)
	}
	return data, nil
}

func decodeTrack(data []byte) (*model.Track, error) {
	var t model.Track
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal track: %w", err)
	}
	return &t, nil
}
