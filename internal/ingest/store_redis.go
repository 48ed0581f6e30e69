package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "watchtrack:ingest:"

// RedisStore keeps durations as plain keys and submissions as one hash per
// resource, field = viewer, value = JSON submission.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func durationKey(resource string) string    { return redisKeyPrefix + "duration:" + resource }
func submissionsKey(resource string) string { return redisKeyPrefix + "submissions:" + resource }

func (s *RedisStore) SetDuration(ctx context.Context, resource string, seconds float64) error {
	if err := s.client.Set(ctx, durationKey(resource), strconv.FormatFloat(seconds, 'f', -1, 64), 0).Err(); err != nil {
		return fmt.Errorf("save duration: %w", err)
	}
	return nil
}

func (s *RedisStore) Duration(ctx context.Context, resource string) (float64, bool, error) {
	d, err := s.client.Get(ctx, durationKey(resource)).Float64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query duration: %w", err)
	}
	return d, true, nil
}

func (s *RedisStore) Submission(ctx context.Context, resource, viewer string) (Submission, bool, error) {
	raw, err := s.client.HGet(ctx, submissionsKey(resource), viewer).Bytes()
	if errors.Is(err, redis.Nil) {
		return Submission{}, false, nil
	}
	if err != nil {
		return Submission{}, false, fmt.Errorf("query submission: %w", err)
	}
	var sub Submission
	if err := json.Unmarshal(raw, &sub); err != nil {
		return Submission{}, false, fmt.Errorf("decode submission: %w", err)
	}
	return sub, true, nil
}

func (s *RedisStore) SaveSubmission(ctx context.Context, sub Submission) error {
	sub.Watched = sub.Watched.Clone()
	raw, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("encode submission: %w", err)
	}
	if err := s.client.HSet(ctx, submissionsKey(sub.Resource), sub.Viewer, raw).Err(); err != nil {
		return fmt.Errorf("save submission: %w", err)
	}
	return nil
}

func (s *RedisStore) Submissions(ctx context.Context, resource string) ([]Submission, error) {
	all, err := s.client.HGetAll(ctx, submissionsKey(resource)).Result()
	if err != nil {
		return nil, fmt.Errorf("query submissions: %w", err)
	}
	items := make([]Submission, 0, len(all))
	for viewer, raw := range all {
		var sub Submission
		if err := json.Unmarshal([]byte(raw), &sub); err != nil {
			return nil, fmt.Errorf("decode submission for %q: %w", viewer, err)
		}
		items = append(items, sub)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Viewer < items[j].Viewer })
	return items, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
