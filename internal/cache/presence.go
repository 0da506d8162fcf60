package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// PresenceStore keeps agent online state in Redis so any instance (and the
// admin surfaces) can see which agents are reachable. Keys:
//   <prefix>:agent:<org>:<user>  -> "online", expiring after TTL
//   <prefix>:org:<org>:agents    -> set of agent ids seen online
type PresenceStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewPresenceStore(client *redis.Client, prefix string, ttl time.Duration) *PresenceStore {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &PresenceStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *PresenceStore) agentKey(orgID, userID string) string {
	return fmt.Sprintf("%s:agent:%s:%s", s.prefix, orgID, userID)
}

func (s *PresenceStore) orgKey(orgID string) string {
	return fmt.Sprintf("%s:org:%s:agents", s.prefix, orgID)
}

// MarkOnline registers (or refreshes) an agent as online.
func (s *PresenceStore) MarkOnline(ctx context.Context, orgID, userID string) error {
	if err := s.client.Set(ctx, s.agentKey(orgID, userID), "online", s.ttl).Err(); err != nil {
		return err
	}
	if err := s.client.SAdd(ctx, s.orgKey(orgID), userID).Err(); err != nil {
		return err
	}
	return s.client.Expire(ctx, s.orgKey(orgID), s.ttl*2).Err()
}

// MarkOffline removes an agent's presence immediately.
func (s *PresenceStore) MarkOffline(ctx context.Context, orgID, userID string) error {
	if err := s.client.Del(ctx, s.agentKey(orgID, userID)).Err(); err != nil {
		return err
	}
	return s.client.SRem(ctx, s.orgKey(orgID), userID).Err()
}

// OnlineAgents lists agents of an org whose presence key is still live.
// Stale set members (expired key, e.g. after a crash) are pruned lazily.
func (s *PresenceStore) OnlineAgents(ctx context.Context, orgID string) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.orgKey(orgID)).Result()
	if err != nil {
		return nil, err
	}

	online := make([]string, 0, len(members))
	for _, userID := range members {
		n, err := s.client.Exists(ctx, s.agentKey(orgID, userID)).Result()
		if err != nil {
			return nil, err
		}
		if n > 0 {
			online = append(online, userID)
		} else {
			_ = s.client.SRem(ctx, s.orgKey(orgID), userID).Err()
		}
	}
	return online, nil
}

// TTL returns the refresh interval callers should use to keep presence live.
func (s *PresenceStore) TTL() time.Duration { return s.ttl }
