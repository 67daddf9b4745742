package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

// RedisConfig tunes the redis-backed transport. Zero values fall back to the
// defaults.
type RedisConfig struct {
	// Prefix namespaces every key and channel this transport touches.
	Prefix string
	// PresenceTTL is how long a user stays live on a channel without
	// refreshing. Crashed peers disappear within one TTL.
	PresenceTTL time.Duration
	// SweepEvery is how often joined channels are checked for expired
	// peers and the local liveness mark is refreshed.
	SweepEvery time.Duration
}

const (
	defaultPrefix      = "tandem"
	defaultPresenceTTL = 60 * time.Second
	defaultSweepEvery  = 15 * time.Second
)

func (c RedisConfig) withDefaults() RedisConfig {
	if c.Prefix == "" {
		c.Prefix = defaultPrefix
	}
	if c.PresenceTTL <= 0 {
		c.PresenceTTL = defaultPresenceTTL
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = defaultSweepEvery
	}
	return c
}

// RedisFactory hands out per-user transports over one shared redis client.
type RedisFactory struct {
	rdb *redis.Client
	cfg RedisConfig
}

// NewRedisFactory wraps an established redis client.
func NewRedisFactory(rdb *redis.Client, cfg RedisConfig) *RedisFactory {
	return &RedisFactory{rdb: rdb, cfg: cfg.withDefaults()}
}

// Client returns a transport publishing as userID.
func (f *RedisFactory) Client(userID string) Transport {
	return NewRedis(f.rdb, userID, f.cfg)
}

// Redis carries channel events over redis pub/sub. Liveness rides on keys
// with a TTL: every publish and every sweep refreshes the sender's mark, and
// peers whose mark expires are reported with a synthesized user_left, so
// crashed editors do not linger in membership views.
type Redis struct {
	client *redis.Client
	userID string
	cfg    RedisConfig
	hs     *handlerSet

	mu     sync.Mutex
	subs   map[string]*redisSub
	closed bool
}

type redisSub struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	seen map[string]bool
}

func (s *redisSub) markSeen(sender string) {
	s.mu.Lock()
	s.seen[sender] = true
	s.mu.Unlock()
}

func (s *redisSub) forget(sender string) {
	s.mu.Lock()
	delete(s.seen, sender)
	s.mu.Unlock()
}

func (s *redisSub) seenSenders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.seen))
	for sender := range s.seen {
		out = append(out, sender)
	}
	return out
}

// NewRedis builds a transport for userID over an established client.
func NewRedis(client *redis.Client, userID string, cfg RedisConfig) *Redis {
	return &Redis{
		client: client,
		userID: userID,
		cfg:    cfg.withDefaults(),
		hs:     newHandlerSet(),
		subs:   map[string]*redisSub{},
	}
}

func (r *Redis) Join(ctx context.Context, channelID string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("transport closed")
	}
	if _, ok := r.subs[channelID]; ok {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if err := r.client.Set(ctx, r.presenceKey(channelID, r.userID), "1", r.cfg.PresenceTTL).Err(); err != nil {
		return fmt.Errorf("mark presence on %s: %w", channelID, err)
	}

	pubsub := r.client.Subscribe(ctx, r.channelKey(channelID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", channelID, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	sub := &redisSub{pubsub: pubsub, cancel: cancel, seen: map[string]bool{}}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		pubsub.Close()
		return fmt.Errorf("transport closed")
	}
	first := len(r.subs) == 0
	r.subs[channelID] = sub
	r.mu.Unlock()

	sub.wg.Add(2)
	go r.receiveLoop(loopCtx, sub)
	go r.sweepLoop(loopCtx, channelID, sub)

	if first {
		r.hs.dispatchState(StateConnected)
	}
	return nil
}

func (r *Redis) Leave(ctx context.Context, channelID string) error {
	r.mu.Lock()
	sub, ok := r.subs[channelID]
	if ok {
		delete(r.subs, channelID)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	sub.cancel()
	sub.pubsub.Close()
	sub.wg.Wait()

	if err := r.client.Del(ctx, r.presenceKey(channelID, r.userID)).Err(); err != nil {
		return fmt.Errorf("clear presence on %s: %w", channelID, err)
	}
	return nil
}

// Publish refreshes the sender's liveness mark and broadcasts in one round
// trip.
func (r *Redis) Publish(ctx context.Context, channelID string, event EventType, payload any) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("transport closed")
	}
	_, joined := r.subs[channelID]
	r.mu.Unlock()

	env, err := seal(channelID, r.userID, event, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	pipe := r.client.Pipeline()
	if joined {
		pipe.Set(ctx, r.presenceKey(channelID, r.userID), "1", r.cfg.PresenceTTL)
	}
	pipe.Publish(ctx, r.channelKey(channelID), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish %s to %s: %w", event, channelID, err)
	}
	return nil
}

func (r *Redis) Subscribe(event EventType, handler Handler) func() {
	return r.hs.add(event, handler)
}

func (r *Redis) SubscribeState(handler func(State)) func() {
	return r.hs.addState(handler)
}

func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	channels := make([]string, 0, len(r.subs))
	for id := range r.subs {
		channels = append(channels, id)
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, id := range channels {
		r.mu.Lock()
		sub, ok := r.subs[id]
		if ok {
			delete(r.subs, id)
		}
		r.mu.Unlock()
		if !ok {
			continue
		}
		sub.cancel()
		sub.pubsub.Close()
		sub.wg.Wait()
		r.client.Del(ctx, r.presenceKey(id, r.userID))
	}
	return nil
}

// receiveLoop pumps envelopes off the subscription. The go-redis pubsub
// reconnects on its own; persistent receive errors are paced with an
// exponential backoff and surfaced as connection state transitions.
func (r *Redis) receiveLoop(ctx context.Context, sub *redisSub) {
	defer sub.wg.Done()

	boff := backoff.NewExponentialBackOff()
	boff.MaxElapsedTime = 0
	healthy := true

	for {
		msg, err := sub.pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if healthy {
				healthy = false
				r.hs.dispatchState(StateDisconnected)
			}
			select {
			case <-time.After(boff.NextBackOff()):
			case <-ctx.Done():
				return
			}
			continue
		}
		if !healthy {
			healthy = true
			boff.Reset()
			r.hs.dispatchState(StateConnected)
		}

		var env Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			log.Printf("transport: dropping malformed envelope on %s: %v", msg.Channel, err)
			continue
		}
		if env.SenderID != "" && env.SenderID != r.userID {
			sub.markSeen(env.SenderID)
		}
		r.hs.dispatch(env)
	}
}

// sweepLoop refreshes the local liveness mark and reaps peers whose mark
// expired, synthesizing the user_left they never got to publish.
func (r *Redis) sweepLoop(ctx context.Context, channelID string, sub *redisSub) {
	defer sub.wg.Done()

	ticker := time.NewTicker(r.cfg.SweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := r.client.Set(ctx, r.presenceKey(channelID, r.userID), "1", r.cfg.PresenceTTL).Err(); err != nil {
			log.Printf("transport: refresh presence on %s: %v", channelID, err)
			continue
		}

		for _, sender := range sub.seenSenders() {
			n, err := r.client.Exists(ctx, r.presenceKey(channelID, sender)).Result()
			if err != nil || n > 0 {
				continue
			}
			sub.forget(sender)
			env, err := seal(channelID, sender, EventUserLeft, struct {
				DocumentID string `json:"documentId"`
				UserID     string `json:"userId"`
			}{DocumentID: channelID, UserID: sender})
			if err != nil {
				continue
			}
			r.hs.dispatch(env)
		}
	}
}

func (r *Redis) channelKey(channelID string) string {
	return r.cfg.Prefix + ":doc:" + channelID
}

func (r *Redis) presenceKey(channelID, userID string) string {
	return r.cfg.Prefix + ":presence:" + channelID + ":" + userID
}
