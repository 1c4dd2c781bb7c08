package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// TypeRecompute asks a worker to reconcile every student seen on one class day.
const TypeRecompute = "recompute"

// Message represents work to be processed.
type Message struct {
	Type string
	Body []byte
}

// RecomputeJob is the body of a TypeRecompute message.
type RecomputeJob struct {
	AdminID string `json:"admin_id"`
	Day     string `json:"day"`
}

// NewRecompute builds a recompute message.
func NewRecompute(adminID, day string) (Message, error) {
	if adminID == "" || day == "" {
		return Message{}, errors.New("admin and day required")
	}
	body, err := json.Marshal(RecomputeJob{AdminID: adminID, Day: day})
	if err != nil {
		return Message{}, err
	}
	return Message{Type: TypeRecompute, Body: body}, nil
}

// Recompute decodes a TypeRecompute body.
func (m Message) Recompute() (RecomputeJob, error) {
	var job RecomputeJob
	if m.Type != TypeRecompute {
		return job, errors.New("not a recompute message: " + m.Type)
	}
	if err := json.Unmarshal(m.Body, &job); err != nil {
		return job, err
	}
	if job.AdminID == "" || job.Day == "" {
		return job, errors.New("recompute job missing admin or day")
	}
	return job, nil
}

// Queue is the abstraction over different backends.
type Queue interface {
	Publish(ctx context.Context, msg Message) error
	Consume(ctx context.Context) (<-chan Message, error)
}

// InMemory is a channel-backed queue for dev and tests; API and worker must share the process.
type InMemory struct {
	ch chan Message
}

// NewInMemory creates a bounded in-memory queue.
func NewInMemory(size int) *InMemory {
	return &InMemory{ch: make(chan Message, size)}
}

// Publish enqueues a message.
func (q *InMemory) Publish(ctx context.Context, msg Message) error {
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume returns a channel for workers.
func (q *InMemory) Consume(ctx context.Context) (<-chan Message, error) {
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			select {
			case msg := <-q.ch:
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// RedisQueue implements a Redis list-backed queue.
type RedisQueue struct {
	client *redis.Client
	key    string
	poll   time.Duration
}

// NewRedisQueue builds a queue using LPUSH/BRPOP semantics.
func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = "presenza:recompute"
	}
	return &RedisQueue{client: client, key: key, poll: 5 * time.Second}
}

// Publish enqueues a message.
func (q *RedisQueue) Publish(ctx context.Context, msg Message) error {
	return q.client.LPush(ctx, q.key, serialize(msg)).Err()
}

// Consume streams messages using BRPOP until ctx is cancelled.
func (q *RedisQueue) Consume(ctx context.Context) (<-chan Message, error) {
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			res, err := q.client.BRPop(ctx, q.poll, q.key).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if !errors.Is(err, redis.Nil) {
					// back off so a down Redis doesn't spin
					select {
					case <-time.After(time.Second):
					case <-ctx.Done():
						return
					}
				}
				continue
			}
			if len(res) != 2 {
				continue
			}
			select {
			case out <- deserialize(res[1]):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// serialize stores messages as Type|Body.
func serialize(msg Message) string {
	return msg.Type + "|" + string(msg.Body)
}

func deserialize(s string) Message {
	typ, body, ok := strings.Cut(s, "|")
	if !ok {
		return Message{Body: []byte(s)}
	}
	return Message{Type: typ, Body: []byte(body)}
}
