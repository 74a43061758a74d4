package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"hyprflux/internal/catalog"
	"hyprflux/internal/form"
)

const payloadField = "payload"

var ErrMalformedJob = errors.New("malformed job payload")

// GenerateJob is one generation requested from the chat front end. Values
// is the form as it was when the user asked, so later edits do not leak into
// a queued job.
type GenerateJob struct {
	JobID      string       `json:"job_id"`
	ChatID     int64        `json:"chat_id"`
	UserID     int64        `json:"user_id"`
	MessageID  int64        `json:"message_id"`
	Owner      string       `json:"owner"`
	Kind       catalog.Kind `json:"kind"`
	Values     form.Values  `json:"values"`
	EnqueuedAt time.Time    `json:"enqueued_at"`
}

// StreamQueue carries generation jobs over a redis stream read by one
// consumer group.
type StreamQueue struct {
	redis    *redis.Client
	stream   string
	group    string
	consumer string
	block    time.Duration
}

// Message is a delivered stream entry. Err is set when the entry could not be
// decoded; such entries still need an Ack.
type Message struct {
	ID  string
	Job GenerateJob
	Err error
}

func NewStreamQueue(rdb *redis.Client, stream, group, consumer string, block time.Duration) *StreamQueue {
	return &StreamQueue{
		redis:    rdb,
		stream:   stream,
		group:    group,
		consumer: consumer,
		block:    block,
	}
}

// EnsureGroup creates the stream and the consumer group if needed.
func (q *StreamQueue) EnsureGroup(ctx context.Context) error {
	if q == nil {
		return fmt.Errorf("queue is nil")
	}
	err := q.redis.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create stream group: %w", err)
	}
	return nil
}

// Enqueue stamps the job with an id and time when missing and appends it.
func (q *StreamQueue) Enqueue(ctx context.Context, job GenerateJob) (string, error) {
	if strings.TrimSpace(job.JobID) == "" {
		job.JobID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}

	id, err := q.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{payloadField: payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", job.JobID, err)
	}
	return id, nil
}

// Read blocks up to the configured time for new entries addressed to this
// consumer.
func (q *StreamQueue) Read(ctx context.Context, count int64) ([]Message, error) {
	res, err := q.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    count,
		Block:    q.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}

	var out []Message
	for _, s := range res {
		out = append(out, decodeAll(s.Messages)...)
	}
	return out, nil
}

// Reclaim takes over entries another consumer read but did not ack within
// minIdle, typically because it stopped mid-job.
func (q *StreamQueue) Reclaim(ctx context.Context, minIdle time.Duration, count int64) ([]Message, error) {
	msgs, _, err := q.redis.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xautoclaim: %w", err)
	}
	return decodeAll(msgs), nil
}

func decodeAll(msgs []redis.XMessage) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		job, err := decode(m)
		out = append(out, Message{ID: m.ID, Job: job, Err: err})
	}
	return out
}

func decode(m redis.XMessage) (GenerateJob, error) {
	var b []byte
	switch v := m.Values[payloadField].(type) {
	case string:
		b = []byte(v)
	case []byte:
		b = v
	default:
		return GenerateJob{}, fmt.Errorf("%w: entry %s has no payload", ErrMalformedJob, m.ID)
	}
	var job GenerateJob
	if err := json.Unmarshal(b, &job); err != nil {
		return GenerateJob{}, fmt.Errorf("%w: entry %s: %v", ErrMalformedJob, m.ID, err)
	}
	return job, nil
}

// Ack marks the entry done and removes it from the stream.
func (q *StreamQueue) Ack(ctx context.Context, messageID string) error {
	if err := q.redis.XAck(ctx, q.stream, q.group, messageID).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	if err := q.redis.XDel(ctx, q.stream, messageID).Err(); err != nil {
		return fmt.Errorf("xdel: %w", err)
	}
	return nil
}

// Pending reports how many jobs wait in the stream.
func (q *StreamQueue) Pending(ctx context.Context) (int64, error) {
	n, err := q.redis.XLen(ctx, q.stream).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen: %w", err)
	}
	return n, nil
}

func (q *StreamQueue) Consumer() string {
	return q.consumer
}
