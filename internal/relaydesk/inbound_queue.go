package relaydesk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

const (
	defaultInboundQueueCapacity = 1024
	queuePollInterval           = 10 * time.Millisecond
)

var errBlankQueuedID = fmt.Errorf("%w: queued message needs an id", ErrInvalidInput)

// InboundQueue buffers end-user messages between the HTTP intake and the
// pipeline workers. Every implementation is FIFO and bounded.
//
// TryEnqueue returns ErrQueueFull only when the queue is at capacity. Storage
// failures come back as themselves.
type InboundQueue interface {
	TryEnqueue(msg InboundMessage) error
	Enqueue(ctx context.Context, msg InboundMessage) bool
	Dequeue(ctx context.Context) (InboundMessage, bool)
	Depth() int
	Capacity() int
	Close() error
}

type inMemoryInboundQueue struct {
	ch chan InboundMessage
}

func NewInMemoryInboundQueue(capacity int) InboundQueue {
	if capacity <= 0 {
		capacity = defaultInboundQueueCapacity
	}
	return &inMemoryInboundQueue{
		ch: make(chan InboundMessage, capacity),
	}
}

func (q *inMemoryInboundQueue) TryEnqueue(msg InboundMessage) error {
	if q == nil || msg.ID == "" {
		return errBlankQueuedID
	}
	select {
	case q.ch <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *inMemoryInboundQueue) Enqueue(ctx context.Context, msg InboundMessage) bool {
	if q == nil || msg.ID == "" {
		return false
	}
	select {
	case q.ch <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *inMemoryInboundQueue) Dequeue(ctx context.Context) (InboundMessage, bool) {
	if q == nil {
		return InboundMessage{}, false
	}
	select {
	case msg := <-q.ch:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

func (q *inMemoryInboundQueue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *inMemoryInboundQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

func (q *inMemoryInboundQueue) Close() error {
	return nil
}

// fileInboundQueue survives restarts by rewriting its items to a JSON file
// on every change.
type fileInboundQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []InboundMessage
}

type fileInboundQueueState struct {
	Items []InboundMessage `json:"items"`
}

func NewFileInboundQueue(path string, capacity int) (InboundQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultInboundQueueCapacity
	}
	q := &fileInboundQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: queuePollInterval,
		items:        []InboundMessage{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileInboundQueue) TryEnqueue(msg InboundMessage) error {
	if strings.TrimSpace(msg.ID) == "" {
		return errBlankQueuedID
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return ErrQueueFull
	}
	q.items = append(q.items, msg)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return fmt.Errorf("persist inbound queue: %w", err)
	}
	return nil
}

func (q *fileInboundQueue) Enqueue(ctx context.Context, msg InboundMessage) bool {
	for {
		if q.TryEnqueue(msg) == nil {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileInboundQueue) Dequeue(ctx context.Context) (InboundMessage, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			if err := q.saveLocked(); err != nil {
				q.items = append([]InboundMessage{item}, q.items...)
				q.mu.Unlock()
				select {
				case <-ctx.Done():
					return InboundMessage{}, false
				case <-time.After(q.pollInterval):
					continue
				}
			}
			q.mu.Unlock()
			return item, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return InboundMessage{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileInboundQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileInboundQueue) Capacity() int {
	return q.capacity
}

func (q *fileInboundQueue) Close() error {
	return nil
}

func (q *fileInboundQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileInboundQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if len(snapshot.Items) > q.capacity {
		q.items = append([]InboundMessage(nil), snapshot.Items[len(snapshot.Items)-q.capacity:]...)
		return q.saveLocked()
	}
	q.items = append([]InboundMessage(nil), snapshot.Items...)
	return nil
}

func (q *fileInboundQueue) saveLocked() error {
	data, err := json.Marshal(fileInboundQueueState{
		Items: append([]InboundMessage(nil), q.items...),
	})
	if err != nil {
		return err
	}
	return writeFileAtomic(q.path, data)
}
