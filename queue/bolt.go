package queue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

var bucketQueues = []byte("queues")

// DefaultVisibilityTimeout hides a received message long enough for the
// assignment loop to finish its record writes.
const DefaultVisibilityTimeout = 30 * time.Second

// BoltProvider stores queues in a local bbolt file, one nested bucket per
// queue. Used for single-node deployments and tests; the SQS provider is
// the multi-instance backend.
type BoltProvider struct {
	mu         sync.Mutex
	db         *bbolt.DB
	visibility time.Duration
}

// OpenBolt creates or opens the local queue database under dir.
func OpenBolt(dir string, visibility time.Duration) (*BoltProvider, error) {
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}
	db, err := bbolt.Open(filepath.Join(dir, "queues.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue store: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketQueues)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltProvider{db: db, visibility: visibility}, nil
}

// Close closes the underlying database.
func (p *BoltProvider) Close() error {
	return p.db.Close()
}

// CreateIfNotExists implements Provider.
func (p *BoltProvider) CreateIfNotExists(ctx context.Context, name string) (Queue, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	created := false
	err := p.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketQueues)
		if root.Bucket([]byte(name)) == nil {
			created = true
		}
		_, err := root.CreateBucketIfNotExists([]byte(name))
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return &boltQueue{provider: p, name: name}, created, nil
}

// Open implements Provider.
func (p *BoltProvider) Open(ctx context.Context, name string) (Queue, error) {
	var exists bool
	err := p.db.View(func(tx *bbolt.Tx) error {
		exists = tx.Bucket(bucketQueues).Bucket([]byte(name)) != nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("queue %s does not exist", name)
	}
	return &boltQueue{provider: p, name: name}, nil
}

// DeleteIfExists implements Provider.
func (p *BoltProvider) DeleteIfExists(ctx context.Context, name string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	existed := false
	err := p.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketQueues)
		if root.Bucket([]byte(name)) == nil {
			return nil
		}
		existed = true
		return root.DeleteBucket([]byte(name))
	})
	return existed, err
}

// boltMessage is the stored message envelope. VisibleAt implements the
// peek-lock: a received message stays hidden until the deadline passes.
type boltMessage struct {
	Body      []byte    `json:"body"`
	VisibleAt time.Time `json:"visible_at"`
}

type boltQueue struct {
	provider *BoltProvider
	name     string
}

func (q *boltQueue) Name() string { return q.name }

func (q *boltQueue) Add(ctx context.Context, body []byte) error {
	q.provider.mu.Lock()
	defer q.provider.mu.Unlock()

	return q.provider.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketQueues).Bucket([]byte(q.name))
		if bucket == nil {
			return fmt.Errorf("queue %s does not exist", q.name)
		}
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(boltMessage{Body: body, VisibleAt: time.Now().UTC()})
		if err != nil {
			return err
		}
		return bucket.Put(sequenceKey(seq), data)
	})
}

func (q *boltQueue) Get(ctx context.Context) (*Message, error) {
	q.provider.mu.Lock()
	defer q.provider.mu.Unlock()

	var msg *Message
	now := time.Now().UTC()
	err := q.provider.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketQueues).Bucket([]byte(q.name))
		if bucket == nil {
			return fmt.Errorf("queue %s does not exist", q.name)
		}
		c := bucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var stored boltMessage
			if err := json.Unmarshal(v, &stored); err != nil {
				return err
			}
			if stored.VisibleAt.After(now) {
				continue
			}
			stored.VisibleAt = now.Add(q.provider.visibility)
			data, err := json.Marshal(stored)
			if err != nil {
				return err
			}
			if err := bucket.Put(k, data); err != nil {
				return err
			}
			key := fmt.Sprintf("%x", k)
			msg = &Message{ID: key, Receipt: key, Body: stored.Body, Dequeued: now}
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (q *boltQueue) Delete(ctx context.Context, msg *Message) error {
	q.provider.mu.Lock()
	defer q.provider.mu.Unlock()

	var key []byte
	if _, err := fmt.Sscanf(msg.Receipt, "%x", &key); err != nil {
		return fmt.Errorf("bad receipt %q: %w", msg.Receipt, err)
	}
	return q.provider.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketQueues).Bucket([]byte(q.name))
		if bucket == nil {
			return nil
		}
		return bucket.Delete(key)
	})
}

func (q *boltQueue) ApproximateCount(ctx context.Context) (int, error) {
	q.provider.mu.Lock()
	defer q.provider.mu.Unlock()

	count := 0
	err := q.provider.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketQueues).Bucket([]byte(q.name))
		if bucket == nil {
			return fmt.Errorf("queue %s does not exist", q.name)
		}
		count = bucket.Stats().KeyN
		return nil
	})
	return count, err
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
