package messaging

import (
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
	"k8s.io/utils/clock"

	"github.com/scaleproject/scale/internal/common/scalecontext"
)

var (
	bucketMessages   = []byte("messages")
	bucketDeadLetter = []byte("deadletter")
)

// BoltBrokerConfig controls redelivery for BoltBroker.
type BoltBrokerConfig struct {
	// Path of the database file.
	Path string
	// A received message not settled within this time is delivered again.
	VisibilityTimeout time.Duration
	// How long a negatively acknowledged message waits before redelivery.
	NackRedeliveryDelay time.Duration
	PollInterval        time.Duration
}

type boltRecord struct {
	Message    json.RawMessage `json:"message"`
	Deliveries int             `json:"deliveries"`
	VisibleAt  time.Time       `json:"visible_at"`
}

// BoltBroker is a single-node broker persisting messages in a bbolt file. It lets a scheduler run without Pulsar.
type BoltBroker struct {
	db     *bolt.DB
	config BoltBrokerConfig
	clock  clock.Clock
}

func NewBoltBroker(config BoltBrokerConfig, clock clock.Clock) (*BoltBroker, error) {
	db, err := bolt.Open(config.Path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "error opening message store %s", config.Path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketMessages, bucketDeadLetter} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return errors.Wrapf(err, "error creating bucket %s", bucket)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 100 * time.Millisecond
	}
	return &BoltBroker{db: db, config: config, clock: clock}, nil
}

func (b *BoltBroker) Send(_ *scalecontext.Context, msgs ...*Message) error {
	now := b.clock.Now()
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMessages)
		for _, msg := range msgs {
			raw, err := msg.Marshal()
			if err != nil {
				return err
			}
			seq, err := bucket.NextSequence()
			if err != nil {
				return errors.WithStack(err)
			}
			if err := putRecord(bucket, sequenceKey(seq), &boltRecord{Message: raw, VisibleAt: now}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BoltBroker) Receive(ctx *scalecontext.Context, max int, wait time.Duration) ([]*Delivery, error) {
	deadline := b.clock.Now().Add(wait)
	for {
		deliveries, err := b.receiveVisible(max)
		if err != nil || len(deliveries) > 0 {
			return deliveries, err
		}
		if !b.clock.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, nil
		case <-b.clock.After(b.config.PollInterval):
		}
	}
}

func (b *BoltBroker) receiveVisible(max int) ([]*Delivery, error) {
	now := b.clock.Now()
	var deliveries []*Delivery
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMessages)
		var keys [][]byte
		var records []*boltRecord
		c := bucket.Cursor()
		for k, v := c.First(); k != nil && len(keys) < max; k, v = c.Next() {
			record := &boltRecord{}
			if err := json.Unmarshal(v, record); err != nil {
				return errors.WithStack(err)
			}
			if record.VisibleAt.After(now) {
				continue
			}
			keys = append(keys, append([]byte(nil), k...))
			records = append(records, record)
		}
		// The cursor is not used past this point, so the bucket may be modified.
		for i, record := range records {
			msg, err := Unmarshal(record.Message)
			if err != nil {
				return err
			}
			msg.Attempts = record.Deliveries
			record.Deliveries++
			record.VisibleAt = now.Add(b.config.VisibilityTimeout)
			if err := putRecord(bucket, keys[i], record); err != nil {
				return err
			}
			deliveries = append(deliveries, &Delivery{Message: msg, handle: keys[i]})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deliveries, nil
}

func (b *BoltBroker) Ack(_ *scalecontext.Context, deliveries ...*Delivery) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMessages)
		for _, d := range deliveries {
			if err := bucket.Delete(d.handle.([]byte)); err != nil {
				return errors.WithStack(err)
			}
		}
		return nil
	})
}

func (b *BoltBroker) Nack(_ *scalecontext.Context, deliveries ...*Delivery) error {
	visibleAt := b.clock.Now().Add(b.config.NackRedeliveryDelay)
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMessages)
		for _, d := range deliveries {
			key := d.handle.([]byte)
			v := bucket.Get(key)
			if v == nil {
				continue
			}
			record := &boltRecord{}
			if err := json.Unmarshal(v, record); err != nil {
				return errors.WithStack(err)
			}
			record.VisibleAt = visibleAt
			if err := putRecord(bucket, key, record); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BoltBroker) DeadLetter(_ *scalecontext.Context, delivery *Delivery) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		key := delivery.handle.([]byte)
		v := tx.Bucket(bucketMessages).Get(key)
		if v == nil {
			return nil
		}
		if err := tx.Bucket(bucketDeadLetter).Put(key, append([]byte(nil), v...)); err != nil {
			return errors.WithStack(err)
		}
		return errors.WithStack(tx.Bucket(bucketMessages).Delete(key))
	})
}

// DeadLetters returns every dead-lettered message.
func (b *BoltBroker) DeadLetters() ([]*Message, error) {
	var msgs []*Message
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeadLetter).ForEach(func(_, v []byte) error {
			record := &boltRecord{}
			if err := json.Unmarshal(v, record); err != nil {
				return errors.WithStack(err)
			}
			msg, err := Unmarshal(record.Message)
			if err != nil {
				return err
			}
			msgs = append(msgs, msg)
			return nil
		})
	})
	return msgs, err
}

func (b *BoltBroker) Close() error {
	return errors.WithStack(b.db.Close())
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func putRecord(bucket *bolt.Bucket, key []byte, record *boltRecord) error {
	v, err := json.Marshal(record)
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(bucket.Put(key, v))
}
