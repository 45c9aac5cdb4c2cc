package messaging

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Type names a kind of command message.
type Type string

const (
	QueueJob           Type = "queue_job"
	CancelJob          Type = "cancel_job"
	RequeueJob         Type = "requeue_job"
	UpdateJobStatus    Type = "update_job_status"
	ProcessJobInput    Type = "process_job_input"
	ProcessJobOutput   Type = "process_job_output"
	JobFinished        Type = "job_finished"
	CreateRecipe       Type = "create_recipe"
	UpdateRecipe       Type = "update_recipe"
	ReprocessRecipe    Type = "reprocess_recipe"
	EvaluateCondition  Type = "evaluate_condition"
	ConditionEvaluated Type = "condition_evaluated"
	CreateConditions   Type = "create_conditions"
	CreateJobs         Type = "create_jobs"
	CreateSubRecipes   Type = "create_sub_recipes"
	RestartScheduler   Type = "restart_scheduler"
	NodeLost           Type = "node_lost"
)

// AllTypes lists every message type the scheduler understands.
var AllTypes = []Type{
	QueueJob, CancelJob, RequeueJob, UpdateJobStatus, ProcessJobInput, ProcessJobOutput, JobFinished,
	CreateRecipe, UpdateRecipe, ReprocessRecipe, EvaluateCondition, ConditionEvaluated,
	CreateConditions, CreateJobs, CreateSubRecipes, RestartScheduler, NodeLost,
}

// Message is a durable command. Payload is the JSON encoding of the payload struct matching Type.
type Message struct {
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	// Number of times the message has been delivered before. Maintained by the broker.
	Attempts int `json:"-"`
}

// New encodes payload into a message of the given type.
func New(t Type, payload interface{}) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "error encoding %s payload", t)
	}
	return &Message{Type: t, Payload: raw, CreatedAt: time.Now().UTC()}, nil
}

// MustNew is New for payloads that always encode, i.e. every payload type in this package.
func MustNew(t Type, payload interface{}) *Message {
	msg, err := New(t, payload)
	if err != nil {
		panic(err)
	}
	return msg
}

// Key identifies a message by its type and payload. Two messages with the same key are interchangeable.
func (m *Message) Key() string {
	sum := sha256.Sum256(m.Payload)
	return string(m.Type) + ":" + hex.EncodeToString(sum[:])
}

// Decode unmarshals the payload into into.
func (m *Message) Decode(into interface{}) error {
	if err := json.Unmarshal(m.Payload, into); err != nil {
		return errors.Wrapf(err, "error decoding %s payload", m.Type)
	}
	return nil
}

// Marshal encodes the whole message for brokers that store opaque bytes.
func (m *Message) Marshal() ([]byte, error) {
	b, err := json.Marshal(m)
	return b, errors.WithStack(err)
}

// Unmarshal decodes a message produced by Marshal.
func Unmarshal(b []byte) (*Message, error) {
	msg := &Message{}
	if err := json.Unmarshal(b, msg); err != nil {
		return nil, errors.WithStack(err)
	}
	return msg, nil
}

// Outbox collects the follow-on messages produced while handling a batch. They are sent only once every handler in
// the batch has succeeded.
type Outbox struct {
	messages []*Message
}

func NewOutbox() *Outbox {
	return &Outbox{}
}

// Add queues messages for sending.
func (o *Outbox) Add(msgs ...*Message) {
	o.messages = append(o.messages, msgs...)
}

// AddNew encodes payload and queues it for sending.
func (o *Outbox) AddNew(t Type, payload interface{}) {
	o.Add(MustNew(t, payload))
}

func (o *Outbox) Messages() []*Message {
	return o.messages
}

func (o *Outbox) Len() int {
	return len(o.messages)
}

// Reset drops every queued message.
func (o *Outbox) Reset() {
	o.messages = nil
}
