package changelog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/segmentio/kafka-go"
)

type Op string

const (
	OpPut    Op = "put"    // line inserted or replaced; Line carries the full line
	OpDelete Op = "delete" // line removed
	OpClear  Op = "clear"  // cart emptied
)

// Event is one cart mutation. Seq is strictly increasing per cart.
type Event struct {
	ID        string          `json:"id"`
	Seq       int64           `json:"seq"`
	Op        Op              `json:"op"`
	ProductID string          `json:"productId,omitempty"`
	Batch     string          `json:"batch,omitempty"`
	Line      json.RawMessage `json:"line,omitempty"`
	TS        int64           `json:"ts"`
}

type Writer interface {
	Append(e Event) error
}

// MultiWriter fans out writes to multiple underlying writers. Every writer is
// attempted; failures are joined.
type MultiWriter struct {
	writers []Writer
}

func NewMultiWriter(ws ...Writer) *MultiWriter {
	return &MultiWriter{writers: ws}
}

func (m *MultiWriter) Append(e Event) error {
	var errs []error
	for _, w := range m.writers {
		if err := w.Append(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type FileWriter struct {
	path string
}

func NewFileWriter(dir string, filename string) (*FileWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}
	return &FileWriter{path: filepath.Join(dir, filename)}, nil
}

func (w *FileWriter) Path() string { return w.path }

func (w *FileWriter) Append(e Event) error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	if err := enc.Encode(&e); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	return nil
}

// KafkaWriter publishes events to a Kafka topic keyed by cart id, so one
// till's journal stays ordered within a partition.
type KafkaWriter struct {
	writer kafkaMessageWriter
	key    []byte
}

// kafkaMessageWriter abstracts kafka.Writer for testability.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewKafkaWriter creates a Kafka writer. brokers may hold comma-separated
// host:port lists.
func NewKafkaWriter(brokers []string, topic string, cartID string) *KafkaWriter {
	return &KafkaWriter{writer: &kafka.Writer{
		Addr:         kafka.TCP(SplitBrokers(brokers)...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		WriteTimeout: 5 * time.Second,
	}, key: []byte(cartID)}
}

func (k *KafkaWriter) Append(e Event) error {
	b, err := json.Marshal(&e)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{Key: k.key, Value: b})
}

// NewKafkaWriterWith is only for tests to inject a fake writer.
func NewKafkaWriterWith(w kafkaMessageWriter, cartID string) *KafkaWriter {
	return &KafkaWriter{writer: w, key: []byte(cartID)}
}

// TxWriter publishes each event inside its own Kafka transaction using the
// confluent client, so consumers reading with isolation.level=read_committed
// never see an event whose append the till reported as failed.
type TxWriter struct {
	producer txProducer
	topic    string
	key      []byte
}

// txProducer abstracts *ck.Producer for testability.
type txProducer interface {
	BeginTransaction() error
	Produce(msg *ck.Message, deliveryChan chan ck.Event) error
	Flush(timeoutMs int) int
	CommitTransaction(ctx context.Context) error
	AbortTransaction(ctx context.Context) error
}

func NewTxWriter(brokers []string, topic, txID, cartID string) (*TxWriter, error) {
	p, err := ck.NewProducer(&ck.ConfigMap{
		"bootstrap.servers":  strings.Join(SplitBrokers(brokers), ","),
		"enable.idempotence": true,
		"acks":               "all",
		"transactional.id":   txID,
	})
	if err != nil {
		return nil, fmt.Errorf("producer: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.InitTransactions(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("init tx: %w", err)
	}
	return &TxWriter{producer: p, topic: topic, key: []byte(cartID)}, nil
}

// NewTxWriterWith is only for tests to inject a fake producer.
func NewTxWriterWith(p txProducer, topic, cartID string) *TxWriter {
	return &TxWriter{producer: p, topic: topic, key: []byte(cartID)}
}

func (t *TxWriter) Append(e Event) error {
	b, err := json.Marshal(&e)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if err := t.producer.BeginTransaction(); err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	msg := &ck.Message{
		TopicPartition: ck.TopicPartition{Topic: &t.topic, Partition: ck.PartitionAny},
		Key:            t.key,
		Value:          b,
	}
	if err := t.producer.Produce(msg, nil); err != nil {
		_ = t.producer.AbortTransaction(context.TODO())
		return fmt.Errorf("produce: %w", err)
	}
	_ = t.producer.Flush(5000)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := t.producer.CommitTransaction(ctx); err != nil {
		_ = t.producer.AbortTransaction(context.TODO())
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// SplitBrokers flattens entries that may themselves be comma-separated.
func SplitBrokers(in []string) []string {
	var brokers []string
	for _, s := range in {
		for _, a := range strings.Split(s, ",") {
			a = strings.TrimSpace(a)
			if a != "" {
				brokers = append(brokers, a)
			}
		}
	}
	return brokers
}
