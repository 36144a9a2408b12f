package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/segmentio/kafka-go"

	"offpos/internal/changelog"
	"offpos/internal/model"
	"offpos/internal/state"
)

// Manifest records the last successful catalog sync.
type Manifest struct {
	SyncID              string             `json:"syncId"`
	ProductCount        int                `json:"productCount"`
	Filter              model.Filter       `json:"filter"`
	Context             model.UsageContext `json:"context,omitempty"`
	SyncedAtEpochSecond int64              `json:"syncedAt"`
}

func (m Manifest) SyncedAt() time.Time { return time.Unix(m.SyncedAtEpochSecond, 0).UTC() }

// ErrNoManifest means no sync has completed yet.
var ErrNoManifest = errors.New("no sync manifest")

type Publisher interface {
	PublishLatest(m Manifest) error
}

type Reader interface {
	ReadLatest() (Manifest, error)
}

// MultiPublisher writes to multiple publishers sequentially.
type MultiPublisherImpl struct {
	pubs []Publisher
}

func MultiPublisher(pubs ...Publisher) Publisher {
	return &MultiPublisherImpl{pubs: pubs}
}

func (m *MultiPublisherImpl) PublishLatest(man Manifest) error {
	for _, p := range m.pubs {
		if err := p.PublishLatest(man); err != nil {
			return err
		}
	}
	return nil
}

type FilesystemManifest struct {
	baseDir string
}

func NewFilesystemManifest(baseDir string) *FilesystemManifest {
	return &FilesystemManifest{baseDir: baseDir}
}

func (f *FilesystemManifest) PublishLatest(m Manifest) error {
	if err := os.MkdirAll(f.baseDir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	file := filepath.Join(f.baseDir, "manifest.latest.json")
	tmp := file + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(&m); err != nil {
		out.Close()
		return fmt.Errorf("encode: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmp, file); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func (f *FilesystemManifest) ReadLatest() (Manifest, error) {
	file := filepath.Join(f.baseDir, "manifest.latest.json")
	data, err := os.ReadFile(file)
	if errors.Is(err, os.ErrNotExist) {
		return Manifest{}, ErrNoManifest
	}
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("unmarshal manifest: %w", err)
	}
	return m, nil
}

// StoreManifest keeps the manifest next to the mirror rows in the local store.
type StoreManifest struct {
	st  state.Store
	key string
}

func NewStoreManifest(st state.Store, key string) *StoreManifest {
	if key == "" {
		key = "catalog_manifest"
	}
	return &StoreManifest{st: st, key: key}
}

func (s *StoreManifest) PublishLatest(m Manifest) error {
	b, err := json.Marshal(&m)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return state.Wrap("put", s.key, s.st.Put(s.key, b))
}

func (s *StoreManifest) ReadLatest() (Manifest, error) {
	b, ok, err := s.st.Get(s.key)
	if err != nil {
		return Manifest{}, state.Wrap("get", s.key, err)
	}
	if !ok {
		return Manifest{}, ErrNoManifest
	}
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return Manifest{}, fmt.Errorf("unmarshal manifest: %w", err)
	}
	return m, nil
}

// KafkaManifest publishes manifest.latest as a compacted Kafka record, so the
// back office can see when each till last synced.
type KafkaManifest struct {
	writer kafkaMessageWriter
	key    []byte
}

// kafkaMessageWriter abstracts kafka.Writer for testability.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewKafkaManifest creates a Kafka manifest publisher. key is typically
// "<till>-catalog-manifest".
func NewKafkaManifest(brokers []string, topic string, key string) *KafkaManifest {
	return &KafkaManifest{writer: &kafka.Writer{
		Addr:         kafka.TCP(changelog.SplitBrokers(brokers)...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		WriteTimeout: 5 * time.Second,
	}, key: []byte(key)}
}

func (k *KafkaManifest) PublishLatest(m Manifest) error {
	b, err := json.Marshal(&m)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{Key: k.key, Value: b})
}

// NewKafkaManifestWith is only for tests to inject a fake writer.
func NewKafkaManifestWith(w kafkaMessageWriter, key string) *KafkaManifest {
	return &KafkaManifest{writer: w, key: []byte(key)}
}

// KafkaReader reads the latest manifest record for key from a compacted topic.
type KafkaReader struct {
	brokers []string
	topic   string
	key     []byte
}

func NewKafkaReader(brokers []string, topic string, key string) *KafkaReader {
	return &KafkaReader{brokers: changelog.SplitBrokers(brokers), topic: topic, key: []byte(key)}
}

func (k *KafkaReader) ReadLatest() (Manifest, error) {
	// Reads partition 0 from the start and keeps the last record for key;
	// fine for a compacted topic with one record per till.
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   k.brokers,
		Topic:     k.topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var last Manifest
	found := false
	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return Manifest{}, fmt.Errorf("read kafka: %w", err)
		}
		if string(m.Key) != string(k.key) {
			continue
		}
		var man Manifest
		if err := json.Unmarshal(m.Value, &man); err != nil {
			return Manifest{}, fmt.Errorf("unmarshal kafka manifest: %w", err)
		}
		last, found = man, true
	}
	if !found {
		return Manifest{}, ErrNoManifest
	}
	return last, nil
}
