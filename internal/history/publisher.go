package history

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

const (
	defaultPublisherQueue   = 256
	defaultPublisherWorkers = 2
	defaultPublisherRetries = 3
	defaultBaseBackoff      = 100 * time.Millisecond
	defaultMaxBackoff       = 2 * time.Second
)

// KafkaPublisherOptions tunes the publisher's queue and retry behavior. Zero
// values select the defaults.
type KafkaPublisherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// KafkaPublisher forwards history entries to a Kafka topic through a local
// bounded queue with background workers. Publishing is best effort: a full
// queue or an exhausted retry budget drops the entry with a log line instead
// of blocking or failing the caller.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger

	queue chan Entry
	wg    sync.WaitGroup

	maxRetries  int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// NewKafkaPublisher starts the worker goroutines and returns the publisher.
func NewKafkaPublisher(producer sarama.SyncProducer, topic string, logger *zap.Logger, options KafkaPublisherOptions) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if options.QueueSize <= 0 {
		options.QueueSize = defaultPublisherQueue
	}
	if options.Workers <= 0 {
		options.Workers = defaultPublisherWorkers
	}
	if options.MaxRetries <= 0 {
		options.MaxRetries = defaultPublisherRetries
	}
	if options.BaseBackoff <= 0 {
		options.BaseBackoff = defaultBaseBackoff
	}
	if options.MaxBackoff <= 0 {
		options.MaxBackoff = defaultMaxBackoff
	}
	publisher := &KafkaPublisher{
		producer:    producer,
		topic:       topic,
		logger:      logger,
		queue:       make(chan Entry, options.QueueSize),
		maxRetries:  options.MaxRetries,
		baseBackoff: options.BaseBackoff,
		maxBackoff:  options.MaxBackoff,
	}
	publisher.wg.Add(options.Workers)
	for workerIndex := 0; workerIndex < options.Workers; workerIndex++ {
		go publisher.workerLoop()
	}
	return publisher
}

// Publish enqueues the entry for delivery. It never blocks.
func (p *KafkaPublisher) Publish(entry Entry) {
	select {
	case p.queue <- entry:
	default:
		p.logger.Warn("history publish dropped, queue full",
			zap.String("session_id", entry.SessionID),
			zap.String("entry_id", entry.EntryID))
	}
}

// Close stops accepting entries, waits for the workers to drain the queue and
// closes the producer.
func (p *KafkaPublisher) Close() error {
	close(p.queue)
	p.wg.Wait()
	return p.producer.Close()
}

func (p *KafkaPublisher) workerLoop() {
	defer p.wg.Done()
	for entry := range p.queue {
		p.sendWithRetry(entry)
	}
}

func (p *KafkaPublisher) sendWithRetry(entry Entry) {
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		err := p.sendOnce(entry)
		if err == nil {
			return
		}
		if attempt == p.maxRetries {
			p.logger.Warn("history publish failed, dropping entry",
				zap.String("session_id", entry.SessionID),
				zap.String("entry_id", entry.EntryID),
				zap.Error(err))
			return
		}
		backoff := p.baseBackoff * time.Duration(1<<attempt)
		if backoff > p.maxBackoff {
			backoff = p.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (p *KafkaPublisher) sendOnce(entry Entry) error {
	encoded, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	message := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(entry.SessionID),
		Value: sarama.ByteEncoder(encoded),
	}
	_, _, err = p.producer.SendMessage(message)
	return err
}

// NewSyncProducer builds a sarama producer configured for the publisher's
// delivery expectations.
func NewSyncProducer(brokers []string) (sarama.SyncProducer, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Retry.Max = 1
	return sarama.NewSyncProducer(brokers, config)
}
