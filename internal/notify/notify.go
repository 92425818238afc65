// Package notify hands messages for fully offline recipients to the
// external notification pipeline (email delivery lives downstream).
package notify

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"carscanada/internal/service"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// EventOfflineMessage is the event type written to the notification topic.
const EventOfflineMessage = "message.offline"

// Log only records the hand-off. It is used when no brokers are configured.
type Log struct{}

func (Log) NotifyOffline(_ context.Context, n service.OfflineMessage) error {
	log.Info().
		Uint("recipient_id", n.RecipientID).
		Uint("conversation_id", n.ConversationID).
		Uint("message_id", n.MessageID).
		Msg("offline notification")
	return nil
}

// Event is the envelope published to Kafka.
type Event struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	OccurredAt time.Time              `json:"occurredAt"`
	Payload    service.OfflineMessage `json:"payload"`
}

// Kafka 通过同步 producer 投递离线通知事件，按收件人分区保证单用户顺序。
type Kafka struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafka(producer sarama.SyncProducer, topic string) *Kafka {
	return &Kafka{producer: producer, topic: topic}
}

// DialKafka 使用幂等 producer 连接 broker。
func DialKafka(brokers []string, topic string) (*Kafka, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Idempotent = true
	cfg.Producer.Return.Successes = true
	cfg.Net.MaxOpenRequests = 1
	p, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return NewKafka(p, topic), nil
}

func (k *Kafka) NotifyOffline(_ context.Context, n service.OfflineMessage) error {
	evt := Event{ID: uuid.NewString(), Type: EventOfflineMessage, OccurredAt: time.Now().UTC(), Payload: n}
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(strconv.FormatUint(uint64(n.RecipientID), 10)),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event-type"), Value: []byte(EventOfflineMessage)},
		},
	}
	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		return err
	}
	log.Debug().Str("event_id", evt.ID).Int32("partition", partition).Int64("offset", offset).Msg("offline notification published")
	return nil
}

func (k *Kafka) Close() error {
	if k.producer == nil {
		return nil
	}
	return k.producer.Close()
}
