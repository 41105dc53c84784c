package events

import (
	"context"
	"encoding/json"
	"fmt"

	"accounts-service/internal/models"
)

// Producer is satisfied by client.KafkaProducer.
type Producer interface {
	ProduceMessage(ctx context.Context, key, value []byte, headers map[string]string) error
}

type KafkaPublisher struct {
	producer Producer
}

func NewKafkaPublisher(p Producer) *KafkaPublisher {
	return &KafkaPublisher{producer: p}
}

// Publish keys messages by event bucket so one subject's events stay ordered.
func (k *KafkaPublisher) Publish(ctx context.Context, e models.SecurityEvent) error {
	value, err := json.Marshal(e)
	if err != nil {
		return wrapSink("kafka", err)
	}
	key := []byte(fmt.Sprintf("%d", e.EventBucket))
	return wrapSink("kafka", k.producer.ProduceMessage(ctx, key, value, map[string]string{
		"event_type": e.EventType,
	}))
}

// Execer is satisfied by client.ClickHouseClient.
type Execer interface {
	Exec(ctx context.Context, query string, args ...any) error
}

const insertSecurityEvent = `INSERT INTO security_events
    (event_id, event_bucket, event_date, event_time, event_type, user_id, subject, ip_address, details)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

type ClickHousePublisher struct {
	conn Execer
}

func NewClickHousePublisher(conn Execer) *ClickHousePublisher {
	return &ClickHousePublisher{conn: conn}
}

func (c *ClickHousePublisher) Publish(ctx context.Context, e models.SecurityEvent) error {
	details := e.Details
	if details == nil {
		details = map[string]string{}
	}
	return wrapSink("clickhouse", c.conn.Exec(ctx, insertSecurityEvent,
		e.EventID, uint16(e.EventBucket), e.EventTime.UTC(), e.EventTime.UTC(), e.EventType,
		e.UserID, e.Subject, e.IPAddress, details))
}

// Indexer is satisfied by client.ESClient.
type Indexer interface {
	IndexDocument(ctx context.Context, id string, document any) error
}

type ElasticPublisher struct {
	index Indexer
}

func NewElasticPublisher(index Indexer) *ElasticPublisher {
	return &ElasticPublisher{index: index}
}

func (p *ElasticPublisher) Publish(ctx context.Context, e models.SecurityEvent) error {
	return wrapSink("elasticsearch", p.index.IndexDocument(ctx, e.EventID, e))
}
