package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/cockroachdb/errors"
)

// ErrNotConfigured distinguishes "no broker client" from a send failure;
// both fall back to disk but they are logged differently.
var ErrNotConfigured = errors.New("broker client not configured")

// BrokerClient is the narrow delivery contract the ingestor needs.
type BrokerClient interface {
	Send(ctx context.Context, topic string, payload []byte) error
	Close() error
}

// KafkaClient delivers through a synchronous idempotent producer.
type KafkaClient struct {
	producer sarama.SyncProducer
}

func NewKafkaClient(brokers []string, clientID string) (*KafkaClient, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_6_0_0

	// required for idempotent producers
	cfg.Net.MaxOpenRequests = 1
	cfg.Producer.Idempotent = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll

	cfg.Producer.Retry.Max = 5
	cfg.Producer.Return.Successes = true
	cfg.Producer.Compression = sarama.CompressionZSTD
	cfg.ClientID = clientID

	p, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "create kafka producer")
	}
	return &KafkaClient{producer: p}, nil
}

func (k *KafkaClient) Send(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, _, err := k.producer.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(payload),
	})
	return errors.Wrap(err, "kafka send")
}

func (k *KafkaClient) Close() error { return k.producer.Close() }

// MQTTClient delivers through an MQTT broker at QoS 1.
type MQTTClient struct {
	client  mqtt.Client
	timeout time.Duration
}

func NewMQTTClient(host string, port int, clientID string) (*MQTTClient, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", host, port)).
		SetClientID(clientID).
		SetConnectTimeout(10 * time.Second)

	c := mqtt.NewClient(opts)
	tok := c.Connect()
	if !tok.WaitTimeout(10 * time.Second) {
		return nil, errors.New("mqtt connect timed out")
	}
	if err := tok.Error(); err != nil {
		return nil, errors.Wrap(err, "mqtt connect")
	}
	return &MQTTClient{client: c, timeout: 10 * time.Second}, nil
}

func (m *MQTTClient) Send(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tok := m.client.Publish(topic, 1, false, payload)
	if !tok.WaitTimeout(m.timeout) {
		return errors.New("mqtt publish timed out")
	}
	return errors.Wrap(tok.Error(), "mqtt publish")
}

func (m *MQTTClient) Close() error {
	m.client.Disconnect(250)
	return nil
}
