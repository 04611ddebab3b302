//go:build integration

package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/twmb/franz-go/pkg/kgo"

	"cardreader/internal/card/models"
	"cardreader/pkg/testutil/containers"
)

type RedisSinkSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	sink  *Redis
}

func TestRedisSinkSuite(t *testing.T) {
	suite.Run(t, new(RedisSinkSuite))
}

func (s *RedisSinkSuite) SetupSuite() {
	s.redis = containers.NewRedisContainer(s.T())
}

func (s *RedisSinkSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
	s.sink = NewRedis(s.redis.Client, RedisConfig{Channel: "test:events", KeyPrefix: "test"})
}

func (s *RedisSinkSuite) TestPublishesAndTracksLastState() {
	ctx := context.Background()
	sub := s.redis.Client.Subscribe(ctx, "test:events")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	s.Require().NoError(err)

	inserted := models.NewInserted("ACS ACR39U 00", "s1", nil,
		models.OutputRecord{{Key: "Citizenid", Value: "3100600123450"}})
	payload, err := inserted.Payload()
	s.Require().NoError(err)

	s.Run("insertion is published and stored", func() {
		s.Require().NoError(s.sink.Send(ctx, inserted, payload))

		msg, err := sub.ReceiveMessage(ctx)
		s.Require().NoError(err)
		s.Equal(string(payload), msg.Payload)

		stored, err := s.redis.Client.Get(ctx, s.sink.LastStateKey("ACS ACR39U 00")).Result()
		s.Require().NoError(err)
		s.Equal(string(payload), stored)

		ttl, err := s.redis.Client.TTL(ctx, s.sink.LastStateKey("ACS ACR39U 00")).Result()
		s.Require().NoError(err)
		s.Greater(ttl, time.Duration(0))
	})

	s.Run("removal is published and clears the key", func() {
		removed := models.NewRemoved("ACS ACR39U 00", "s1")
		out, err := removed.Payload()
		s.Require().NoError(err)
		s.Require().NoError(s.sink.Send(ctx, removed, out))

		msg, err := sub.ReceiveMessage(ctx)
		s.Require().NoError(err)
		s.Equal(`{"mode":"removedsmartcard"}`, msg.Payload)

		n, err := s.redis.Client.Exists(ctx, s.sink.LastStateKey("ACS ACR39U 00")).Result()
		s.Require().NoError(err)
		s.Zero(n)
	})
}

type KafkaSinkSuite struct {
	suite.Suite
	kafka *containers.KafkaContainer
}

func TestKafkaSinkSuite(t *testing.T) {
	suite.Run(t, new(KafkaSinkSuite))
}

func (s *KafkaSinkSuite) SetupSuite() {
	s.kafka = containers.NewKafkaContainer(s.T())
	s.kafka.CreateTopic(s.T(), "cardreader.events")
}

func (s *KafkaSinkSuite) TestRecordKeyedByMode() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sink, err := NewKafka(KafkaConfig{Brokers: s.kafka.Brokers, Topic: "cardreader.events"})
	s.Require().NoError(err)
	s.Require().NoError(sink.Ping(ctx))

	// Close on the wrapper drains the queue and closes the producer.
	a := NewAsync(sink)
	s.Require().NoError(a.Publish(ctx, models.NewRemoved("r1", "session-1")))
	s.Require().NoError(a.Close(ctx))

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(s.kafka.Brokers...),
		kgo.ConsumeTopics("cardreader.events"),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	s.Require().NoError(err)
	defer consumer.Close()

	fetches := consumer.PollFetches(ctx)
	s.Require().NoError(fetches.Err())
	records := fetches.Records()
	s.Require().Len(records, 1)
	s.Equal(models.ModeRemoved, string(records[0].Key))
	s.Equal(`{"mode":"removedsmartcard"}`, string(records[0].Value))

	headers := map[string]string{}
	for _, h := range records[0].Headers {
		headers[h.Key] = string(h.Value)
	}
	s.Equal("r1", headers["reader"])
	s.Equal("session-1", headers["session_id"])
}
