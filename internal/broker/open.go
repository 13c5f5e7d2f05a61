package broker

import (
	"amqpav/internal/config"
	"amqpav/internal/logging"
	"fmt"
	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/garsue/watermillzap"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"time"
)

// Open connects to the fabric selected by cfg.Driver.
func Open(cfg config.BrokerConfig, baseLogger logging.Logger) (Broker, error) {
	switch cfg.Driver {
	case "memory":
		baseLogger.Warn("memory broker selected; messages never leave this process",
			"driver", cfg.Driver,
		)
		return NewMemory(), nil
	case "kafka":
		return openKafka(cfg, baseLogger)
	case "amqp", "":
		return openAMQP(cfg, baseLogger)
	default:
		return nil, fmt.Errorf("unknown broker driver %q", cfg.Driver)
	}
}

func openAMQP(cfg config.BrokerConfig, baseLogger logging.Logger) (Broker, error) {
	wmlogger := watermillzap.NewLogger(logging.AsZap(baseLogger))

	// Exchange names come from the topic; the queue generator only matters
	// on the subscriber side.
	topology := amqp.NewDurablePubSubConfig(cfg.URL, amqp.GenerateQueueNameTopicName)

	publisher, err := amqp.NewPublisher(topology, wmlogger)
	if err != nil {
		return nil, fmt.Errorf("create amqp publisher: %w", err)
	}

	conn, err := amqp091.Dial(cfg.URL)
	if err != nil {
		_ = publisher.Close()
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	openChannel := func() (amqpChannel, error) {
		ch, err := conn.Channel()
		if err != nil {
			return nil, err
		}
		return ch, nil
	}

	// Reply queues hold replies for several waits; each wait must see past
	// the ones it leaves unacknowledged.
	return newAMQPBroker(publisher, openChannel, conn.Close, topology,
		[]string{cfg.ReplyExchange}, baseLogger), nil
}

func openKafka(cfg config.BrokerConfig, baseLogger logging.Logger) (Broker, error) {
	wmlogger := watermillzap.NewLogger(logging.AsZap(baseLogger))

	pubCfg := kafka.PublisherConfig{
		Brokers:   cfg.Brokers,
		Marshaler: kafka.DefaultMarshaler{},
		OverwriteSaramaConfig: func() *sarama.Config {
			c := kafka.DefaultSaramaSyncPublisherConfig()
			c.ClientID = cfg.ClientID
			return c
		}(),
	}

	publisher, err := kafka.NewPublisher(pubCfg, wmlogger)
	if err != nil {
		return nil, fmt.Errorf("create kafka publisher: %w", err)
	}

	newSubscriber := func(exchange, queue string) (message.Subscriber, error) {
		saramaCfg := kafka.DefaultSaramaSubscriberConfig()
		saramaCfg.ClientID = cfg.ClientID
		// A consumer created after the message was produced must still see it.
		saramaCfg.Consumer.Offsets.Initial = sarama.OffsetOldest

		subCfg := kafka.SubscriberConfig{
			Brokers:               cfg.Brokers,
			Unmarshaler:           kafka.DefaultMarshaler{},
			ConsumerGroup:         queue,
			OverwriteSaramaConfig: saramaCfg,
			InitializeTopicDetails: &sarama.TopicDetail{
				NumPartitions:     3,
				ReplicationFactor: 1,
			},
			NackResendSleep:     time.Second,
			ReconnectRetrySleep: 10 * time.Second,
		}
		// Replies are read as a log: every wait scans the topic from the
		// start without a group, so nothing it skips is committed away.
		if exchange == cfg.ReplyExchange {
			subCfg.ConsumerGroup = ""
		}
		return kafka.NewSubscriber(subCfg, wmlogger)
	}

	return NewWatermill(publisher, newSubscriber, baseLogger,
		WithReplayExchanges(cfg.ReplyExchange),
	), nil
}
