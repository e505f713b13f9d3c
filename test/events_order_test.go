package test

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/relabs-tech/certrotation/iot/events"
	"github.com/relabs-tech/certrotation/rotation"
)

type TransitionOrderTestSuite struct {
	IntegrationTestSuite
}

func TestTransitionOrderTestSuite(t *testing.T) {
	suite.Run(t, &TransitionOrderTestSuite{IntegrationTestSuite{WithKafka: true}})
}

// publish writes n transitions for random serial numbers. The sequence number is carried
// in the certificate id.
func (s *TransitionOrderTestSuite) publish(topic string, n int) map[string][]int {
	notifier := events.NewNotifier(&events.Builder{Brokers: []string{s.KafkaAddr}, Topic: topic})
	defer notifier.Close()

	serialNumbers := []string{"SN-1", "SN-2", "SN-3", "SN-4", "SN-5"}
	expected := map[string][]int{}
	for i := 0; i < n; i++ {
		serialNumber := serialNumbers[rand.Intn(len(serialNumbers))]
		expected[serialNumber] = append(expected[serialNumber], i)
		err := notifier.NotifyTransition(context.Background(), rotation.Transition{
			SerialNumber:  serialNumber,
			From:          rotation.StateThingCreated,
			To:            rotation.StateManCertCreated,
			CertificateID: strconv.Itoa(i),
			Timestamp:     time.Now().UTC(),
		})
		s.Require().NoError(err, "Failed to publish transition")
	}
	return expected
}

func (s *TransitionOrderTestSuite) consume(ctx context.Context, topic, group string, mu *sync.Mutex, processed map[string][]int) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: []string{s.KafkaAddr},
		GroupID: group,
		Topic:   topic,
	})
	go func() {
		defer reader.Close()
		err := events.Consume(ctx, reader, func(ctx context.Context, event events.Event) error {
			seq, err := strconv.Atoi(event.CertificateID)
			if err != nil {
				return err
			}
			mu.Lock()
			processed[event.SerialNumber] = append(processed[event.SerialNumber], seq)
			mu.Unlock()
			return nil
		})
		if err != nil {
			s.T().Log("consumer stopped:", err)
		}
	}()
}

func count(mu *sync.Mutex, processed map[string][]int) int {
	mu.Lock()
	defer mu.Unlock()
	n := 0
	for _, seq := range processed {
		n += len(seq)
	}
	return n
}

func (s *TransitionOrderTestSuite) TestTransitionOrdering() {
	topic := "transitions." + uuid.New().String()
	s.Require().NoError(s.CreateTopic(topic, 3), "Failed to create topic for test")
	defer s.DeleteTopic(topic)

	expected := s.publish(topic, 100)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mu := &sync.Mutex{}
	processed := map[string][]int{}
	s.consume(ctx, topic, "rotation-test", mu, processed)

	require.Eventually(s.T(), func() bool {
		return count(mu, processed) >= 100
	}, 30*time.Second, 100*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.EqualValues(s.T(), expected, processed, "transitions of a device must arrive in order")
}

func (s *TransitionOrderTestSuite) TestTransitionOrderingConsumerGroups() {
	topic := "transitions." + uuid.New().String()
	s.Require().NoError(s.CreateTopic(topic, 3), "Failed to create topic for test")
	defer s.DeleteTopic(topic)

	expected := s.publish(topic, 100)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mu := &sync.Mutex{}
	processedA := map[string][]int{}
	processedB := map[string][]int{}
	s.consume(ctx, topic, fmt.Sprintf("group-a-%s", topic), mu, processedA)
	s.consume(ctx, topic, fmt.Sprintf("group-b-%s", topic), mu, processedB)

	require.Eventually(s.T(), func() bool {
		return count(mu, processedA) >= 100 && count(mu, processedB) >= 100
	}, 30*time.Second, 100*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.EqualValues(s.T(), expected, processedA, "Processed sequences for group A do not match expected sequences")
	require.EqualValues(s.T(), expected, processedB, "Processed sequences for group B do not match expected sequences")
}
