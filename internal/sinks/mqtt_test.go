package sinks

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardreader/internal/card/models"
	"cardreader/pkg/platform/sentinel"
)

type doneToken struct {
	err  error
	done chan struct{}
}

func newDoneToken(err error) *doneToken {
	t := &doneToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *doneToken) Wait() bool                     { <-t.done; return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Done() <-chan struct{}          { return t.done }
func (t *doneToken) Error() error                   { return t.err }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

// fakeClient implements the paho calls the sink makes; the embedded nil
// interface panics on anything else.
type fakeClient struct {
	paho.Client
	open         bool
	publishErr   error
	published    []published
	disconnected bool
}

func (f *fakeClient) IsConnectionOpen() bool { return f.open }

func (f *fakeClient) Publish(topic string, qos byte, _ bool, payload interface{}) paho.Token {
	f.published = append(f.published, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return newDoneToken(f.publishErr)
}

func (f *fakeClient) Disconnect(uint) { f.disconnected = true }

func TestMQTTSend(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	t.Run("topic follows the event kind", func(t *testing.T) {
		client := &fakeClient{open: true}
		m := newMQTTWithClient(client, "site/door1", logger)

		inserted := models.NewInserted("r1", "s", nil, models.OutputRecord{{Key: "Citizenid", Value: "3100600123450"}})
		require.NoError(t, m.Send(ctx, inserted, []byte("in")))
		require.NoError(t, m.Send(ctx, models.NewRemoved("r1", "s"), []byte("out")))

		require.Len(t, client.published, 2)
		assert.Equal(t, "site/door1/inserted", client.published[0].topic)
		assert.Equal(t, []byte("in"), client.published[0].payload)
		assert.Equal(t, "site/door1/removed", client.published[1].topic)
	})

	t.Run("disconnected broker is unavailable", func(t *testing.T) {
		client := &fakeClient{}
		m := newMQTTWithClient(client, "p", logger)
		err := m.Send(ctx, models.NewRemoved("r1", "s"), []byte("x"))
		require.ErrorIs(t, err, sentinel.ErrUnavailable)
		assert.Empty(t, client.published)
	})

	t.Run("publish error is returned", func(t *testing.T) {
		boom := errors.New("not authorized")
		m := newMQTTWithClient(&fakeClient{open: true, publishErr: boom}, "p", logger)
		require.ErrorIs(t, m.Send(ctx, models.NewRemoved("r1", "s"), []byte("x")), boom)
	})

	t.Run("close disconnects", func(t *testing.T) {
		client := &fakeClient{}
		require.NoError(t, newMQTTWithClient(client, "p", logger).Close())
		assert.True(t, client.disconnected)
	})
}

func TestNewMQTT(t *testing.T) {
	_, err := NewMQTT(MQTTConfig{}, nil)
	require.Error(t, err)

	m, err := NewMQTT(MQTTConfig{Host: "localhost"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "cardreader/inserted", m.Topic("inserted"))

	_, err = NewMQTT(MQTTConfig{Host: "localhost", CACert: "/nonexistent/ca.pem"}, nil)
	require.Error(t, err)
}
