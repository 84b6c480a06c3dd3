package mqtt

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/pulsecheck/internal/classifier"
	"github.com/tphakala/pulsecheck/internal/conf"
	"github.com/tphakala/pulsecheck/internal/errors"
	"github.com/tphakala/pulsecheck/internal/observability/metrics"
	"github.com/tphakala/pulsecheck/internal/quality"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) Connect(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockClient) Publish(ctx context.Context, topic, payload string) error {
	return m.Called(ctx, topic, payload).Error(0)
}

func (m *mockClient) IsConnected() bool {
	return m.Called().Bool(0)
}

func (m *mockClient) Disconnect() {
	m.Called()
}

func newTestMetrics(t *testing.T) *metrics.MQTTMetrics {
	t.Helper()
	m, err := metrics.NewMQTTMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	return m
}

func testAssessment(seq uint64, confidence float64) quality.Assessment {
	return quality.Assessment{
		Result:        quality.Result{Label: quality.LabelAcceptable, Confidence: confidence},
		Seq:           seq,
		Probabilities: classifier.Probabilities{0.2, confidence / 100, 0.8 - confidence/100},
		WindowLength:  512,
		SessionID:     uuid.New(),
		Timestamp:     time.Now(),
	}
}

func TestSinkForwardPublishesPayload(t *testing.T) {
	t.Parallel()
	c := &mockClient{}
	var published string
	c.On("Publish", mock.Anything, "pulsecheck/quality", mock.AnythingOfType("string")).
		Run(func(args mock.Arguments) { published = args.String(2) }).
		Return(nil).Once()

	s := NewSink(c, "pulsecheck/quality", 0, newTestMetrics(t))
	a := testAssessment(3, 55)
	require.NoError(t, s.Forward(t.Context(), &a))
	c.AssertExpectations(t)

	var got quality.Payload
	require.NoError(t, json.Unmarshal([]byte(published), &got))
	assert.Equal(t, uint64(3), got.Seq)
	assert.Equal(t, "acceptable", got.Label)
	assert.InDelta(t, 55.0, got.Confidence, 1e-9)
	assert.Equal(t, 512, got.WindowLength)
	assert.Equal(t, a.SessionID.String(), got.SessionID)
	assert.Len(t, got.Probabilities, 3)
}

func TestSinkSkipsBelowMinConfidence(t *testing.T) {
	t.Parallel()
	c := &mockClient{}
	m := newTestMetrics(t)
	s := NewSink(c, "t", 60, m)

	a := testAssessment(1, 59.9)
	require.NoError(t, s.Forward(t.Context(), &a))

	c.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
	assert.InDelta(t, 1, testutil.ToFloat64(m.MessagesSkipped), 0)
}

func TestSinkCountsPublishErrors(t *testing.T) {
	t.Parallel()
	c := &mockClient{}
	c.On("Publish", mock.Anything, "t", mock.Anything).Return(errors.NewStd("broker gone")).Once()
	m := newTestMetrics(t)
	s := NewSink(c, "t", 0, m)

	a := testAssessment(1, 90)
	require.Error(t, s.Forward(t.Context(), &a))
	assert.InDelta(t, 1, testutil.ToFloat64(m.Errors), 0)
}

func TestSinkRunDrainsSubscription(t *testing.T) {
	t.Parallel()
	c := &mockClient{}
	c.On("Publish", mock.Anything, "t", mock.Anything).Return(nil).Times(2)
	s := NewSink(c, "t", 0, newTestMetrics(t))

	pub := quality.NewPublisher()
	updates, cancel := pub.Subscribe(4)
	require.True(t, pub.Publish(testAssessment(0, 70), 1))
	require.True(t, pub.Publish(testAssessment(0, 71), 2))
	cancel()

	require.NoError(t, s.Run(t.Context(), updates))
	c.AssertExpectations(t)
}

func TestSinkRunStopsOnContext(t *testing.T) {
	t.Parallel()
	s := NewSink(&mockClient{}, "t", 0, newTestMetrics(t))
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	require.NoError(t, s.Run(ctx, make(chan quality.Assessment)))
}

func TestConfigFromSettings(t *testing.T) {
	t.Parallel()
	cfg := ConfigFromSettings(&conf.MQTTSettings{
		Broker:   "tcp://broker:1883",
		ClientID: "pulse",
		Topic:    "ppg/quality",
		Retain:   true,
	})
	assert.Equal(t, "tcp://broker:1883", cfg.Broker)
	assert.Equal(t, "pulse", cfg.ClientID)
	assert.Equal(t, "ppg/quality", cfg.Topic)
	assert.True(t, cfg.Retain)
	assert.Equal(t, DefaultConfig().PublishTimeout, cfg.PublishTimeout)
}

func TestNewClientValidates(t *testing.T) {
	t.Parallel()
	_, err := NewClient(Config{}, newTestMetrics(t))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))

	_, err = NewClient(Config{Broker: "tcp://127.0.0.1:1883"}, nil)
	require.Error(t, err)
}

func TestPublishWhileDisconnected(t *testing.T) {
	t.Parallel()
	c, err := NewClient(Config{Broker: "tcp://127.0.0.1:1883"}, newTestMetrics(t))
	require.NoError(t, err)
	defer c.Disconnect()

	assert.False(t, c.IsConnected())
	err = c.Publish(t.Context(), "t", "{}")
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryMQTTConnection))
}

func TestConnectUnreachableBrokerAndCooldown(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Broker = "tcp://127.0.0.1:1"
	cfg.ClientID = "pulsecheck-test"
	cfg.ConnectTimeout = 2 * time.Second
	m := newTestMetrics(t)
	c, err := NewClient(cfg, m)
	require.NoError(t, err)
	defer c.Disconnect()

	err = c.Connect(t.Context())
	require.Error(t, err)
	assert.False(t, c.IsConnected())

	err = c.Connect(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too recent")
	assert.InDelta(t, 0, testutil.ToFloat64(m.ConnectionStatus), 0)
}
