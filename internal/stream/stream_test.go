package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ecolom-kz/kreel-core/internal/market/event"
	"github.com/ecolom-kz/kreel-core/internal/market/model"
)

type captureBackend struct {
	channel string
	msgs    [][]byte
	err     error
}

func (c *captureBackend) Publish(_ context.Context, channel string, msg interface{}) error {
	if c.err != nil {
		return c.err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.channel = channel
	c.msgs = append(c.msgs, data)
	return nil
}

func (c *captureBackend) Close() error { return nil }

func TestBroadcasterPublishesEnvelope(t *testing.T) {
	backend := &captureBackend{}
	b := NewBroadcaster(zap.NewNop(), backend, nil, "")

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	b.Push(event.New(event.KindFill, at, event.FillPayload{
		TakerSide:  event.SideLimit,
		MakerSide:  event.SideCall,
		TakerID:    7,
		TakerOwner: "alice",
		MakerOwner: "bob",
		TakerPays:  event.ViewAmount(model.AssetAmount{Asset: 2, Amount: 70000}, 4),
		TakerReceives: event.ViewAmount(
			model.AssetAmount{Asset: 1, Amount: 77000}, 5),
	}))

	require.Len(t, backend.msgs, 1)
	assert.Equal(t, "kreel.events", backend.channel)

	var got struct {
		ID      string    `json:"id"`
		Kind    string    `json:"kind"`
		ChainAt time.Time `json:"chain_at"`
		Payload struct {
			TakerSide string `json:"taker_side"`
			TakerID   uint64 `json:"taker_id"`
			TakerPays struct {
				Asset   uint32 `json:"asset"`
				Amount  int64  `json:"amount"`
				Display string `json:"display"`
			} `json:"taker_pays"`
		} `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(backend.msgs[0], &got))
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, "fill", got.Kind)
	assert.True(t, got.ChainAt.Equal(at))
	assert.Equal(t, "limit", got.Payload.TakerSide)
	assert.Equal(t, uint64(7), got.Payload.TakerID)
	assert.Equal(t, int64(70000), got.Payload.TakerPays.Amount)
	assert.Equal(t, "7", got.Payload.TakerPays.Display)
}

func TestBroadcasterSurvivesBackendFailure(t *testing.T) {
	backend := &captureBackend{err: assert.AnError}
	b := NewBroadcaster(zap.NewNop(), backend, nil, "events")

	// Must not panic or propagate; the stream is best effort.
	b.Push(event.New(event.KindOrderPlaced, time.Now(), event.OrderPayload{OrderID: 1}))
	assert.Empty(t, backend.msgs)
}

func TestHubBroadcastReachesSubscriber(t *testing.T) {
	hub := NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.Serve))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Registration is asynchronous to the upgrade response.
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	hub.Broadcast([]byte(`{"kind":"fill"}`))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"fill"}`, string(data))
}
