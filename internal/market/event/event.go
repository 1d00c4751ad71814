// Package event defines the envelope the engine emits for every state
// change and the sink interface adapters implement. Events are a one-way
// stream out of the consensus path; nothing in matching depends on them.
package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ecolom-kz/kreel-core/internal/market/model"
)

// Kind enumerates the event types.
type Kind string

const (
	KindOrderPlaced    Kind = "order_placed"
	KindOrderCancelled Kind = "order_cancelled"
	KindOrderExpired   Kind = "order_expired"
	KindOrderCulled    Kind = "order_culled"
	KindFill           Kind = "fill"
	KindPositionUpdate Kind = "position_update"
	KindPositionClosed Kind = "position_closed"
	KindFeedAccepted   Kind = "feed_accepted"
	KindMedianChanged  Kind = "median_changed"
	KindSettleQueued   Kind = "settle_queued"
	KindSettleExecuted Kind = "settle_executed"
	KindGlobalSettle   Kind = "global_settlement"
)

// FillSide tags who stood on each side of a fill.
type FillSide string

const (
	SideLimit  FillSide = "limit"
	SideCall   FillSide = "call"
	SideSettle FillSide = "settle"
	SideFund   FillSide = "fund"
)

// Event is the wire envelope. Payload is exactly one of the typed structs
// below, matching Kind.
type Event struct {
	ID      string    `json:"id"`
	Kind    Kind      `json:"kind"`
	ChainAt time.Time `json:"chain_at"`

	Payload interface{} `json:"payload"`
}

// New stamps an envelope.
func New(kind Kind, chainAt time.Time, payload interface{}) Event {
	return Event{
		ID:      uuid.NewString(),
		Kind:    kind,
		ChainAt: chainAt,
		Payload: payload,
	}
}

// AmountView renders an asset amount for consumers: raw integer plus a
// decimal display string scaled by the asset precision.
type AmountView struct {
	Asset   model.AssetID   `json:"asset"`
	Amount  model.Amount    `json:"amount"`
	Display decimal.Decimal `json:"display"`
}

// ViewAmount builds an AmountView with the given precision.
func ViewAmount(aa model.AssetAmount, precision uint8) AmountView {
	return AmountView{
		Asset:   aa.Asset,
		Amount:  aa.Amount,
		Display: decimal.New(aa.Amount, -int32(precision)),
	}
}

// PriceView renders an exact price plus its decimal approximation.
type PriceView struct {
	BaseAsset   model.AssetID   `json:"base_asset"`
	BaseAmount  model.Amount    `json:"base_amount"`
	QuoteAsset  model.AssetID   `json:"quote_asset"`
	QuoteAmount model.Amount    `json:"quote_amount"`
	Display     decimal.Decimal `json:"display"`
}

// ViewPrice builds a PriceView.
func ViewPrice(p model.Price) PriceView {
	return PriceView{
		BaseAsset:   p.Base.Asset,
		BaseAmount:  p.Base.Amount,
		QuoteAsset:  p.Quote.Asset,
		QuoteAmount: p.Quote.Amount,
		Display:     p.Decimal(),
	}
}

// OrderPayload describes order lifecycle events.
type OrderPayload struct {
	OrderID uint64          `json:"order_id"`
	Owner   model.AccountID `json:"owner"`
	Sell    AmountView      `json:"sell"`
	Price   PriceView       `json:"price"`
}

// FillPayload describes one executed fill.
type FillPayload struct {
	TakerSide FillSide `json:"taker_side"`
	MakerSide FillSide `json:"maker_side"`

	TakerID uint64 `json:"taker_id,omitempty"`
	MakerID uint64 `json:"maker_id,omitempty"`

	TakerOwner model.AccountID `json:"taker_owner"`
	MakerOwner model.AccountID `json:"maker_owner"`

	TakerPays     AmountView `json:"taker_pays"`
	TakerReceives AmountView `json:"taker_receives"`
	Price         PriceView  `json:"price"`

	// MarginCallFee is collateral skimmed past the match price, zero
	// unless a margin call fee ratio is set.
	MarginCallFee model.Amount `json:"margin_call_fee,omitempty"`
	// MarketFee is the receive-side issuer fee charged to each party.
	TakerMarketFee model.Amount `json:"taker_market_fee,omitempty"`
	MakerMarketFee model.Amount `json:"maker_market_fee,omitempty"`
}

// PositionPayload describes debt position changes.
type PositionPayload struct {
	PositionID uint64          `json:"position_id"`
	Owner      model.AccountID `json:"owner"`
	Debt       AmountView      `json:"debt"`
	Collateral AmountView      `json:"collateral"`
}

// FeedPayload describes accepted feeds and median changes.
type FeedPayload struct {
	Asset    model.AssetID   `json:"asset"`
	Producer model.AccountID `json:"producer,omitempty"`
	Price    PriceView       `json:"price"`
	MCR      uint16          `json:"mcr"`
	MSSR     uint16          `json:"mssr"`
}

// SettlePayload describes force settlement lifecycle.
type SettlePayload struct {
	RequestID uint64          `json:"request_id,omitempty"`
	Receipt   string          `json:"receipt,omitempty"`
	Owner     model.AccountID `json:"owner"`
	Settled   AmountView      `json:"settled"`
	Received  AmountView      `json:"received"`
}

// GlobalSettlePayload describes a black swan settlement.
type GlobalSettlePayload struct {
	Asset           model.AssetID `json:"asset"`
	SettlementPrice PriceView     `json:"settlement_price"`
	Fund            model.Amount  `json:"fund"`
	Positions       int           `json:"positions"`
	CollateralFees  model.Amount  `json:"collateral_fees,omitempty"`
}

// Sink consumes events in emission order.
type Sink interface {
	Push(e Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(e Event)

func (f SinkFunc) Push(e Event) { f(e) }

// Discard drops everything.
var Discard Sink = SinkFunc(func(Event) {})

// Multi fans one event out to several sinks.
type Multi []Sink

func (m Multi) Push(e Event) {
	for _, s := range m {
		s.Push(e)
	}
}
