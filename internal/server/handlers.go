package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/ecolom-kz/kreel-core/internal/market/engine"
	"github.com/ecolom-kz/kreel-core/internal/market/event"
	"github.com/ecolom-kz/kreel-core/internal/market/model"
	"github.com/ecolom-kz/kreel-core/pkg/errors"
)

// amountRef names an asset and a decimal amount in request bodies.
type amountRef struct {
	Asset  string `json:"asset" binding:"required"`
	Amount string `json:"amount" binding:"required"`
}

// parseAmount scales a decimal string by the asset precision. Amounts
// finer than the precision are rejected rather than silently truncated.
func parseAmount(a *model.Asset, s string) (model.Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, errors.Validation("amount %q is not a decimal", s)
	}
	scaled := d.Shift(int32(a.Precision))
	if !scaled.IsInteger() {
		return 0, errors.Validation("amount %q is finer than %s precision %d",
			s, a.Symbol, a.Precision)
	}
	if !scaled.BigInt().IsInt64() {
		return 0, errors.Validation("amount %q does not fit", s)
	}
	return scaled.IntPart(), nil
}

func resolveAmount(e *engine.Engine, ref amountRef) (*model.Asset, model.Amount, error) {
	a, err := e.AssetBySymbol(ref.Asset)
	if err != nil {
		return nil, 0, err
	}
	amt, err := parseAmount(a, ref.Amount)
	if err != nil {
		return nil, 0, err
	}
	return a, amt, nil
}

type assetView struct {
	Symbol           string           `json:"symbol"`
	Precision        uint8            `json:"precision"`
	MarketFeePercent uint16           `json:"market_fee_percent"`
	CurrentSupply    event.AmountView `json:"current_supply"`
	Bitasset         *bitassetView    `json:"bitasset,omitempty"`
}

type bitassetView struct {
	Backing        string           `json:"backing"`
	Median         *feedView        `json:"median,omitempty"`
	HasSettlement  bool             `json:"has_settlement"`
	SettlementFund event.AmountView `json:"settlement_fund,omitempty"`
	CollateralFees model.Amount     `json:"collateral_fees,omitempty"`
}

type feedView struct {
	Price event.PriceView `json:"price"`
	MCR   uint16          `json:"mcr"`
	MSSR  uint16          `json:"mssr"`
}

func viewFeed(f model.PriceFeed) feedView {
	return feedView{
		Price: event.ViewPrice(f.SettlementPrice),
		MCR:   f.MaintenanceCollateralRatio,
		MSSR:  f.MaxShortSqueezeRatio,
	}
}

func viewAsset(e *engine.Engine, a *model.Asset) assetView {
	v := assetView{
		Symbol:           a.Symbol,
		Precision:        a.Precision,
		MarketFeePercent: a.MarketFeePercent,
		CurrentSupply: event.ViewAmount(
			model.AssetAmount{Asset: a.ID, Amount: a.CurrentSupply}, a.Precision),
	}
	if ba := a.Bitasset; ba != nil {
		backing, err := e.AssetByID(ba.Backing)
		bv := &bitassetView{
			HasSettlement: ba.HasSettlement,
			SettlementFund: event.ViewAmount(
				model.AssetAmount{Asset: ba.Backing, Amount: ba.SettlementFund},
				precisionOf(e, ba.Backing)),
			CollateralFees: ba.AccumulatedCollateralFees,
		}
		if err == nil {
			bv.Backing = backing.Symbol
		}
		if ba.CurrentFeed != nil {
			fv := viewFeed(*ba.CurrentFeed)
			bv.Median = &fv
		}
		v.Bitasset = bv
	}
	return v
}

func precisionOf(e *engine.Engine, id model.AssetID) uint8 {
	if a, err := e.AssetByID(id); err == nil {
		return a.Precision
	}
	return 0
}

type orderView struct {
	ID      uint64           `json:"id"`
	Owner   model.AccountID  `json:"owner"`
	ForSale event.AmountView `json:"for_sale"`
	Price   event.PriceView  `json:"price"`
	Expires *time.Time       `json:"expires,omitempty"`
}

func viewOrder(e *engine.Engine, o *model.LimitOrder) orderView {
	v := orderView{
		ID:    o.ID,
		Owner: o.Owner,
		ForSale: event.ViewAmount(
			model.AssetAmount{Asset: o.SellPrice.Base.Asset, Amount: o.ForSale},
			precisionOf(e, o.SellPrice.Base.Asset)),
		Price: event.ViewPrice(o.SellPrice),
	}
	if !o.Expiration.IsZero() {
		exp := o.Expiration
		v.Expires = &exp
	}
	return v
}

type positionView struct {
	ID         uint64           `json:"id"`
	Owner      model.AccountID  `json:"owner"`
	Debt       event.AmountView `json:"debt"`
	Collateral event.AmountView `json:"collateral"`
	TargetCR   uint16           `json:"target_collateral_ratio,omitempty"`
}

func viewPosition(e *engine.Engine, p *model.CallPosition) positionView {
	return positionView{
		ID:    p.ID,
		Owner: p.Owner,
		Debt: event.ViewAmount(p.Debt,
			precisionOf(e, p.Debt.Asset)),
		Collateral: event.ViewAmount(p.Collateral,
			precisionOf(e, p.Collateral.Asset)),
		TargetCR: p.TargetCollateralRatio,
	}
}

func (s *Server) handleAssets(c *gin.Context) {
	var out []assetView
	s.node.View(func(e *engine.Engine) {
		for _, sym := range e.Symbols() {
			if a, err := e.AssetBySymbol(sym); err == nil {
				out = append(out, viewAsset(e, a))
			}
		}
	})
	c.JSON(http.StatusOK, gin.H{"assets": out})
}

func (s *Server) handleAsset(c *gin.Context) {
	var view assetView
	ok := false
	s.node.View(func(e *engine.Engine) {
		a, found := lookupAsset(c, e, c.Param("symbol"))
		if !found {
			return
		}
		view, ok = viewAsset(e, a), true
	})
	if ok {
		c.JSON(http.StatusOK, view)
	}
}

// handleBook lists both sides of a pair: asks sell base for quote, bids
// sell quote for base.
func (s *Server) handleBook(c *gin.Context) {
	var asks, bids []orderView
	ok := false
	s.node.View(func(e *engine.Engine) {
		base, found := lookupAsset(c, e, c.Param("base"))
		if !found {
			return
		}
		quote, found := lookupAsset(c, e, c.Param("quote"))
		if !found {
			return
		}
		for _, o := range e.Orders(base.ID, quote.ID) {
			asks = append(asks, viewOrder(e, o))
		}
		for _, o := range e.Orders(quote.ID, base.ID) {
			bids = append(bids, viewOrder(e, o))
		}
		ok = true
	})
	if ok {
		c.JSON(http.StatusOK, gin.H{"asks": asks, "bids": bids})
	}
}

func (s *Server) handleCalls(c *gin.Context) {
	var out []positionView
	ok := false
	s.node.View(func(e *engine.Engine) {
		a, found := lookupAsset(c, e, c.Param("symbol"))
		if !found {
			return
		}
		positions, err := e.Positions(a.ID)
		if err != nil {
			abortErr(c, err)
			return
		}
		for _, p := range positions {
			out = append(out, viewPosition(e, p))
		}
		ok = true
	})
	if ok {
		c.JSON(http.StatusOK, gin.H{"positions": out})
	}
}

func (s *Server) handleFeeds(c *gin.Context) {
	var median *feedView
	var producers []feedView
	ok := false
	s.node.View(func(e *engine.Engine) {
		a, found := lookupAsset(c, e, c.Param("symbol"))
		if !found {
			return
		}
		feeds, err := e.CurrentFeeds(a.ID)
		if err != nil {
			abortErr(c, err)
			return
		}
		for _, f := range feeds {
			producers = append(producers, viewFeed(f))
		}
		if ba := a.Bitasset; ba != nil && ba.CurrentFeed != nil {
			fv := viewFeed(*ba.CurrentFeed)
			median = &fv
		}
		ok = true
	})
	if ok {
		c.JSON(http.StatusOK, gin.H{"median": median, "feeds": producers})
	}
}

type settleRequestView struct {
	Receipt  string           `json:"receipt"`
	Owner    model.AccountID  `json:"owner"`
	Amount   event.AmountView `json:"amount"`
	SettleAt time.Time        `json:"settle_at"`
}

func (s *Server) handleSettlements(c *gin.Context) {
	var body gin.H
	s.node.View(func(e *engine.Engine) {
		a, found := lookupAsset(c, e, c.Param("symbol"))
		if !found {
			return
		}
		ba := a.Bitasset
		if ba == nil {
			abortErr(c, errors.Validation("%s is not a collateralized asset", a.Symbol))
			return
		}

		var requests []settleRequestView
		for _, r := range e.SettleRequests() {
			if r.Amount.Asset != a.ID {
				continue
			}
			requests = append(requests, settleRequestView{
				Receipt:  r.Receipt,
				Owner:    r.Owner,
				Amount:   event.ViewAmount(r.Amount, a.Precision),
				SettleAt: r.SettleAt,
			})
		}

		body = gin.H{
			"has_settlement": ba.HasSettlement,
			"settlement_fund": event.ViewAmount(
				model.AssetAmount{Asset: ba.Backing, Amount: ba.SettlementFund},
				precisionOf(e, ba.Backing)),
			"settled_volume": ba.ForceSettledVolume,
			"requests":       requests,
		}
		if ba.HasSettlement {
			body["settlement_price"] = event.ViewPrice(ba.SettlementPrice)
		}
	})
	if body != nil {
		c.JSON(http.StatusOK, body)
	}
}

func (s *Server) handleDigest(c *gin.Context) {
	var digest string
	s.node.View(func(e *engine.Engine) {
		digest = e.StateDigest()
	})
	c.JSON(http.StatusOK, gin.H{"digest": digest})
}

func (s *Server) handleFills(c *gin.Context) {
	if s.fills == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "journal disabled"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	rows, err := s.fills.Fills(limit)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"fills": rows})
}

type placeOrderRequest struct {
	Owner           string    `json:"owner" binding:"required"`
	Sell            amountRef `json:"sell" binding:"required"`
	MinReceive      amountRef `json:"min_receive" binding:"required"`
	LifetimeSeconds int64     `json:"lifetime_seconds" binding:"min=0"`
}

func (s *Server) handlePlaceOrder(c *gin.Context) {
	var req placeOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortErr(c, errors.Wrap(errors.KindValidation, err, "bad order request"))
		return
	}

	var orderID uint64
	var open bool
	err := s.node.Apply(func(e *engine.Engine) error {
		sellAsset, sellAmt, err := resolveAmount(e, req.Sell)
		if err != nil {
			return err
		}
		recvAsset, recvAmt, err := resolveAmount(e, req.MinReceive)
		if err != nil {
			return err
		}
		var expiration time.Time
		if req.LifetimeSeconds > 0 {
			expiration = e.Now().Add(time.Duration(req.LifetimeSeconds) * time.Second)
		}
		orderID, err = e.PlaceLimitOrder(model.AccountID(req.Owner),
			model.AssetAmount{Asset: sellAsset.ID, Amount: sellAmt},
			model.AssetAmount{Asset: recvAsset.ID, Amount: recvAmt},
			expiration)
		if err != nil {
			return err
		}
		open = e.FindOrder(orderID) != nil
		return nil
	})
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": orderID, "open": open})
}

func (s *Server) handleCancelOrder(c *gin.Context) {
	owner := c.Query("owner")
	if owner == "" {
		abortErr(c, errors.Validation("owner query parameter required"))
		return
	}
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		abortErr(c, errors.Validation("bad order id %q", c.Param("id")))
		return
	}

	err = s.node.Apply(func(e *engine.Engine) error {
		return e.CancelLimitOrder(model.AccountID(owner), id)
	})
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": id})
}

type adjustPositionRequest struct {
	Owner           string  `json:"owner" binding:"required"`
	Asset           string  `json:"asset" binding:"required"`
	DebtDelta       string  `json:"debt_delta" binding:"required"`
	CollateralDelta string  `json:"collateral_delta" binding:"required"`
	TargetCR        *uint16 `json:"target_collateral_ratio,omitempty"`
}

func (s *Server) handleAdjustPosition(c *gin.Context) {
	var req adjustPositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortErr(c, errors.Wrap(errors.KindValidation, err, "bad position request"))
		return
	}

	var positionID uint64
	err := s.node.Apply(func(e *engine.Engine) error {
		a, err := e.AssetBySymbol(req.Asset)
		if err != nil {
			return err
		}
		ba := a.Bitasset
		if ba == nil {
			return errors.Validation("%s is not a collateralized asset", a.Symbol)
		}
		debtDelta, err := parseAmount(a, req.DebtDelta)
		if err != nil {
			return err
		}
		backing, err := e.AssetByID(ba.Backing)
		if err != nil {
			return err
		}
		collDelta, err := parseAmount(backing, req.CollateralDelta)
		if err != nil {
			return err
		}
		positionID, err = e.AdjustDebtPosition(model.AccountID(req.Owner),
			a.ID, debtDelta, collDelta, req.TargetCR)
		return err
	})
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"position_id": positionID})
}

type publishFeedRequest struct {
	Producer         string `json:"producer" binding:"required"`
	Asset            string `json:"asset" binding:"required"`
	DebtAmount       string `json:"debt_amount" binding:"required"`
	CollateralAmount string `json:"collateral_amount" binding:"required"`
	MCR              uint16 `json:"mcr" binding:"required"`
	MSSR             uint16 `json:"mssr" binding:"required"`
}

func (s *Server) handlePublishFeed(c *gin.Context) {
	var req publishFeedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortErr(c, errors.Wrap(errors.KindValidation, err, "bad feed request"))
		return
	}

	err := s.node.Apply(func(e *engine.Engine) error {
		a, err := e.AssetBySymbol(req.Asset)
		if err != nil {
			return err
		}
		ba := a.Bitasset
		if ba == nil {
			return errors.Validation("%s is not a collateralized asset", a.Symbol)
		}
		backing, err := e.AssetByID(ba.Backing)
		if err != nil {
			return err
		}
		debt, err := parseAmount(a, req.DebtAmount)
		if err != nil {
			return err
		}
		coll, err := parseAmount(backing, req.CollateralAmount)
		if err != nil {
			return err
		}
		return e.PublishFeed(model.AccountID(req.Producer), a.ID, model.PriceFeed{
			SettlementPrice: model.Price{
				Base:  model.AssetAmount{Asset: a.ID, Amount: debt},
				Quote: model.AssetAmount{Asset: backing.ID, Amount: coll},
			},
			MaintenanceCollateralRatio: req.MCR,
			MaxShortSqueezeRatio:       req.MSSR,
		})
	})
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": true})
}

type forceSettleRequest struct {
	Owner  string `json:"owner" binding:"required"`
	Asset  string `json:"asset" binding:"required"`
	Amount string `json:"amount" binding:"required"`
}

func (s *Server) handleForceSettle(c *gin.Context) {
	var req forceSettleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortErr(c, errors.Wrap(errors.KindValidation, err, "bad settle request"))
		return
	}

	var receipt string
	err := s.node.Apply(func(e *engine.Engine) error {
		a, amt, err := resolveAmount(e, amountRef{Asset: req.Asset, Amount: req.Amount})
		if err != nil {
			return err
		}
		receipt, err = e.ForceSettle(model.AccountID(req.Owner),
			model.AssetAmount{Asset: a.ID, Amount: amt})
		return err
	})
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipt": receipt})
}
