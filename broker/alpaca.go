package broker

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"signal-trader-go/order"
)

// Compile-time interface check.
var _ API = (*AlpacaBroker)(nil)

// AlpacaBroker 把窄接口映射到 Alpaca v3 SDK。鉴权基于 API key，
// 无显式会话，因此不实现 Authenticated。
type AlpacaBroker struct {
	client  *alpaca.Client
	limiter RateLimiter
}

// NewAlpacaBroker 创建 Alpaca 适配器。limiter 可为 nil。
func NewAlpacaBroker(apiKey, apiSecret, baseURL string, limiter RateLimiter) *AlpacaBroker {
	if limiter == nil {
		limiter = NopLimiter{}
	}
	return &AlpacaBroker{
		client: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
		limiter: limiter,
	}
}

// SubmitOrder 实现 API。
func (b *AlpacaBroker) SubmitOrder(_ context.Context, req OrderRequest) (string, error) {
	b.limiter.Wait()

	qty := decimal.NewFromInt(req.Quantity)
	placeReq := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          alpacaSide(req.Side),
		Type:          alpacaType(req.Kind),
		TimeInForce:   alpacaTIF(req.TimeInForce),
		ClientOrderID: req.ClientOrderID,
	}
	if req.Kind == order.KindLimit {
		lp := decimal.NewFromFloat(req.LimitPrice)
		placeReq.LimitPrice = &lp
	}

	placed, err := b.client.PlaceOrder(placeReq)
	if err != nil {
		return "", classifyAlpacaErr("submit", err)
	}
	return placed.ID, nil
}

// CancelOrder 实现 API。
func (b *AlpacaBroker) CancelOrder(_ context.Context, brokerOrderID string) error {
	b.limiter.Wait()
	if err := b.client.CancelOrder(brokerOrderID); err != nil {
		return classifyAlpacaErr("cancel", err)
	}
	return nil
}

// QueryOrder 实现 API。
func (b *AlpacaBroker) QueryOrder(_ context.Context, brokerOrderID string) (*BrokerOrder, error) {
	b.limiter.Wait()
	o, err := b.client.GetOrder(brokerOrderID)
	if err != nil {
		return nil, classifyAlpacaErr("query_order", err)
	}
	mapped := mapAlpacaOrder(o)
	return &mapped, nil
}

// QueryBook 实现 API。开放订单与持仓取自两次调用，但在同一轮
// 对账 pass 内只取一次，作为该 pass 的一致快照使用。
func (b *AlpacaBroker) QueryBook(_ context.Context) (*Snapshot, error) {
	b.limiter.Wait()
	openOrders, err := b.client.GetOrders(alpaca.GetOrdersRequest{
		Status: "open",
		Limit:  500,
	})
	if err != nil {
		return nil, classifyAlpacaErr("query_book", err)
	}

	b.limiter.Wait()
	positions, err := b.client.GetPositions()
	if err != nil {
		return nil, classifyAlpacaErr("query_positions", err)
	}

	snap := &Snapshot{TakenAt: time.Now().UTC()}
	for i := range openOrders {
		snap.Orders = append(snap.Orders, mapAlpacaOrder(&openOrders[i]))
	}
	for _, p := range positions {
		qty, _ := p.Qty.Float64()
		avg, _ := p.AvgEntryPrice.Float64()
		snap.Holdings = append(snap.Holdings, Holding{
			Symbol:   p.Symbol,
			Quantity: int64(qty),
			AvgPrice: avg,
		})
	}
	return snap, nil
}

func mapAlpacaOrder(o *alpaca.Order) BrokerOrder {
	mapped := BrokerOrder{
		BrokerOrderID: o.ID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          order.SideBuy,
		Kind:          order.KindMarket,
		Status:        mapAlpacaStatus(o.Status),
		UpdatedAt:     o.UpdatedAt,
	}
	if o.Side == alpaca.Sell {
		mapped.Side = order.SideSell
	}
	if o.Type == alpaca.Limit {
		mapped.Kind = order.KindLimit
	}
	if o.Qty != nil {
		q, _ := o.Qty.Float64()
		mapped.Quantity = int64(q)
	}
	if o.LimitPrice != nil {
		mapped.LimitPrice, _ = o.LimitPrice.Float64()
	}
	fq, _ := o.FilledQty.Float64()
	mapped.FilledQuantity = int64(fq)
	if o.FilledAvgPrice != nil {
		mapped.AvgFillPrice, _ = o.FilledAvgPrice.Float64()
	}
	return mapped
}

func mapAlpacaStatus(status string) BrokerStatus {
	switch strings.ToLower(status) {
	case "filled":
		return BrokerStatusFilled
	case "partially_filled":
		return BrokerStatusPartiallyFilled
	case "canceled", "expired", "done_for_day", "replaced":
		return BrokerStatusCancelled
	case "rejected", "suspended", "stopped":
		return BrokerStatusRejected
	default:
		// new / accepted / pending_new / accepted_for_bidding
		return BrokerStatusOpen
	}
}

func alpacaSide(s order.Side) alpaca.Side {
	if s == order.SideSell {
		return alpaca.Sell
	}
	return alpaca.Buy
}

func alpacaType(k order.Kind) alpaca.OrderType {
	if k == order.KindLimit {
		return alpaca.Limit
	}
	return alpaca.Market
}

func alpacaTIF(tif string) alpaca.TimeInForce {
	switch strings.ToUpper(tif) {
	case "GTC":
		return alpaca.GTC
	case "IOC":
		return alpaca.IOC
	case "FOK":
		return alpaca.FOK
	default:
		return alpaca.Day
	}
}

func classifyAlpacaErr(op string, err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		msg := strings.ToLower(apiErr.Message)
		switch {
		case apiErr.StatusCode == 429:
			return NewTransient(CodeRateLimited, op+" rate limited", err)
		case apiErr.StatusCode >= 500:
			return NewTransient(CodeUnavailable, op+" broker unavailable", err)
		case strings.Contains(msg, "insufficient"):
			return NewBusiness(CodeInsufficientFunds, op+" insufficient buying power", err)
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			return NewFatal(CodeAuthFailed, op+" auth failed", err)
		case apiErr.StatusCode == 404:
			return ErrOrderNotFound
		case apiErr.StatusCode == 422:
			return NewFatal(CodeInvalidInstrument, op+" rejected by validation", err)
		}
	}
	// 网络层错误走 ClassOf 的缺省归类
	return err
}
