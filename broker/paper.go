package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"signal-trader-go/order"
)

// Compile-time interface checks.
var _ API = (*PaperBroker)(nil)
var _ Authenticated = (*PaperBroker)(nil)

// PaperBroker 确定性的内存券商，测试与冒烟演练用。
// 提供注入成交/撤单/人工改单的钩子。
type PaperBroker struct {
	mu       sync.Mutex
	nextID   int
	orders   map[string]*BrokerOrder
	holdings map[string]*Holding
	cash     float64
	loggedIn bool

	// 故障注入
	failNext       error
	failEverything error
}

// NewPaperBroker 创建纸面券商，cash 为初始可用资金（<=0 表示不校验资金）。
func NewPaperBroker(cash float64) *PaperBroker {
	return &PaperBroker{
		orders:   make(map[string]*BrokerOrder),
		holdings: make(map[string]*Holding),
		cash:     cash,
	}
}

// Login 实现 Authenticated。
func (p *PaperBroker) Login(_ context.Context) (time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loggedIn = true
	return time.Now().Add(12 * time.Hour), nil
}

// Logout 实现 Authenticated。
func (p *PaperBroker) Logout(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loggedIn = false
	return nil
}

// FailNext 令下一次调用返回 err。
func (p *PaperBroker) FailNext(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext = err
}

// FailAll 令此后所有调用返回 err，传 nil 恢复。
func (p *PaperBroker) FailAll(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failEverything = err
}

func (p *PaperBroker) takeInjected() error {
	if p.failEverything != nil {
		return p.failEverything
	}
	if p.failNext != nil {
		err := p.failNext
		p.failNext = nil
		return err
	}
	return nil
}

// SubmitOrder 实现 API。
func (p *PaperBroker) SubmitOrder(_ context.Context, req OrderRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeInjected(); err != nil {
		return "", err
	}
	if req.Quantity <= 0 {
		return "", NewFatal(CodeInvalidInstrument, "quantity must be positive", nil)
	}
	if req.Side == order.SideBuy && p.cash > 0 {
		cost := req.LimitPrice * float64(req.Quantity)
		if cost > p.cash {
			return "", NewBusiness(CodeInsufficientFunds, "insufficient funds", nil)
		}
		p.cash -= cost
	}

	p.nextID++
	id := fmt.Sprintf("P-%06d", p.nextID)
	p.orders[id] = &BrokerOrder{
		BrokerOrderID: id,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Kind:          req.Kind,
		Status:        BrokerStatusOpen,
		Quantity:      req.Quantity,
		LimitPrice:    req.LimitPrice,
		UpdatedAt:     time.Now().UTC(),
	}
	return id, nil
}

// CancelOrder 实现 API。
func (p *PaperBroker) CancelOrder(_ context.Context, brokerOrderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeInjected(); err != nil {
		return err
	}
	o, ok := p.orders[brokerOrderID]
	if !ok {
		return ErrOrderNotFound
	}
	if !o.Open() {
		return NewFatal(CodeOrderNotFound, "order already closed", nil)
	}
	o.Status = BrokerStatusCancelled
	o.UpdatedAt = time.Now().UTC()
	return nil
}

// QueryOrder 实现 API。
func (p *PaperBroker) QueryOrder(_ context.Context, brokerOrderID string) (*BrokerOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeInjected(); err != nil {
		return nil, err
	}
	o, ok := p.orders[brokerOrderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

// QueryBook 实现 API。快照在锁内组装，天然一致。
func (p *PaperBroker) QueryBook(_ context.Context) (*Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeInjected(); err != nil {
		return nil, err
	}
	snap := &Snapshot{TakenAt: time.Now().UTC()}
	for _, o := range p.orders {
		if o.Open() {
			snap.Orders = append(snap.Orders, *o)
		}
	}
	for _, h := range p.holdings {
		snap.Holdings = append(snap.Holdings, *h)
	}
	return snap, nil
}

// Fill 注入成交：qty<=0 表示全部剩余数量。price 为成交价。
func (p *PaperBroker) Fill(brokerOrderID string, qty int64, price float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[brokerOrderID]
	if !ok {
		return ErrOrderNotFound
	}
	remaining := o.Quantity - o.FilledQuantity
	if qty <= 0 || qty > remaining {
		qty = remaining
	}
	prevNotional := o.AvgFillPrice * float64(o.FilledQuantity)
	o.FilledQuantity += qty
	o.AvgFillPrice = (prevNotional + price*float64(qty)) / float64(o.FilledQuantity)
	if o.FilledQuantity >= o.Quantity {
		o.Status = BrokerStatusFilled
	} else {
		o.Status = BrokerStatusPartiallyFilled
	}
	o.UpdatedAt = time.Now().UTC()

	p.applyFillToHoldings(o.Symbol, o.Side, qty, price)
	return nil
}

// Reject 注入券商侧拒绝。
func (p *PaperBroker) Reject(brokerOrderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[brokerOrderID]
	if !ok {
		return ErrOrderNotFound
	}
	o.Status = BrokerStatusRejected
	o.UpdatedAt = time.Now().UTC()
	return nil
}

// Modify 模拟在券商界面手工改价/改量。
func (p *PaperBroker) Modify(brokerOrderID string, price float64, qty int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[brokerOrderID]
	if !ok {
		return ErrOrderNotFound
	}
	if price > 0 {
		o.LimitPrice = price
	}
	if qty > 0 {
		o.Quantity = qty
	}
	o.UpdatedAt = time.Now().UTC()
	return nil
}

// Drop 从簿上彻底移除订单，模拟券商查无此单。
func (p *PaperBroker) Drop(brokerOrderID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.orders, brokerOrderID)
}

func (p *PaperBroker) applyFillToHoldings(symbol string, side order.Side, qty int64, price float64) {
	h, ok := p.holdings[symbol]
	if !ok {
		h = &Holding{Symbol: symbol}
		p.holdings[symbol] = h
	}
	if side == order.SideBuy {
		prevNotional := h.AvgPrice * float64(h.Quantity)
		h.Quantity += qty
		h.AvgPrice = (prevNotional + price*float64(qty)) / float64(h.Quantity)
	} else {
		h.Quantity -= qty
		if h.Quantity <= 0 {
			delete(p.holdings, symbol)
		}
	}
}
