package order

import (
	"time"

	"github.com/google/uuid"
)

// Side 买卖方向
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Kind 订单类型
type Kind string

const (
	KindMarket Kind = "MARKET"
	KindLimit  Kind = "LIMIT"
)

// Status 订单生命周期状态
type Status string

const (
	StatusPendingSubmit    Status = "PENDING_SUBMIT"    // 已登记，尚未提交到券商
	StatusSubmitted        Status = "SUBMITTED"         // 券商已确认接收
	StatusPartiallyFilled  Status = "PARTIALLY_FILLED"  // 部分成交
	StatusFilled           Status = "FILLED"            // 全部成交（终态）
	StatusRejected         Status = "REJECTED"          // 券商拒绝（终态）
	StatusCancelled        Status = "CANCELLED"         // 已撤销（终态）
	StatusRetryQueued      Status = "RETRY_QUEUED"      // 可恢复失败，等待重试
	StatusManuallyModified Status = "MANUALLY_MODIFIED" // 检测到券商侧人工改单
)

// TrackedOrder 是引擎跟踪的订单记录：本地意图 + 最近一次同步到的券商侧事实。
type TrackedOrder struct {
	// 身份
	LocalOrderID  string // 引擎分配，唯一且不可变
	BrokerOrderID string // 券商确认后分配，确认前为空；一经设置不再变化
	OwnerUserID   string // 所属用户，不可变，所有读写按其隔离

	// 标的与意图
	Symbol           string
	Side             Side
	Kind             Kind
	TimeInForce      string
	Venue            string
	IntendedQuantity int64
	IntendedPrice    float64 // 市价单为 0

	// 改单检测基准：引擎提交时的原始值，券商侧被改后仍保留
	OriginalQuantity int64
	OriginalPrice    float64

	// 券商侧事实
	FilledQuantity int64
	AvgFillPrice   float64
	BrokerQuantity int64   // 券商当前报告的数量
	BrokerPrice    float64 // 券商当前报告的价格

	// 状态与簿记
	Status      Status
	RetryCount  int
	LastError   string
	LastSyncAt  time.Time
	SubmittedAt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewLocalOrderID 生成引擎侧订单 ID。
func NewLocalOrderID() string {
	return "loc-" + uuid.NewString()
}

// IsTerminal 判断是否处于终态。
func (o *TrackedOrder) IsTerminal() bool {
	switch o.Status {
	case StatusFilled, StatusRejected, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsActive 非终态即视为活跃，需要参与对账。
func (o *TrackedOrder) IsActive() bool {
	return !o.IsTerminal()
}

// RemainingQuantity 返回未成交数量。
func (o *TrackedOrder) RemainingQuantity() int64 {
	rem := o.IntendedQuantity - o.FilledQuantity
	if rem < 0 {
		return 0
	}
	return rem
}

// Clone 返回深拷贝，避免调用方持有 store 内部指针。
func (o *TrackedOrder) Clone() *TrackedOrder {
	cp := *o
	return &cp
}
