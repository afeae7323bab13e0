package order

import (
	"errors"
	"fmt"
	"sync"
)

// ErrTerminalRegression 终态回退属于编程错误，调用方必须放弃本次写入。
var ErrTerminalRegression = errors.New("terminal status cannot regress")

// ErrIllegalTransition 非法状态转换。
var ErrIllegalTransition = errors.New("illegal state transition")

// StateTransition 状态转换
type StateTransition struct {
	From Status
	To   Status
}

// StateMachine 订单状态机。所有状态变更必须先通过 ValidateTransition。
type StateMachine struct {
	transitions map[StateTransition]bool
	mu          sync.RWMutex
}

// NewStateMachine 创建新的状态机
func NewStateMachine() *StateMachine {
	sm := &StateMachine{
		transitions: make(map[StateTransition]bool),
	}
	sm.initializeTransitions()
	return sm
}

// initializeTransitions 初始化所有合法的状态转换
func (sm *StateMachine) initializeTransitions() {
	legalTransitions := []StateTransition{
		// 从PENDING_SUBMIT可以转到
		{StatusPendingSubmit, StatusSubmitted},
		{StatusPendingSubmit, StatusRetryQueued},
		{StatusPendingSubmit, StatusRejected},

		// 从RETRY_QUEUED可以转到（重试之后）
		{StatusRetryQueued, StatusSubmitted},
		{StatusRetryQueued, StatusRejected},

		// 从SUBMITTED可以转到
		{StatusSubmitted, StatusPartiallyFilled},
		{StatusSubmitted, StatusFilled},
		{StatusSubmitted, StatusCancelled},
		{StatusSubmitted, StatusRejected},
		{StatusSubmitted, StatusManuallyModified},

		// 从PARTIALLY_FILLED可以转到
		{StatusPartiallyFilled, StatusPartiallyFilled}, // 多次部分成交
		{StatusPartiallyFilled, StatusFilled},
		{StatusPartiallyFilled, StatusCancelled},
		{StatusPartiallyFilled, StatusManuallyModified},

		// 人工改单不改变终结性：后续走SUBMITTED的全部去向
		{StatusManuallyModified, StatusPartiallyFilled},
		{StatusManuallyModified, StatusFilled},
		{StatusManuallyModified, StatusCancelled},
		{StatusManuallyModified, StatusRejected},

		// 终态不能转换（FILLED, REJECTED, CANCELLED）
	}

	for _, t := range legalTransitions {
		sm.transitions[t] = true
	}
}

// ValidateTransition 验证状态转换是否合法
func (sm *StateMachine) ValidateTransition(from, to Status) error {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	// 相同状态允许（幂等性）
	if from == to {
		return nil
	}

	if sm.IsFinalState(from) {
		return fmt.Errorf("%w: %s -> %s", ErrTerminalRegression, from, to)
	}

	transition := StateTransition{From: from, To: to}
	if !sm.transitions[transition] {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}

	return nil
}

// AllowedTransitions 返回当前状态所有合法的目标状态
func (sm *StateMachine) AllowedTransitions(current Status) []Status {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	allowed := make([]Status, 0)
	for transition := range sm.transitions {
		if transition.From == current {
			allowed = append(allowed, transition.To)
		}
	}
	return allowed
}

// IsFinalState 判断是否是终态
func (sm *StateMachine) IsFinalState(status Status) bool {
	switch status {
	case StatusFilled, StatusRejected, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsActiveState 判断是否仍需要对账
func (sm *StateMachine) IsActiveState(status Status) bool {
	return !sm.IsFinalState(status)
}

// CanCancel 判断当前状态下是否可以撤单
func (sm *StateMachine) CanCancel(status Status) bool {
	switch status {
	case StatusSubmitted, StatusPartiallyFilled, StatusManuallyModified:
		return true
	default:
		return false
	}
}
