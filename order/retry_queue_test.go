package order_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"signal-trader-go/order"
)

// TestRetryQueueEntry_Due 验证重试时点判定
func TestRetryQueueEntry_Due(t *testing.T) {
	base := time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC)

	testCases := []struct {
		name        string
		nextAttempt time.Time
		now         time.Time
		expected    bool
	}{
		{
			name:        "未到时点 - 不可重试",
			nextAttempt: base.Add(5 * time.Minute),
			now:         base,
			expected:    false,
		},
		{
			name:        "恰好到达时点 - 可重试",
			nextAttempt: base,
			now:         base,
			expected:    true,
		},
		{
			name:        "已过时点 - 可重试",
			nextAttempt: base,
			now:         base.Add(time.Second),
			expected:    true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			entry := &order.RetryQueueEntry{
				LocalOrderID:  "ord-1",
				OwnerUserID:   "user1",
				ReasonCode:    order.ReasonInsufficientFunds,
				MaxAttempts:   3,
				NextAttemptAt: tc.nextAttempt,
			}
			assert.Equal(t, tc.expected, entry.Due(tc.now))
		})
	}
}

// TestRetryQueueEntry_Exhausted 验证重试预算耗尽判定
func TestRetryQueueEntry_Exhausted(t *testing.T) {
	testCases := []struct {
		name     string
		made     int
		max      int
		expected bool
	}{
		{name: "尚有预算", made: 1, max: 3, expected: false},
		{name: "恰好用完", made: 3, max: 3, expected: true},
		{name: "超出预算", made: 4, max: 3, expected: true},
		{name: "零预算视为耗尽", made: 0, max: 0, expected: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			entry := &order.RetryQueueEntry{AttemptsMade: tc.made, MaxAttempts: tc.max}
			assert.Equal(t, tc.expected, entry.Exhausted())
		})
	}
}

// TestRetryQueueEntry_Clone 验证拷贝与原条目互不影响
func TestRetryQueueEntry_Clone(t *testing.T) {
	now := time.Now().UTC()
	entry := &order.RetryQueueEntry{
		LocalOrderID:  "ord-9",
		OwnerUserID:   "user1",
		ReasonCode:    order.ReasonBrokerThrottled,
		AttemptsMade:  2,
		MaxAttempts:   3,
		NextAttemptAt: now.Add(time.Minute),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	cp := entry.Clone()
	assert.Equal(t, entry, cp)

	cp.AttemptsMade = 3
	cp.ReasonCode = order.ReasonMarginUnavailable
	assert.Equal(t, 2, entry.AttemptsMade, "修改拷贝不应影响原条目")
	assert.Equal(t, order.ReasonBrokerThrottled, entry.ReasonCode)
}
