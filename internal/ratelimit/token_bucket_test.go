package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestTokenBucket_AllowConsumesTokens 桶内令牌耗尽后应拒绝请求
func TestTokenBucket_AllowConsumesTokens(t *testing.T) {
	// QPM=60, 容量=2, 初始满桶
	tb := NewTokenBucket(60, 2)

	assert.True(t, tb.Allow(), "第一个请求应被允许")
	assert.True(t, tb.Allow(), "第二个请求应被允许")
	assert.False(t, tb.Allow(), "令牌耗尽后应被拒绝")
}

// TestTokenBucket_DefaultCapacity 未指定容量时取QPM的一半，最小为1
func TestTokenBucket_DefaultCapacity(t *testing.T) {
	tb := NewTokenBucket(60, 0)
	assert.InDelta(t, 30.0, tb.capacity, 0.001)

	tiny := NewTokenBucket(1, 0)
	assert.InDelta(t, 1.0, tiny.capacity, 0.001, "容量下限应为1")
}

// TestTokenBucket_WaitRespectsContext 上下文取消时Wait应立即返回
func TestTokenBucket_WaitRespectsContext(t *testing.T) {
	// 速率极低，保证Wait会阻塞
	tb := NewTokenBucket(1, 1)
	require.True(t, tb.Allow(), "耗尽唯一的令牌")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := tb.Wait(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestRetryWithBackoff_SucceedsAfterRetry 可重试错误应被重试直至成功
func TestRetryWithBackoff_SucceedsAfterRetry(t *testing.T) {
	tb := NewTokenBucket(6000, 100).WithRetryPolicy(time.Millisecond, 3)

	attempts := 0
	err := tb.RetryWithBackoff(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("429 Too Many Requests")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts, "前两次可重试失败后第三次应成功")
}

// TestRetryWithBackoff_NonRetryableFailsFast 不可重试错误应立即返回
func TestRetryWithBackoff_NonRetryableFailsFast(t *testing.T) {
	tb := NewTokenBucket(6000, 100).WithRetryPolicy(time.Millisecond, 3)

	attempts := 0
	permanent := errors.New("无效的API密钥")
	err := tb.RetryWithBackoff(context.Background(), func() error {
		attempts++
		return permanent
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts, "不可重试错误不应触发重试")
	assert.Equal(t, permanent, err)
}

// TestRetryWithBackoff_ExhaustsRetries 重试耗尽后返回最后一次的错误
func TestRetryWithBackoff_ExhaustsRetries(t *testing.T) {
	tb := NewTokenBucket(6000, 100).WithRetryPolicy(time.Millisecond, 2)

	attempts := 0
	err := tb.RetryWithBackoff(context.Background(), func() error {
		attempts++
		return errors.New("connection refused")
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts, "maxRetries=2时总共应尝试3次")
	assert.Contains(t, err.Error(), "connection refused")
}

// TestIsRetryableError 错误分类
func TestIsRetryableError(t *testing.T) {
	assert.True(t, isRetryableError(errors.New("dial tcp: i/o timeout")))
	assert.True(t, isRetryableError(errors.New("context deadline exceeded")))
	assert.True(t, isRetryableError(errors.New("服务器繁忙，请稍后再试")))
	assert.False(t, isRetryableError(errors.New("无效的请求参数")))
	assert.False(t, isRetryableError(nil))
}
