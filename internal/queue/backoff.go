package queue

import (
	"math/rand"
	"time"
)

// NextDelay 计算第 attempt 次失败后的重试间隔
// 指数退避（base * 2^(attempt-1)，上限 cap）加随机抖动：
// 实际间隔在 [d/2, d) 内均匀分布，避免多实例重试同步
func NextDelay(base, cap time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		base = time.Second
	}
	if cap < base {
		cap = base
	}

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap || d <= 0 { // 溢出保护
			d = cap
			break
		}
	}
	if d > cap {
		d = cap
	}

	half := d / 2
	if half <= 0 {
		return d
	}
	return half + time.Duration(rand.Int63n(int64(half)))
}
