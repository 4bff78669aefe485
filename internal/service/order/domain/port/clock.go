package port

import "time"

// Clock 抽象“现在”，测试中用手动时钟模拟时间流逝。
type Clock interface {
	Now() time.Time
}
