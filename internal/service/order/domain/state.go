// internal/service/order/domain/state.go
package domain

// Status 定义了订单的生命周期状态
type Status string

const (
	StatusPending   Status = "PENDING"   // 已预占库存，等待支付
	StatusPaid      Status = "PAID"      // 已支付（终态）
	StatusCancelled Status = "CANCELLED" // 买家或管理员取消（终态）
	StatusExpired   Status = "EXPIRED"   // 支付超时，由清扫器释放（终态）
)

// IsTerminal 终态不再允许任何流转
func (s Status) IsTerminal() bool {
	switch s {
	case StatusPaid, StatusCancelled, StatusExpired:
		return true
	default:
		return false
	}
}

// ReleasesStock 表示流转到该状态时需要归还库存
func (s Status) ReleasesStock() bool {
	return s == StatusCancelled || s == StatusExpired
}

func (s Status) Valid() bool {
	return s == StatusPending || s.IsTerminal()
}
