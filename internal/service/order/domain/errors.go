package domain

import "errors"

var (
	// ErrInsufficientStock 任一行无法预占时返回，订单不会被部分创建
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrOrderConflict 订单已不处于期望状态（已支付/已取消/已过期）
	ErrOrderConflict = errors.New("order conflict")
	ErrOrderNotFound = errors.New("order not found")
	ErrInvalidOrder  = errors.New("invalid order")
	// ErrDuplicateRequest 同一个幂等键的请求仍在处理中
	ErrDuplicateRequest = errors.New("duplicate request in flight")
	// ErrTransactionFailure 存储不可用、死锁、锁等待超时，可重试
	ErrTransactionFailure = errors.New("transaction failure")
)
