// Package model содержит доменные сущности сервиса лояльности и реферальной программы.
package model

import "time"

// Role описывает роль учётной записи.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAdmin    Role = "admin"
	// RoleService используется внутренними системами (платёжный шлюз, вебхуки заказов).
	RoleService Role = "service"
)

// Valid сообщает, известна ли роль.
func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleAdmin, RoleService:
		return true
	}
	return false
}

// Account представляет зарегистрированного пользователя: покупателя или сотрудника.
type Account struct {
	ID                int64
	Email             string
	PasswordHash      []byte
	Role              Role
	PointsBalance     int64
	ReferralCode      string
	ReferralCount     int64
	ReferralEarnings  int64
	SignupIP          string
	DeviceFingerprint string
	CreatedAt         time.Time
}

// NewAccount содержит данные для создания учётной записи.
type NewAccount struct {
	Email             string
	PasswordHash      []byte
	Role              Role
	ReferralCode      string
	SignupIP          string
	DeviceFingerprint string
}

// OrderStatus описывает статус обработки заказа в системе начислений.
type OrderStatus string

const (
	OrderStatusNew        OrderStatus = "NEW"
	OrderStatusProcessing OrderStatus = "PROCESSING"
	OrderStatusInvalid    OrderStatus = "INVALID"
	OrderStatusProcessed  OrderStatus = "PROCESSED"
)

// Order описывает заказ пользователя, начисления по нему и факт оплаты.
type Order struct {
	Number     string
	AccountID  int64
	Status     OrderStatus
	Accrual    *int64
	PaidAmount *int64
	PaidAt     *time.Time
	UploadedAt time.Time
}

// Balance содержит текущий баланс баллов и сумму всех списаний.
type Balance struct {
	Current   int64 `json:"current"`
	Withdrawn int64 `json:"withdrawn"`
}
