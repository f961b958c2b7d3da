package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	InvoiceStatusPaid   = "paid"
	InvoiceStatusFailed = "failed"
)

// SubscriptionInvoice is a read-mostly mirror of provider invoices, written by
// the invoice.paid / invoice.payment_failed handlers. It is never authoritative
// for subscription status.
type SubscriptionInvoice struct {
	ID                 uint            `gorm:"primaryKey" json:"id"`
	SubscriptionID     uint            `gorm:"not null;index" json:"subscription_id"`
	ExternalInvoiceRef string          `gorm:"type:varchar(191);not null;uniqueIndex:ux_subscription_invoices_ref" json:"external_invoice_ref"`
	Status             string          `gorm:"type:varchar(20);not null" json:"status"`
	Amount             decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"amount"`
	Currency           string          `gorm:"type:varchar(3);not null;default:'EUR'" json:"currency"`
	PaidAt             *time.Time      `gorm:"type:timestamp;default:null" json:"paid_at,omitempty"`
	CreatedAt          time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt          time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}
