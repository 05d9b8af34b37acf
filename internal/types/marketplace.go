package types

import (
	"time"

	"gorm.io/gorm"
)

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPending    Status = "Pending"
	StatusConfirmed  Status = "Confirmed"
	StatusProcessing Status = "Processing"
	StatusShipped    Status = "Shipped"
	StatusReady      Status = "Ready"
	StatusDelivered  Status = "Delivered"
	StatusPickedUp   Status = "PickedUp"
	StatusCancelled  Status = "Cancelled"
	StatusRefunded   Status = "Refunded"
)

// Completed reports whether the status counts as a completed order.
func (s Status) Completed() bool {
	return s == StatusDelivered || s == StatusPickedUp || s == StatusRefunded
}

// DeliveryType selects which fulfilment workflow an order follows.
type DeliveryType string

const (
	DeliveryTypeDelivery DeliveryType = "delivery"
	DeliveryTypePickup   DeliveryType = "pickup"
)

// RefundRequest statuses
const (
	RefundPending  = "pending"
	RefundApproved = "approved"
	RefundDenied   = "denied"
)

type Order struct {
	gorm.Model    `json:"-"`
	OrderUID      string               `gorm:"uniqueIndex" json:"order_uid"`
	VendorID      string               `gorm:"index" json:"vendor_id"`
	CustomerID    string               `gorm:"index" json:"customer_id"`
	DeliveryType  DeliveryType         `json:"delivery_type"` // delivery or pickup
	Subtotal      float64              `json:"subtotal"`
	DeliveryFee   float64              `json:"delivery_fee"`
	TaxAmount     float64              `json:"tax_amount"`
	TotalAmount   float64              `json:"total_amount"`
	Status        Status               `json:"current_status"`
	IsCompleted   bool                 `json:"is_completed"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
	LineItems     []OrderLineItem      `gorm:"foreignKey:OrderUID;references:OrderUID" json:"line_items,omitempty"`
	StatusHistory []OrderStatusHistory `gorm:"foreignKey:OrderUID;references:OrderUID" json:"status_history,omitempty"`
	Review        *Review              `gorm:"foreignKey:OrderUID;references:OrderUID" json:"review,omitempty"`
}

// BeforeSave keeps the completion flag derived from the status on every
// persist so the two can never drift apart.
func (o *Order) BeforeSave(tx *gorm.DB) error {
	o.IsCompleted = o.Status.Completed()
	return nil
}

type OrderLineItem struct {
	gorm.Model        `json:"-"`
	OrderUID          string    `gorm:"index" json:"order_uid"`
	ProductID         string    `json:"product_id"`
	Name              string    `json:"name"`
	Quantity          int       `json:"quantity"`
	UnitPriceSnapshot float64   `json:"unit_price_snapshot"` // price captured at checkout
	LineTotal         float64   `json:"line_total"`
	CreatedAt         time.Time `json:"created_at"`
}

// OrderStatusHistory is an append-only log of status transitions. Rows are
// created once per transition and never updated.
type OrderStatusHistory struct {
	gorm.Model `json:"-"`
	OrderUID   string    `gorm:"index" json:"order_uid"`
	Status     Status    `json:"status"`
	Notes      string    `json:"notes,omitempty"`
	ActorID    string    `json:"confirmed_by"`
	CreatedAt  time.Time `json:"timestamp"`
}

type Review struct {
	gorm.Model `json:"-"`
	ReviewID   string    `gorm:"uniqueIndex" json:"review_id"`
	OrderUID   string    `gorm:"uniqueIndex" json:"order_uid"`
	VendorID   string    `gorm:"index" json:"vendor_id"`
	CustomerID string    `json:"customer_id"`
	Rating     int       `json:"rating"`
	Comment    string    `json:"comment,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type RefundRequest struct {
	gorm.Model `json:"-"`
	RequestID  string    `gorm:"uniqueIndex" json:"request_id"`
	OrderUID   string    `gorm:"index" json:"order_uid"`
	CustomerID string    `json:"customer_id"`
	VendorID   string    `json:"vendor_id"`
	Reason     string    `json:"reason"`
	Status     string    `json:"status"` // pending, approved, denied
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type Vendor struct {
	gorm.Model    `json:"-"`
	VendorID      string    `gorm:"uniqueIndex" json:"vendor_id"`
	UserID        string    `gorm:"uniqueIndex" json:"user_id"`
	BusinessName  string    `json:"business_name"`
	DeliveryFee   float64   `json:"delivery_fee"`
	AverageRating float64   `json:"average_rating"`
	ReviewCount   int       `json:"review_count"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type Customer struct {
	gorm.Model  `json:"-"`
	CustomerID  string    `gorm:"uniqueIndex" json:"customer_id"`
	UserID      string    `gorm:"uniqueIndex" json:"user_id"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Product struct {
	gorm.Model `json:"-"`
	ProductID  string    `gorm:"uniqueIndex" json:"product_id"`
	VendorID   string    `gorm:"index" json:"vendor_id"`
	Name       string    `json:"name"`
	Price      float64   `json:"price"`
	Available  bool      `json:"available"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
