package orders

import (
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gawulo/marketplace-api/internal/identity"
	"github.com/gawulo/marketplace-api/internal/types"
	"github.com/gawulo/marketplace-api/pkg/response"
	"gorm.io/gorm"
)

// VAT applied to the line-item subtotal at checkout
const taxRate = 0.15

var (
	ErrVendorNotFound     = errors.New("vendor not found")
	ErrProductUnavailable = errors.New("product not available")
	ErrOrderNotCompleted  = errors.New("order is not completed")
	ErrReviewExists       = errors.New("order already has a review")
	ErrRefundExists       = errors.New("order already has a refund request")
	ErrRefundNotPending   = errors.New("refund request is not pending")
)

// Notifier pushes committed order changes to interested parties. A nil
// Notifier disables realtime updates; the write path never depends on it.
type Notifier interface {
	OrderCreated(order *types.Order)
	OrderUpdated(order *types.Order)
}

// Service handles order management for both sides of the marketplace
type Service struct {
	db       *Database
	identity *identity.Service
	notifier Notifier
}

// NewService creates a new order service with the given database
// connection, identity service and notifier
func NewService(gormDB *gorm.DB, identitySvc *identity.Service, notifier Notifier) *Service {
	return &Service{
		db:       NewDatabase(gormDB),
		identity: identitySvc,
		notifier: notifier,
	}
}

// CheckoutLineItem references a product in the vendor's catalogue
type CheckoutLineItem struct {
	ProductID string `json:"product_id" binding:"required"`
	Quantity  int    `json:"quantity" binding:"required,gt=0"`
}

// CheckoutRequest is the payload for creating a new order
type CheckoutRequest struct {
	VendorID     string             `json:"vendor_id" binding:"required"`
	DeliveryType types.DeliveryType `json:"delivery_type"`
	LineItems    []CheckoutLineItem `json:"line_items" binding:"required,min=1,dive"`
}

// Checkout creates a new order for a customer with idempotency support.
// Unit prices are snapshotted from the vendor's catalogue; the delivery fee
// only applies to delivery orders and 15% VAT is added on the subtotal.
func (s *Service) Checkout(customerID string, req *CheckoutRequest, idempotencyKey string) (*types.Order, error) {
	// Check for existing idempotency record
	record, err := s.db.GetIdempotencyRecord(idempotencyKey)
	if err != nil {
		return nil, err
	}
	if record != nil && record.ExpiresAt.After(time.Now()) {
		existing, err := s.db.GetOrder(record.ResourceID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, errors.New("order not found")
		}
		return existing, nil
	}

	vendor, err := s.identity.GetVendor(req.VendorID)
	if err != nil {
		return nil, err
	}
	if vendor == nil {
		return nil, ErrVendorNotFound
	}

	deliveryType := req.DeliveryType
	if deliveryType == "" {
		deliveryType = types.DeliveryTypeDelivery
	}
	if deliveryType != types.DeliveryTypeDelivery && deliveryType != types.DeliveryTypePickup {
		return nil, fmt.Errorf("unknown delivery type %q", deliveryType)
	}

	orderUID := uuid.New().String()

	var subtotal float64
	lineItems := make([]types.OrderLineItem, 0, len(req.LineItems))
	for _, item := range req.LineItems {
		product, err := s.identity.GetProduct(item.ProductID)
		if err != nil {
			return nil, err
		}
		if product == nil || !product.Available || product.VendorID != vendor.VendorID {
			return nil, ErrProductUnavailable
		}

		lineTotal := product.Price * float64(item.Quantity)
		subtotal += lineTotal
		lineItems = append(lineItems, types.OrderLineItem{
			OrderUID:          orderUID,
			ProductID:         product.ProductID,
			Name:              product.Name,
			Quantity:          item.Quantity,
			UnitPriceSnapshot: product.Price,
			LineTotal:         lineTotal,
		})
	}

	deliveryFee := 0.0
	if deliveryType == types.DeliveryTypeDelivery {
		deliveryFee = vendor.DeliveryFee
	}
	taxAmount := subtotal * taxRate

	order := &types.Order{
		OrderUID:     orderUID,
		VendorID:     vendor.VendorID,
		CustomerID:   customerID,
		DeliveryType: deliveryType,
		Subtotal:     subtotal,
		DeliveryFee:  deliveryFee,
		TaxAmount:    taxAmount,
		TotalAmount:  subtotal + deliveryFee + taxAmount,
		Status:       types.StatusConfirmed,
		LineItems:    lineItems,
	}

	history := &types.OrderStatusHistory{
		OrderUID: orderUID,
		Status:   types.StatusConfirmed,
		Notes:    "Order created",
		ActorID:  customerID,
	}

	if err := s.db.CreateOrderWithIdempotency(order, history, idempotencyKey); err != nil {
		return nil, err
	}

	created, err := s.db.GetOrder(orderUID)
	if err != nil {
		return nil, err
	}

	if s.notifier != nil {
		s.notifier.OrderCreated(created)
	}

	return created, nil
}

// GetOrder retrieves an order scoped to the caller's side of the marketplace
func (s *Service) GetOrder(orderUID string, role identity.Role) (*types.Order, error) {
	switch role.Kind {
	case identity.RoleVendor:
		return s.db.GetOrderForVendor(orderUID, role.VendorID)
	case identity.RoleCustomer:
		return s.db.GetOrderForCustomer(orderUID, role.CustomerID)
	default:
		return nil, nil
	}
}

// ListOrders lists orders for the caller's side, optionally filtered by status
func (s *Service) ListOrders(role identity.Role, status types.Status) ([]types.Order, error) {
	switch role.Kind {
	case identity.RoleVendor:
		return s.db.ListOrdersByVendor(role.VendorID, status)
	case identity.RoleCustomer:
		return s.db.ListOrdersByCustomer(role.CustomerID, status)
	default:
		return nil, nil
	}
}

// UpdateStatus applies a validated status transition. Requesting the
// current status again succeeds without touching the order. On success the
// order and its history row are committed together, then an update event is
// emitted once for the order save and once for the history append. The
// duplication is deliberate and matches the platform's established
// behaviour; subscribers must tolerate duplicate updates.
func (s *Service) UpdateStatus(orderUID string, requested types.Status, role identity.Role, actorID string) (*types.Order, error) {
	order, err := s.GetOrder(orderUID, role)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, gorm.ErrRecordNotFound
	}

	// Idempotent re-submission: nothing to change, nothing to broadcast
	if requested == order.Status {
		return order, nil
	}

	if err := ValidateTransition(order.Status, requested, order.DeliveryType); err != nil {
		return nil, err
	}

	previous := order.Status
	order.Status = requested

	history := &types.OrderStatusHistory{
		OrderUID: orderUID,
		Status:   requested,
		Notes:    fmt.Sprintf("Status changed from %s to %s", previous, requested),
		ActorID:  actorID,
	}

	if err := s.db.UpdateOrderStatusWithHistory(order, history); err != nil {
		return nil, err
	}

	updated, err := s.db.GetOrder(orderUID)
	if err != nil {
		return nil, err
	}

	if s.notifier != nil {
		s.notifier.OrderUpdated(updated) // order save
		s.notifier.OrderUpdated(updated) // history append
	}

	return updated, nil
}

// Cancel moves the order to Cancelled through the transition validator
func (s *Service) Cancel(orderUID string, role identity.Role, actorID string) (*types.Order, error) {
	return s.UpdateStatus(orderUID, types.StatusCancelled, role, actorID)
}

// RequestRefund files a refund request on a completed order
func (s *Service) RequestRefund(orderUID, customerID, reason string) (*types.RefundRequest, error) {
	order, err := s.db.GetOrderForCustomer(orderUID, customerID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, gorm.ErrRecordNotFound
	}
	if !order.IsCompleted || order.Status == types.StatusRefunded {
		return nil, ErrOrderNotCompleted
	}

	existing, err := s.db.GetRefundRequestByOrder(orderUID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrRefundExists
	}

	request := &types.RefundRequest{
		RequestID:  uuid.New().String(),
		OrderUID:   orderUID,
		CustomerID: customerID,
		VendorID:   order.VendorID,
		Reason:     reason,
		Status:     types.RefundPending,
	}
	if err := s.db.CreateRefundRequest(request); err != nil {
		return nil, err
	}
	return request, nil
}

// ListRefundRequests lists the refund requests against a vendor
func (s *Service) ListRefundRequests(vendorID string) ([]types.RefundRequest, error) {
	return s.db.ListRefundRequestsByVendor(vendorID)
}

// ApproveRefund approves a pending refund request and moves the order to
// Refunded. Refunds bypass the transition tables; once applied they are
// irreversible and the validator rejects any further transition.
func (s *Service) ApproveRefund(requestID, vendorID, actorID string) (*types.Order, error) {
	request, err := s.db.GetRefundRequest(requestID)
	if err != nil {
		return nil, err
	}
	if request == nil || request.VendorID != vendorID {
		return nil, gorm.ErrRecordNotFound
	}
	if request.Status != types.RefundPending {
		return nil, ErrRefundNotPending
	}

	order, err := s.db.GetOrder(request.OrderUID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, gorm.ErrRecordNotFound
	}

	previous := order.Status
	order.Status = types.StatusRefunded

	history := &types.OrderStatusHistory{
		OrderUID: order.OrderUID,
		Status:   types.StatusRefunded,
		Notes:    fmt.Sprintf("Refund approved, status changed from %s to Refunded", previous),
		ActorID:  actorID,
	}

	if err := s.db.UpdateOrderStatusWithHistory(order, history); err != nil {
		return nil, err
	}

	request.Status = types.RefundApproved
	if err := s.db.UpdateRefundRequest(request); err != nil {
		return nil, err
	}

	updated, err := s.db.GetOrder(order.OrderUID)
	if err != nil {
		return nil, err
	}

	if s.notifier != nil {
		s.notifier.OrderUpdated(updated) // order save
		s.notifier.OrderUpdated(updated) // history append
	}

	return updated, nil
}

// DenyRefund denies a pending refund request, leaving the order untouched
func (s *Service) DenyRefund(requestID, vendorID string) (*types.RefundRequest, error) {
	request, err := s.db.GetRefundRequest(requestID)
	if err != nil {
		return nil, err
	}
	if request == nil || request.VendorID != vendorID {
		return nil, gorm.ErrRecordNotFound
	}
	if request.Status != types.RefundPending {
		return nil, ErrRefundNotPending
	}

	request.Status = types.RefundDenied
	if err := s.db.UpdateRefundRequest(request); err != nil {
		return nil, err
	}
	return request, nil
}

// CreateReview records a customer review on a completed order and refreshes
// the vendor's aggregate rating
func (s *Service) CreateReview(orderUID, customerID string, rating int, comment string) (*types.Review, error) {
	order, err := s.db.GetOrderForCustomer(orderUID, customerID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, gorm.ErrRecordNotFound
	}
	if !order.IsCompleted {
		return nil, ErrOrderNotCompleted
	}

	existing, err := s.db.GetReviewByOrder(orderUID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrReviewExists
	}

	review := &types.Review{
		ReviewID:   uuid.New().String(),
		OrderUID:   orderUID,
		VendorID:   order.VendorID,
		CustomerID: customerID,
		Rating:     rating,
		Comment:    comment,
	}
	if err := s.db.CreateReviewWithVendorStats(review); err != nil {
		return nil, err
	}
	return review, nil
}

// Stats summarises order volume and revenue for the caller's side
func (s *Service) Stats(role identity.Role) (*types.OrderStats, error) {
	switch role.Kind {
	case identity.RoleVendor:
		return s.db.StatsForVendor(role.VendorID)
	case identity.RoleCustomer:
		return s.db.StatsForCustomer(role.CustomerID)
	default:
		return &types.OrderStats{}, nil
	}
}

// GetDB exposes the order database layer for background jobs
func (s *Service) GetDB() *Database {
	return s.db
}

// GinHandlers contains HTTP handlers for order endpoints
type GinHandlers struct {
	service  *Service
	identity *identity.Service
}

// NewGinHandlers creates a new set of HTTP handlers for order endpoints
func NewGinHandlers(service *Service, identitySvc *identity.Service) *GinHandlers {
	return &GinHandlers{
		service:  service,
		identity: identitySvc,
	}
}

// resolveRole resolves the caller's role from the authenticated user ID,
// writing the error response itself when the caller has no profile
func (h *GinHandlers) resolveRole(c *gin.Context) (identity.Role, bool) {
	role, err := h.identity.Resolve(c.GetString("userID"))
	if err != nil {
		response.InternalError(c, "Failed to resolve user role")
		return role, false
	}
	if role.Kind == identity.RoleUnresolved {
		response.Forbidden(c, "User has no vendor or customer profile")
		return role, false
	}
	return role, true
}

type statusUpdateRequest struct {
	Status types.Status `json:"status" binding:"required"`
}

type refundRequestBody struct {
	Reason string `json:"reason"`
}

type reviewRequest struct {
	Rating  int    `json:"rating" binding:"required,gte=1,lte=5"`
	Comment string `json:"comment"`
}

// CheckoutHandler handles POST requests to create new orders
// Requires a valid JWT token, a customer profile and an idempotency key
func (h *GinHandlers) CheckoutHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		idempotencyKey := c.GetHeader("Idempotency-Key")
		if idempotencyKey == "" {
			response.BadRequest(c, "Idempotency-Key header is required")
			return
		}

		role, ok := h.resolveRole(c)
		if !ok {
			return
		}
		if role.Kind != identity.RoleCustomer {
			response.Forbidden(c, "Only customers can place orders")
			return
		}

		var req CheckoutRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		order, err := h.service.Checkout(role.CustomerID, &req, idempotencyKey)
		switch {
		case errors.Is(err, ErrVendorNotFound):
			response.NotFound(c, err.Error())
		case errors.Is(err, ErrProductUnavailable):
			response.BadRequest(c, err.Error())
		default:
			response.Handle(c, order, err)
		}
	}
}

// GetOrderHandler handles GET requests to retrieve a single order
// The order must belong to the caller's side of the marketplace
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		role, ok := h.resolveRole(c)
		if !ok {
			return
		}

		orderUID := c.Param("order_id")
		if orderUID == "" {
			response.BadRequest(c, "Order ID is required")
			return
		}

		order, err := h.service.GetOrder(orderUID, role)
		if err != nil || order == nil {
			response.NotFound(c, "Order not found")
			return
		}
		response.Success(c, order)
	}
}

// ListOrdersHandler handles GET requests for the caller's orders with an
// optional ?status= filter
func (h *GinHandlers) ListOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		role, ok := h.resolveRole(c)
		if !ok {
			return
		}

		orders, err := h.service.ListOrders(role, types.Status(c.Query("status")))
		response.Handle(c, orders, err)
	}
}

// UpdateStatusHandler handles PUT requests to change an order's status
// Transition rejections come back as structured validation failures naming
// the current status, the requested status and the allowed successor set
func (h *GinHandlers) UpdateStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		role, ok := h.resolveRole(c)
		if !ok {
			return
		}

		var req statusUpdateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		order, err := h.service.UpdateStatus(c.Param("order_id"), req.Status, role, c.GetString("userID"))
		var transitionErr *TransitionError
		if errors.As(err, &transitionErr) {
			response.ValidationFailed(c, transitionErr.Error(), gin.H{
				"current_status":   transitionErr.Current,
				"requested_status": transitionErr.Requested,
				"allowed":          transitionErr.Allowed,
			})
			return
		}
		response.Handle(c, order, err)
	}
}

// CancelOrderHandler handles POST requests to cancel an order
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		role, ok := h.resolveRole(c)
		if !ok {
			return
		}

		order, err := h.service.Cancel(c.Param("order_id"), role, c.GetString("userID"))
		var transitionErr *TransitionError
		if errors.As(err, &transitionErr) {
			response.ValidationFailed(c, transitionErr.Error(), gin.H{
				"current_status":   transitionErr.Current,
				"requested_status": transitionErr.Requested,
				"allowed":          transitionErr.Allowed,
			})
			return
		}
		response.Handle(c, order, err)
	}
}

// CreateRefundRequestHandler handles POST requests filing a refund request
func (h *GinHandlers) CreateRefundRequestHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		role, ok := h.resolveRole(c)
		if !ok {
			return
		}
		if role.Kind != identity.RoleCustomer {
			response.Forbidden(c, "Only customers can request refunds")
			return
		}

		var req refundRequestBody
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		request, err := h.service.RequestRefund(c.Param("order_id"), role.CustomerID, req.Reason)
		switch {
		case errors.Is(err, ErrOrderNotCompleted), errors.Is(err, ErrRefundExists):
			response.BadRequest(c, err.Error())
		default:
			response.Handle(c, request, err)
		}
	}
}

// ListRefundRequestsHandler handles GET requests for a vendor's refund requests
func (h *GinHandlers) ListRefundRequestsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		role, ok := h.resolveRole(c)
		if !ok {
			return
		}
		if role.Kind != identity.RoleVendor {
			response.Forbidden(c, "Only vendors can list refund requests")
			return
		}

		requests, err := h.service.ListRefundRequests(role.VendorID)
		response.Handle(c, requests, err)
	}
}

// ApproveRefundHandler handles POST requests approving a refund request
func (h *GinHandlers) ApproveRefundHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		role, ok := h.resolveRole(c)
		if !ok {
			return
		}
		if role.Kind != identity.RoleVendor {
			response.Forbidden(c, "Only vendors can approve refunds")
			return
		}

		order, err := h.service.ApproveRefund(c.Param("request_id"), role.VendorID, c.GetString("userID"))
		if errors.Is(err, ErrRefundNotPending) {
			response.BadRequest(c, err.Error())
			return
		}
		response.Handle(c, order, err)
	}
}

// DenyRefundHandler handles POST requests denying a refund request
func (h *GinHandlers) DenyRefundHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		role, ok := h.resolveRole(c)
		if !ok {
			return
		}
		if role.Kind != identity.RoleVendor {
			response.Forbidden(c, "Only vendors can deny refunds")
			return
		}

		request, err := h.service.DenyRefund(c.Param("request_id"), role.VendorID)
		if errors.Is(err, ErrRefundNotPending) {
			response.BadRequest(c, err.Error())
			return
		}
		response.Handle(c, request, err)
	}
}

// CreateReviewHandler handles POST requests reviewing a completed order
func (h *GinHandlers) CreateReviewHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		role, ok := h.resolveRole(c)
		if !ok {
			return
		}
		if role.Kind != identity.RoleCustomer {
			response.Forbidden(c, "Only customers can review orders")
			return
		}

		var req reviewRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		review, err := h.service.CreateReview(c.Param("order_id"), role.CustomerID, req.Rating, req.Comment)
		switch {
		case errors.Is(err, ErrOrderNotCompleted), errors.Is(err, ErrReviewExists):
			response.BadRequest(c, err.Error())
		default:
			response.Handle(c, review, err)
		}
	}
}

// StatsHandler handles GET requests for the caller's order statistics
func (h *GinHandlers) StatsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		role, ok := h.resolveRole(c)
		if !ok {
			return
		}

		stats, err := h.service.Stats(role)
		response.Handle(c, stats, err)
	}
}
