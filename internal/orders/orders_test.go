package orders_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/gawulo/marketplace-api/internal/identity"
	"github.com/gawulo/marketplace-api/internal/orders"
	"github.com/gawulo/marketplace-api/internal/types"
)

// recordingNotifier captures emitted order events for assertions
type recordingNotifier struct {
	created []string
	updated []string
}

func (n *recordingNotifier) OrderCreated(order *types.Order) {
	n.created = append(n.created, order.OrderUID)
}

func (n *recordingNotifier) OrderUpdated(order *types.Order) {
	n.updated = append(n.updated, order.OrderUID)
}

type fixture struct {
	service  *orders.Service
	identity *identity.Service
	notifier *recordingNotifier
	vendor   *types.Vendor
	customer *types.Customer
	products []*types.Product
}

func (f *fixture) vendorRole() identity.Role {
	return identity.Role{Kind: identity.RoleVendor, VendorID: f.vendor.VendorID}
}

func (f *fixture) customerRole() identity.Role {
	return identity.Role{Kind: identity.RoleCustomer, CustomerID: f.customer.CustomerID}
}

func setup(t *testing.T) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "orders.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	err = db.AutoMigrate(
		&types.Vendor{},
		&types.Customer{},
		&types.Product{},
		&types.Order{},
		&types.OrderLineItem{},
		&types.OrderStatusHistory{},
		&types.Review{},
		&types.RefundRequest{},
		&orders.IdempotencyRecord{},
	)
	require.NoError(t, err)

	identityService := identity.NewService(db)
	notifier := &recordingNotifier{}
	service := orders.NewService(db, identityService, notifier)

	vendor, err := identityService.RegisterVendor("vendor-user", "Test Kitchen", 20)
	require.NoError(t, err)
	customer, err := identityService.RegisterCustomer("customer-user", "Test Customer")
	require.NoError(t, err)

	pizza, err := identityService.CreateProduct("vendor-user", "Pizza", 100)
	require.NoError(t, err)
	salad, err := identityService.CreateProduct("vendor-user", "Salad", 40)
	require.NoError(t, err)

	return &fixture{
		service:  service,
		identity: identityService,
		notifier: notifier,
		vendor:   vendor,
		customer: customer,
		products: []*types.Product{pizza, salad},
	}
}

func (f *fixture) checkout(t *testing.T, deliveryType types.DeliveryType, key string) *types.Order {
	t.Helper()

	order, err := f.service.Checkout(f.customer.CustomerID, &orders.CheckoutRequest{
		VendorID:     f.vendor.VendorID,
		DeliveryType: deliveryType,
		LineItems: []orders.CheckoutLineItem{
			{ProductID: f.products[0].ProductID, Quantity: 2},
		},
	}, key)
	require.NoError(t, err)
	return order
}

// advance walks the order to the given status through the happy path
func (f *fixture) advance(t *testing.T, orderUID string, target types.Status) *types.Order {
	t.Helper()

	paths := map[types.Status][]types.Status{
		types.StatusDelivered: {types.StatusProcessing, types.StatusShipped, types.StatusDelivered},
		types.StatusPickedUp:  {types.StatusProcessing, types.StatusReady, types.StatusPickedUp},
	}

	var order *types.Order
	var err error
	for _, status := range paths[target] {
		order, err = f.service.UpdateStatus(orderUID, status, f.vendorRole(), "vendor-user")
		require.NoError(t, err)
	}
	return order
}

func TestCheckout(t *testing.T) {
	t.Run("should snapshot prices and compute delivery totals", func(t *testing.T) {
		f := setup(t)

		order, err := f.service.Checkout(f.customer.CustomerID, &orders.CheckoutRequest{
			VendorID:     f.vendor.VendorID,
			DeliveryType: types.DeliveryTypeDelivery,
			LineItems: []orders.CheckoutLineItem{
				{ProductID: f.products[0].ProductID, Quantity: 2},
				{ProductID: f.products[1].ProductID, Quantity: 1},
			},
		}, "key-1")

		require.NoError(t, err)
		assert.Equal(t, types.StatusConfirmed, order.Status)
		assert.False(t, order.IsCompleted)
		assert.InDelta(t, 240.0, order.Subtotal, 0.001)
		assert.InDelta(t, 20.0, order.DeliveryFee, 0.001)
		assert.InDelta(t, 36.0, order.TaxAmount, 0.001)
		assert.InDelta(t, 296.0, order.TotalAmount, 0.001)

		require.Len(t, order.LineItems, 2)
		assert.InDelta(t, 100.0, order.LineItems[0].UnitPriceSnapshot, 0.001)
		assert.InDelta(t, 200.0, order.LineItems[0].LineTotal, 0.001)

		require.Len(t, order.StatusHistory, 1)
		assert.Equal(t, types.StatusConfirmed, order.StatusHistory[0].Status)

		assert.Equal(t, []string{order.OrderUID}, f.notifier.created)
	})

	t.Run("should not charge the delivery fee on pickup orders", func(t *testing.T) {
		f := setup(t)

		order := f.checkout(t, types.DeliveryTypePickup, "key-1")

		assert.InDelta(t, 0.0, order.DeliveryFee, 0.001)
		assert.InDelta(t, 200.0, order.Subtotal, 0.001)
		assert.InDelta(t, 230.0, order.TotalAmount, 0.001)
	})

	t.Run("should replay the same order for a repeated idempotency key", func(t *testing.T) {
		f := setup(t)

		first := f.checkout(t, types.DeliveryTypeDelivery, "key-1")
		second := f.checkout(t, types.DeliveryTypeDelivery, "key-1")

		assert.Equal(t, first.OrderUID, second.OrderUID)
		assert.Len(t, f.notifier.created, 1, "replay must not emit a second event")
	})

	t.Run("should create distinct orders for distinct idempotency keys", func(t *testing.T) {
		f := setup(t)

		first := f.checkout(t, types.DeliveryTypeDelivery, "key-1")
		second := f.checkout(t, types.DeliveryTypeDelivery, "key-2")

		assert.NotEqual(t, first.OrderUID, second.OrderUID)
	})

	t.Run("should reject unknown vendors", func(t *testing.T) {
		f := setup(t)

		_, err := f.service.Checkout(f.customer.CustomerID, &orders.CheckoutRequest{
			VendorID:  "missing",
			LineItems: []orders.CheckoutLineItem{{ProductID: f.products[0].ProductID, Quantity: 1}},
		}, "key-1")

		require.ErrorIs(t, err, orders.ErrVendorNotFound)
	})

	t.Run("should reject unknown products", func(t *testing.T) {
		f := setup(t)

		_, err := f.service.Checkout(f.customer.CustomerID, &orders.CheckoutRequest{
			VendorID:  f.vendor.VendorID,
			LineItems: []orders.CheckoutLineItem{{ProductID: "missing", Quantity: 1}},
		}, "key-1")

		require.ErrorIs(t, err, orders.ErrProductUnavailable)
	})

	t.Run("should reject unknown delivery types", func(t *testing.T) {
		f := setup(t)

		_, err := f.service.Checkout(f.customer.CustomerID, &orders.CheckoutRequest{
			VendorID:     f.vendor.VendorID,
			DeliveryType: types.DeliveryType("drone"),
			LineItems:    []orders.CheckoutLineItem{{ProductID: f.products[0].ProductID, Quantity: 1}},
		}, "key-1")

		require.Error(t, err)
	})
}

func TestUpdateStatus(t *testing.T) {
	t.Run("should walk a delivery order to completion", func(t *testing.T) {
		f := setup(t)
		order := f.checkout(t, types.DeliveryTypeDelivery, "key-1")

		final := f.advance(t, order.OrderUID, types.StatusDelivered)

		assert.Equal(t, types.StatusDelivered, final.Status)
		assert.True(t, final.IsCompleted)
		// Checkout row plus one per transition
		assert.Len(t, final.StatusHistory, 4)
	})

	t.Run("should walk a pickup order to completion", func(t *testing.T) {
		f := setup(t)
		order := f.checkout(t, types.DeliveryTypePickup, "key-1")

		final := f.advance(t, order.OrderUID, types.StatusPickedUp)

		assert.Equal(t, types.StatusPickedUp, final.Status)
		assert.True(t, final.IsCompleted)
	})

	t.Run("should emit two update events per transition", func(t *testing.T) {
		f := setup(t)
		order := f.checkout(t, types.DeliveryTypeDelivery, "key-1")

		_, err := f.service.UpdateStatus(order.OrderUID, types.StatusProcessing, f.vendorRole(), "vendor-user")
		require.NoError(t, err)

		assert.Equal(t, []string{order.OrderUID, order.OrderUID}, f.notifier.updated)
	})

	t.Run("should treat re-submitting the current status as a no-op", func(t *testing.T) {
		f := setup(t)
		order := f.checkout(t, types.DeliveryTypeDelivery, "key-1")

		result, err := f.service.UpdateStatus(order.OrderUID, types.StatusConfirmed, f.vendorRole(), "vendor-user")

		require.NoError(t, err)
		assert.Equal(t, types.StatusConfirmed, result.Status)
		assert.Len(t, result.StatusHistory, 1, "no-op must not append history")
		assert.Empty(t, f.notifier.updated, "no-op must not emit events")
		assert.Equal(t, order.UpdatedAt, result.UpdatedAt)
	})

	t.Run("should reject invalid transitions with structured details", func(t *testing.T) {
		f := setup(t)
		order := f.checkout(t, types.DeliveryTypeDelivery, "key-1")

		_, err := f.service.UpdateStatus(order.OrderUID, types.StatusDelivered, f.vendorRole(), "vendor-user")

		var transitionErr *orders.TransitionError
		require.ErrorAs(t, err, &transitionErr)
		assert.Equal(t, types.StatusConfirmed, transitionErr.Current)
		assert.Equal(t, types.StatusDelivered, transitionErr.Requested)
		assert.Empty(t, f.notifier.updated, "rejected transition must not emit events")
	})

	t.Run("should leave the order untouched on a rejected transition", func(t *testing.T) {
		f := setup(t)
		order := f.checkout(t, types.DeliveryTypeDelivery, "key-1")

		_, err := f.service.UpdateStatus(order.OrderUID, types.StatusDelivered, f.vendorRole(), "vendor-user")
		require.Error(t, err)

		reloaded, err := f.service.GetOrder(order.OrderUID, f.vendorRole())
		require.NoError(t, err)
		assert.Equal(t, types.StatusConfirmed, reloaded.Status)
		assert.Len(t, reloaded.StatusHistory, 1)
	})

	t.Run("should return not found for orders outside the caller's scope", func(t *testing.T) {
		f := setup(t)
		order := f.checkout(t, types.DeliveryTypeDelivery, "key-1")

		stranger := identity.Role{Kind: identity.RoleVendor, VendorID: "other-vendor"}
		_, err := f.service.UpdateStatus(order.OrderUID, types.StatusProcessing, stranger, "other")

		require.ErrorIs(t, err, gorm.ErrRecordNotFound)
	})
}

func TestCancel(t *testing.T) {
	t.Run("should cancel a non-terminal order", func(t *testing.T) {
		f := setup(t)
		order := f.checkout(t, types.DeliveryTypeDelivery, "key-1")

		cancelled, err := f.service.Cancel(order.OrderUID, f.customerRole(), "customer-user")

		require.NoError(t, err)
		assert.Equal(t, types.StatusCancelled, cancelled.Status)
		assert.False(t, cancelled.IsCompleted)
	})

	t.Run("should reject cancelling a delivered order", func(t *testing.T) {
		f := setup(t)
		order := f.checkout(t, types.DeliveryTypeDelivery, "key-1")
		f.advance(t, order.OrderUID, types.StatusDelivered)

		_, err := f.service.Cancel(order.OrderUID, f.customerRole(), "customer-user")

		var transitionErr *orders.TransitionError
		require.ErrorAs(t, err, &transitionErr)
	})
}

func TestRefundFlow(t *testing.T) {
	t.Run("should refund a completed order on approval", func(t *testing.T) {
		f := setup(t)
		order := f.checkout(t, types.DeliveryTypeDelivery, "key-1")
		f.advance(t, order.OrderUID, types.StatusDelivered)
		f.notifier.updated = nil

		request, err := f.service.RequestRefund(order.OrderUID, f.customer.CustomerID, "arrived cold")
		require.NoError(t, err)
		assert.Equal(t, types.RefundPending, request.Status)

		refunded, err := f.service.ApproveRefund(request.RequestID, f.vendor.VendorID, "vendor-user")
		require.NoError(t, err)
		assert.Equal(t, types.StatusRefunded, refunded.Status)
		assert.True(t, refunded.IsCompleted)
		assert.Len(t, f.notifier.updated, 2)

		updated, err := f.service.ListRefundRequests(f.vendor.VendorID)
		require.NoError(t, err)
		require.Len(t, updated, 1)
		assert.Equal(t, types.RefundApproved, updated[0].Status)
	})

	t.Run("should keep refunded orders frozen", func(t *testing.T) {
		f := setup(t)
		order := f.checkout(t, types.DeliveryTypeDelivery, "key-1")
		f.advance(t, order.OrderUID, types.StatusDelivered)

		request, err := f.service.RequestRefund(order.OrderUID, f.customer.CustomerID, "arrived cold")
		require.NoError(t, err)
		_, err = f.service.ApproveRefund(request.RequestID, f.vendor.VendorID, "vendor-user")
		require.NoError(t, err)

		_, err = f.service.UpdateStatus(order.OrderUID, types.StatusDelivered, f.vendorRole(), "vendor-user")
		require.Error(t, err)
		assert.Equal(t, "refunds cannot be reversed", err.Error())
	})

	t.Run("should leave the order untouched on denial", func(t *testing.T) {
		f := setup(t)
		order := f.checkout(t, types.DeliveryTypeDelivery, "key-1")
		f.advance(t, order.OrderUID, types.StatusDelivered)

		request, err := f.service.RequestRefund(order.OrderUID, f.customer.CustomerID, "changed my mind")
		require.NoError(t, err)

		denied, err := f.service.DenyRefund(request.RequestID, f.vendor.VendorID)
		require.NoError(t, err)
		assert.Equal(t, types.RefundDenied, denied.Status)

		reloaded, err := f.service.GetOrder(order.OrderUID, f.customerRole())
		require.NoError(t, err)
		assert.Equal(t, types.StatusDelivered, reloaded.Status)
	})

	t.Run("should reject refund requests on incomplete orders", func(t *testing.T) {
		f := setup(t)
		order := f.checkout(t, types.DeliveryTypeDelivery, "key-1")

		_, err := f.service.RequestRefund(order.OrderUID, f.customer.CustomerID, "too slow")

		require.ErrorIs(t, err, orders.ErrOrderNotCompleted)
	})

	t.Run("should reject duplicate refund requests", func(t *testing.T) {
		f := setup(t)
		order := f.checkout(t, types.DeliveryTypeDelivery, "key-1")
		f.advance(t, order.OrderUID, types.StatusDelivered)

		_, err := f.service.RequestRefund(order.OrderUID, f.customer.CustomerID, "first")
		require.NoError(t, err)
		_, err = f.service.RequestRefund(order.OrderUID, f.customer.CustomerID, "second")

		require.ErrorIs(t, err, orders.ErrRefundExists)
	})

	t.Run("should reject approving another vendor's refund request", func(t *testing.T) {
		f := setup(t)
		order := f.checkout(t, types.DeliveryTypeDelivery, "key-1")
		f.advance(t, order.OrderUID, types.StatusDelivered)

		request, err := f.service.RequestRefund(order.OrderUID, f.customer.CustomerID, "reason")
		require.NoError(t, err)

		_, err = f.service.ApproveRefund(request.RequestID, "other-vendor", "other")
		require.ErrorIs(t, err, gorm.ErrRecordNotFound)
	})

	t.Run("should reject deciding a settled refund request twice", func(t *testing.T) {
		f := setup(t)
		order := f.checkout(t, types.DeliveryTypeDelivery, "key-1")
		f.advance(t, order.OrderUID, types.StatusDelivered)

		request, err := f.service.RequestRefund(order.OrderUID, f.customer.CustomerID, "reason")
		require.NoError(t, err)
		_, err = f.service.DenyRefund(request.RequestID, f.vendor.VendorID)
		require.NoError(t, err)

		_, err = f.service.ApproveRefund(request.RequestID, f.vendor.VendorID, "vendor-user")
		require.ErrorIs(t, err, orders.ErrRefundNotPending)
	})
}

func TestCreateReview(t *testing.T) {
	t.Run("should refresh vendor aggregates across reviews", func(t *testing.T) {
		f := setup(t)

		first := f.checkout(t, types.DeliveryTypeDelivery, "key-1")
		f.advance(t, first.OrderUID, types.StatusDelivered)
		second := f.checkout(t, types.DeliveryTypePickup, "key-2")
		f.advance(t, second.OrderUID, types.StatusPickedUp)

		_, err := f.service.CreateReview(first.OrderUID, f.customer.CustomerID, 5, "great")
		require.NoError(t, err)
		_, err = f.service.CreateReview(second.OrderUID, f.customer.CustomerID, 3, "fine")
		require.NoError(t, err)

		vendor, err := f.identity.GetVendor(f.vendor.VendorID)
		require.NoError(t, err)
		assert.Equal(t, 2, vendor.ReviewCount)
		assert.InDelta(t, 4.0, vendor.AverageRating, 0.001)
	})

	t.Run("should reject reviews on incomplete orders", func(t *testing.T) {
		f := setup(t)
		order := f.checkout(t, types.DeliveryTypeDelivery, "key-1")

		_, err := f.service.CreateReview(order.OrderUID, f.customer.CustomerID, 4, "early")

		require.ErrorIs(t, err, orders.ErrOrderNotCompleted)
	})

	t.Run("should reject a second review on the same order", func(t *testing.T) {
		f := setup(t)
		order := f.checkout(t, types.DeliveryTypeDelivery, "key-1")
		f.advance(t, order.OrderUID, types.StatusDelivered)

		_, err := f.service.CreateReview(order.OrderUID, f.customer.CustomerID, 5, "first")
		require.NoError(t, err)
		_, err = f.service.CreateReview(order.OrderUID, f.customer.CustomerID, 1, "second")

		require.ErrorIs(t, err, orders.ErrReviewExists)
	})
}

func TestListOrders(t *testing.T) {
	t.Run("should filter by status", func(t *testing.T) {
		f := setup(t)
		first := f.checkout(t, types.DeliveryTypeDelivery, "key-1")
		f.checkout(t, types.DeliveryTypeDelivery, "key-2")
		f.advance(t, first.OrderUID, types.StatusDelivered)

		delivered, err := f.service.ListOrders(f.vendorRole(), types.StatusDelivered)
		require.NoError(t, err)
		require.Len(t, delivered, 1)
		assert.Equal(t, first.OrderUID, delivered[0].OrderUID)

		all, err := f.service.ListOrders(f.vendorRole(), "")
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})
}

func TestStats(t *testing.T) {
	t.Run("should count orders and sum completed revenue", func(t *testing.T) {
		f := setup(t)

		completed := f.checkout(t, types.DeliveryTypeDelivery, "key-1")
		f.advance(t, completed.OrderUID, types.StatusDelivered)
		f.checkout(t, types.DeliveryTypeDelivery, "key-2")
		cancelled := f.checkout(t, types.DeliveryTypePickup, "key-3")
		_, err := f.service.Cancel(cancelled.OrderUID, f.customerRole(), "customer-user")
		require.NoError(t, err)

		stats, err := f.service.Stats(f.vendorRole())

		require.NoError(t, err)
		assert.Equal(t, int64(3), stats.TotalOrders)
		assert.Equal(t, int64(1), stats.PendingOrders)
		assert.Equal(t, int64(1), stats.CompletedOrders)
		assert.InDelta(t, completed.TotalAmount, stats.TotalRevenue, 0.001)
	})
}
