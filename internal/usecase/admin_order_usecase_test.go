package usecase

import (
	"context"
	"testing"

	"shop/internal/domain/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func adminOrderFixture(t *testing.T) (*memStore, *AdminOrderUsecase, OrderOutput) {
	t.Helper()
	s := newMemStore()
	p := s.addProduct(model.Product{Title: "Kanga Set", Price: 20.0, StockQuantity: 5, IsActive: true})

	orderUC := newOrderUsecaseForTest(s)
	order, err := orderUC.CreateDirect(context.Background(), 1, CreateDirectOrderInput{
		Items: []DirectOrderItemInput{{ProductID: p.ID, Quantity: 2}},
	})
	require.NoError(t, err)

	return s, NewAdminOrderUsecase(&memTxManager{s: s}, (*memAuditLogs)(s)), order
}

func TestAdminUpdateStatus_ShippedRequiresTracking(t *testing.T) {
	_, uc, order := adminOrderFixture(t)

	_, err := uc.UpdateStatus(context.Background(), admin, order.ID, UpdateOrderStatusInput{Status: "shipped"})
	he, ok := AsHTTPError(err)
	require.True(t, ok)
	assert.Equal(t, 400, he.Status)
	assert.Contains(t, he.Message, "tracking_number")

	out, err := uc.UpdateStatus(context.Background(), admin, order.ID, UpdateOrderStatusInput{
		Status:         "shipped",
		TrackingNumber: "TRK-001",
		Carrier:        "G4S",
	})
	require.NoError(t, err)
	assert.Equal(t, "shipped", out.Status)
	assert.Equal(t, "TRK-001", out.TrackingNumber)
	assert.Equal(t, "G4S", out.Carrier)
}

func TestAdminUpdateStatus_DeliveredSetsTimestamp(t *testing.T) {
	_, uc, order := adminOrderFixture(t)

	_, err := uc.UpdateStatus(context.Background(), admin, order.ID, UpdateOrderStatusInput{
		Status: "shipped", TrackingNumber: "TRK-001", Carrier: "G4S",
	})
	require.NoError(t, err)

	out, err := uc.UpdateStatus(context.Background(), admin, order.ID, UpdateOrderStatusInput{Status: "delivered"})
	require.NoError(t, err)
	assert.Equal(t, "delivered", out.Status)
	require.NotNil(t, out.DeliveredAt)

	//deliveredは終端
	_, err = uc.UpdateStatus(context.Background(), admin, order.ID, UpdateOrderStatusInput{Status: "refunded"})
	he, ok := AsHTTPError(err)
	require.True(t, ok)
	assert.Equal(t, 400, he.Status)
}

func TestAdminUpdateStatus_CancelRestoresStock(t *testing.T) {
	s, uc, order := adminOrderFixture(t)

	out, err := uc.UpdateStatus(context.Background(), admin, order.ID, UpdateOrderStatusInput{
		Status: "cancelled", Reason: "customer request",
	})
	require.NoError(t, err)
	assert.Equal(t, "cancelled", out.Status)
	require.NotNil(t, out.CancelledAt)

	//在庫が戻る
	items, err := s.OrderItems().ListByOrderID(context.Background(), order.ID)
	require.NoError(t, err)
	p, err := s.Products().FindByID(context.Background(), items[0].ProductID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), p.StockQuantity)
}

func TestAdminUpdateStatus_WritesAudit(t *testing.T) {
	s, uc, order := adminOrderFixture(t)

	_, err := uc.UpdateStatus(context.Background(), admin, order.ID, UpdateOrderStatusInput{Status: "processing"})
	require.NoError(t, err)

	require.Len(t, s.audits, 1)
	assert.Equal(t, model.AuditActionUpdateOrderStatus, s.audits[0].Action)
	assert.Equal(t, order.ID, s.audits[0].ResourceID)
	assert.Equal(t, int64(99), s.audits[0].ActorUserID)
	assert.Contains(t, s.audits[0].BeforeJSON, "pending")
	assert.Contains(t, s.audits[0].AfterJSON, "processing")
}

func TestAdminGetDetail_IncludesPayments(t *testing.T) {
	s, uc, order := adminOrderFixture(t)

	gw := &fakeGateway{}
	payUC := NewPaymentUsecase(&memTxManager{s: s}, gw, (*memAuditLogs)(s))
	pay, err := payUC.Initiate(context.Background(), 1, InitiatePaymentInput{
		OrderID:       order.ID,
		Amount:        order.TotalAmount,
		PaymentMethod: "mpesa",
		PhoneNumber:   "0712345678",
	})
	require.NoError(t, err)

	out, err := uc.GetDetail(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.ID, out.Order.ID)
	require.Len(t, out.Payments, 1)
	assert.Equal(t, pay.ID, out.Payments[0].ID)
	assert.Equal(t, pay.PaymentReference, out.Payments[0].PaymentReference)
}

func TestAdminStats(t *testing.T) {
	s, uc, order := adminOrderFixture(t)

	orderUC := newOrderUsecaseForTest(s)
	p := s.addProduct(model.Product{Title: "Extra", Price: 10.0, StockQuantity: 10, IsActive: true})
	cancelled, err := orderUC.CreateDirect(context.Background(), 2, CreateDirectOrderInput{
		Items: []DirectOrderItemInput{{ProductID: p.ID, Quantity: 1}},
	})
	require.NoError(t, err)
	_, err = orderUC.Cancel(context.Background(), Principal{UserID: 2, Role: model.RoleCustomer}, cancelled.ID, "")
	require.NoError(t, err)

	out, err := uc.Stats(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), out.TotalOrders)
	assert.Equal(t, int64(1), out.ByStatus["pending"])
	assert.Equal(t, int64(1), out.ByStatus["cancelled"])
	//キャンセルぶんは売上に入らない
	assert.Equal(t, order.TotalAmount, out.TotalRevenue)
}

func TestAdminList_TermSearch(t *testing.T) {
	s, uc, order := adminOrderFixture(t)

	orderUC := newOrderUsecaseForTest(s)
	p := s.addProduct(model.Product{Title: "Extra", Price: 1.0, StockQuantity: 10, IsActive: true})
	_, err := orderUC.CreateDirect(context.Background(), 2, CreateDirectOrderInput{
		Items: []DirectOrderItemInput{{ProductID: p.ID, Quantity: 1}},
	})
	require.NoError(t, err)

	//注文番号の末尾サフィックスで部分一致検索
	suffix := order.OrderNumber[len(order.OrderNumber)-8:]
	out, err := uc.List(context.Background(), AdminOrderListInput{Term: suffix})
	require.NoError(t, err)
	assert.Equal(t, int64(1), out.Total)
	require.Len(t, out.Orders, 1)
	assert.Equal(t, order.ID, out.Orders[0].ID)

	out, err = uc.List(context.Background(), AdminOrderListInput{Term: "NO-SUCH"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), out.Total)
}

func TestAdminList_StatusFilter(t *testing.T) {
	s, uc, order := adminOrderFixture(t)

	orderUC := newOrderUsecaseForTest(s)
	p := s.addProduct(model.Product{Title: "Extra", Price: 1.0, StockQuantity: 10, IsActive: true})
	_, err := orderUC.CreateDirect(context.Background(), 2, CreateDirectOrderInput{
		Items: []DirectOrderItemInput{{ProductID: p.ID, Quantity: 1}},
	})
	require.NoError(t, err)

	require.NoError(t, s.Orders().UpdateStatus(context.Background(), order.ID, model.OrderStatusPending, model.OrderStatusProcessing))

	out, err := uc.List(context.Background(), AdminOrderListInput{Status: "processing"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), out.Total)
	require.Len(t, out.Orders, 1)
	assert.Equal(t, order.ID, out.Orders[0].ID)

	_, err = uc.List(context.Background(), AdminOrderListInput{Status: "bogus"})
	he, ok := AsHTTPError(err)
	require.True(t, ok)
	assert.Equal(t, 400, he.Status)
}
