package usecase

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"shop/internal/domain/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOrderUsecaseForTest(s *memStore) *OrderUsecase {
	return NewOrderUsecase(&memTxManager{s: s})
}

func seedCartWith(t *testing.T, s *memStore, userID int64, productID int64, qty int64) int64 {
	t.Helper()
	cart, err := s.Carts().Create(context.Background(), model.Cart{UserID: &userID})
	require.NoError(t, err)
	_, err = s.CartItems().Create(context.Background(), model.CartItem{
		CartID:    cart.ID,
		ProductID: productID,
		Quantity:  qty,
	})
	require.NoError(t, err)
	return cart.ID
}

func TestCreateFromCart_Totals(t *testing.T) {
	s := newMemStore()
	p := s.addProduct(model.Product{Title: "Kitenge Tote", Price: 10.0, StockQuantity: 5, IsActive: true})
	cartID := seedCartWith(t, s, 1, p.ID, 2)

	uc := newOrderUsecaseForTest(s)
	out, err := uc.CreateFromCart(context.Background(), 1, CreateOrderInput{
		ShippingAddress: AddressInput{Name: "Jane", Phone: "0712345678", Line1: "Moi Ave", City: "Nairobi", Country: "KE"},
	})
	require.NoError(t, err)

	//小計20.00、VAT16%で3.20、送料一律200、合計223.20
	assert.Equal(t, 20.0, out.Subtotal)
	assert.InDelta(t, 3.20, out.TaxAmount, 1e-9)
	assert.Equal(t, 200.0, out.ShippingAmount)
	assert.InDelta(t, 223.20, out.TotalAmount, 1e-9)
	assert.Equal(t, string(model.OrderStatusPending), out.Status)

	//明細は注文時点のスナップショット
	require.Len(t, out.Items, 1)
	assert.Equal(t, "Kitenge Tote", out.Items[0].Title)
	assert.Equal(t, 10.0, out.Items[0].UnitPrice)
	assert.Equal(t, int64(2), out.Items[0].Quantity)

	//在庫が減り、カートは空になる
	got, _ := s.Products().FindByID(context.Background(), p.ID)
	assert.Equal(t, int64(3), got.StockQuantity)
	items, _ := s.CartItems().ListByCartID(context.Background(), cartID)
	assert.Empty(t, items)
}

func TestCreateFromCart_EmptyCart(t *testing.T) {
	s := newMemStore()
	uc := newOrderUsecaseForTest(s)

	_, err := uc.CreateFromCart(context.Background(), 1, CreateOrderInput{})
	he, ok := AsHTTPError(err)
	require.True(t, ok)
	assert.Equal(t, 400, he.Status)
	assert.Equal(t, "cart is empty", he.Message)
}

func TestCreateFromCart_InsufficientStock(t *testing.T) {
	s := newMemStore()
	p := s.addProduct(model.Product{Title: "Ankara Shirt", Price: 15.0, StockQuantity: 1, IsActive: true})
	seedCartWith(t, s, 1, p.ID, 3)

	uc := newOrderUsecaseForTest(s)
	_, err := uc.CreateFromCart(context.Background(), 1, CreateOrderInput{})

	he, ok := AsHTTPError(err)
	require.True(t, ok)
	assert.Equal(t, 400, he.Status)
	assert.Contains(t, he.Message, "insufficient stock for Ankara Shirt")
	assert.Empty(t, s.orders)
}

func TestCreateDirect_Validation(t *testing.T) {
	s := newMemStore()
	uc := newOrderUsecaseForTest(s)

	_, err := uc.CreateDirect(context.Background(), 1, CreateDirectOrderInput{})
	he, ok := AsHTTPError(err)
	require.True(t, ok)
	assert.Equal(t, 400, he.Status)

	_, err = uc.CreateDirect(context.Background(), 1, CreateDirectOrderInput{
		Items: []DirectOrderItemInput{{ProductID: 1, Quantity: 0}},
	})
	he, ok = AsHTTPError(err)
	require.True(t, ok)
	assert.Equal(t, 400, he.Status)
}

func TestCreateDirect_InactiveProduct(t *testing.T) {
	s := newMemStore()
	p := s.addProduct(model.Product{Title: "Old Stock", Price: 5.0, StockQuantity: 10, IsActive: false})

	uc := newOrderUsecaseForTest(s)
	_, err := uc.CreateDirect(context.Background(), 1, CreateDirectOrderInput{
		Items: []DirectOrderItemInput{{ProductID: p.ID, Quantity: 1}},
	})

	he, ok := AsHTTPError(err)
	require.True(t, ok)
	assert.Equal(t, 400, he.Status)
	assert.Contains(t, he.Message, "not available")
}

func TestGenerateOrderNumber_FormatAndUniqueness(t *testing.T) {
	now := time.Date(2025, 3, 4, 15, 6, 7, 0, time.UTC)
	re := regexp.MustCompile(`^ORD-20250304150607-[0-9A-F]{8}$`)

	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		n := generateOrderNumber(now)
		assert.Regexp(t, re, n)
		_, dup := seen[n]
		assert.False(t, dup, "duplicate order number %s", n)
		seen[n] = struct{}{}
	}
}

func TestConcurrentCheckout_NoOversell(t *testing.T) {
	s := newMemStore()
	p := s.addProduct(model.Product{Title: "Limited Cap", Price: 8.0, StockQuantity: 5, IsActive: true})
	uc := newOrderUsecaseForTest(s)

	var wg sync.WaitGroup
	results := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			_, err := uc.CreateDirect(context.Background(), userID, CreateDirectOrderInput{
				Items: []DirectOrderItemInput{{ProductID: p.ID, Quantity: 1}},
			})
			results <- err
		}(int64(i + 1))
	}
	wg.Wait()
	close(results)

	var succeeded int
	for err := range results {
		if err == nil {
			succeeded++
		}
	}

	//在庫5個ぶんだけ成功し、売り越さない
	assert.Equal(t, 5, succeeded)
	got, _ := s.Products().FindByID(context.Background(), p.ID)
	assert.Equal(t, int64(0), got.StockQuantity)
}

func TestCancel_RestoresStock(t *testing.T) {
	s := newMemStore()
	p := s.addProduct(model.Product{Title: "Beaded Necklace", Price: 12.0, StockQuantity: 4, IsActive: true})
	uc := newOrderUsecaseForTest(s)

	out, err := uc.CreateDirect(context.Background(), 1, CreateDirectOrderInput{
		Items: []DirectOrderItemInput{{ProductID: p.ID, Quantity: 3}},
	})
	require.NoError(t, err)

	cancelled, err := uc.Cancel(context.Background(), Principal{UserID: 1, Role: model.RoleCustomer}, out.ID, "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, string(model.OrderStatusCancelled), cancelled.Status)
	require.NotNil(t, cancelled.CancelledAt)

	got, _ := s.Products().FindByID(context.Background(), p.ID)
	assert.Equal(t, int64(4), got.StockQuantity)
}

func TestCancel_OnlyPending(t *testing.T) {
	s := newMemStore()
	p := s.addProduct(model.Product{Title: "Sisal Basket", Price: 9.0, StockQuantity: 2, IsActive: true})
	uc := newOrderUsecaseForTest(s)

	out, err := uc.CreateDirect(context.Background(), 1, CreateDirectOrderInput{
		Items: []DirectOrderItemInput{{ProductID: p.ID, Quantity: 1}},
	})
	require.NoError(t, err)

	require.NoError(t, s.Orders().UpdateStatus(context.Background(), out.ID, model.OrderStatusPending, model.OrderStatusShipped))

	_, err = uc.Cancel(context.Background(), Principal{UserID: 1, Role: model.RoleCustomer}, out.ID, "")
	he, ok := AsHTTPError(err)
	require.True(t, ok)
	assert.Equal(t, 400, he.Status)
	assert.Contains(t, he.Message, "cannot cancel")
}

func TestCancel_OtherUsersOrderHidden(t *testing.T) {
	s := newMemStore()
	p := s.addProduct(model.Product{Title: "Maasai Shuka", Price: 25.0, StockQuantity: 2, IsActive: true})
	uc := newOrderUsecaseForTest(s)

	out, err := uc.CreateDirect(context.Background(), 1, CreateDirectOrderInput{
		Items: []DirectOrderItemInput{{ProductID: p.ID, Quantity: 1}},
	})
	require.NoError(t, err)

	_, err = uc.Cancel(context.Background(), Principal{UserID: 2, Role: model.RoleCustomer}, out.ID, "")
	he, ok := AsHTTPError(err)
	require.True(t, ok)
	assert.Equal(t, 404, he.Status)
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from model.OrderStatus
		to   model.OrderStatus
		want bool
	}{
		{model.OrderStatusPending, model.OrderStatusProcessing, true},
		{model.OrderStatusPending, model.OrderStatusCancelled, true},
		{model.OrderStatusPending, model.OrderStatusShipped, true},
		{model.OrderStatusPending, model.OrderStatusDelivered, false},
		{model.OrderStatusProcessing, model.OrderStatusShipped, true},
		{model.OrderStatusProcessing, model.OrderStatusRefunded, true},
		{model.OrderStatusProcessing, model.OrderStatusCancelled, false},
		{model.OrderStatusShipped, model.OrderStatusDelivered, true},
		{model.OrderStatusShipped, model.OrderStatusRefunded, true},
		{model.OrderStatusShipped, model.OrderStatusPending, false},
		{model.OrderStatusDelivered, model.OrderStatusRefunded, false},
		{model.OrderStatusCancelled, model.OrderStatusPending, false},
		{model.OrderStatusRefunded, model.OrderStatusProcessing, false},
	}

	for _, c := range cases {
		assert.Equal(t, c.want, canTransition(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}

func TestGetMyOrderByNumber(t *testing.T) {
	s := newMemStore()
	p := s.addProduct(model.Product{Title: "Beaded Sandals", Price: 15.0, StockQuantity: 3, IsActive: true})
	uc := newOrderUsecaseForTest(s)

	out, err := uc.CreateDirect(context.Background(), 1, CreateDirectOrderInput{
		Items: []DirectOrderItemInput{{ProductID: p.ID, Quantity: 1}},
	})
	require.NoError(t, err)

	got, err := uc.GetMyOrderByNumber(context.Background(), 1, out.OrderNumber)
	require.NoError(t, err)
	assert.Equal(t, out.ID, got.ID)
	require.Len(t, got.Items, 1)

	//他人からは見えない
	_, err = uc.GetMyOrderByNumber(context.Background(), 2, out.OrderNumber)
	he, ok := AsHTTPError(err)
	require.True(t, ok)
	assert.Equal(t, 404, he.Status)

	_, err = uc.GetMyOrderByNumber(context.Background(), 1, "ORD-NOPE")
	he, ok = AsHTTPError(err)
	require.True(t, ok)
	assert.Equal(t, 404, he.Status)
}

func TestGetMyOrderDetail_Ownership(t *testing.T) {
	s := newMemStore()
	p := s.addProduct(model.Product{Title: "Leso Wrap", Price: 7.5, StockQuantity: 10, IsActive: true})
	uc := newOrderUsecaseForTest(s)

	out, err := uc.CreateDirect(context.Background(), 1, CreateDirectOrderInput{
		Items: []DirectOrderItemInput{{ProductID: p.ID, Quantity: 2}},
	})
	require.NoError(t, err)

	got, err := uc.GetMyOrderDetail(context.Background(), 1, out.ID)
	require.NoError(t, err)
	assert.Equal(t, out.OrderNumber, got.OrderNumber)

	_, err = uc.GetMyOrderDetail(context.Background(), 2, out.ID)
	he, ok := AsHTTPError(err)
	require.True(t, ok)
	assert.Equal(t, 404, he.Status)
}
