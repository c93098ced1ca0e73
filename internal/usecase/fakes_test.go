package usecase

import (
	"context"
	"strings"
	"sync"
	"time"

	"shop/internal/domain/model"
	repo "shop/internal/repository"
)

// インメモリのRepository実装。GORMを立てずにusecaseを検証するためのもの。
type memStore struct {
	mu sync.Mutex

	products  map[int64]model.Product
	carts     map[int64]model.Cart
	cartItems map[int64]model.CartItem
	orders    map[int64]model.Order
	orderNums map[string]int64
	orderItms map[int64][]model.OrderItem
	payments  map[int64]model.Payment
	payRefs   map[string]int64
	users     map[int64]model.User
	adjusts   []model.InventoryAdjustment
	audits    []model.AuditLog

	nextID int64
}

func newMemStore() *memStore {
	return &memStore{
		products:  map[int64]model.Product{},
		carts:     map[int64]model.Cart{},
		cartItems: map[int64]model.CartItem{},
		orders:    map[int64]model.Order{},
		orderNums: map[string]int64{},
		orderItms: map[int64][]model.OrderItem{},
		payments:  map[int64]model.Payment{},
		payRefs:   map[string]int64{},
		users:     map[int64]model.User{},
	}
}

func (s *memStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *memStore) addProduct(p model.Product) model.Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == 0 {
		p.ID = s.id()
	}
	s.products[p.ID] = p
	return p
}

// TxRepos
func (s *memStore) Orders() repo.OrderRepository         { return (*memOrders)(s) }
func (s *memStore) OrderItems() repo.OrderItemRepository { return (*memOrderItems)(s) }
func (s *memStore) Carts() repo.CartRepository           { return (*memCarts)(s) }
func (s *memStore) CartItems() repo.CartItemRepository   { return (*memCartItems)(s) }
func (s *memStore) Inventory() repo.InventoryRepository  { return (*memInventory)(s) }
func (s *memStore) Products() repo.ProductRepository     { return (*memProducts)(s) }
func (s *memStore) Payments() repo.PaymentRepository     { return (*memPayments)(s) }

// ロールバックは模倣しない（エラー経路のテストは状態を個別に確認する）
type memTxManager struct{ s *memStore }

func (m *memTxManager) WithinTx(_ context.Context, fn func(r repo.TxRepos) error) error {
	return fn(m.s)
}

type memProducts memStore

func (r *memProducts) ListPublic(_ context.Context, q repo.ProductListQuery) ([]model.Product, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Product
	for _, p := range r.products {
		if !p.IsActive {
			continue
		}
		if q.Q != "" && !strings.Contains(strings.ToLower(p.Title), strings.ToLower(q.Q)) {
			continue
		}
		if q.Category != "" && p.Category != q.Category {
			continue
		}
		out = append(out, p)
	}
	return out, int64(len(out)), nil
}

func (r *memProducts) FindByID(_ context.Context, id int64) (model.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.products[id]
	if !ok {
		return model.Product{}, repo.ErrNotFound
	}
	return p, nil
}

func (r *memProducts) Create(_ context.Context, p model.Product) (model.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p.ID = (*memStore)(r).id()
	r.products[p.ID] = p
	return p, nil
}

func (r *memProducts) Update(_ context.Context, p model.Product) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.products[p.ID]; !ok {
		return repo.ErrNotFound
	}
	r.products[p.ID] = p
	return nil
}

func (r *memProducts) SoftDelete(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.products[id]; !ok {
		return repo.ErrNotFound
	}
	delete(r.products, id)
	return nil
}

type memInventory memStore

func (r *memInventory) DecreaseStockIfEnough(_ context.Context, productID int64, qty int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.products[productID]
	if !ok || p.StockQuantity < qty {
		return false, nil
	}
	p.StockQuantity -= qty
	r.products[productID] = p
	return true, nil
}

func (r *memInventory) IncreaseStock(_ context.Context, productID int64, qty int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.products[productID]
	if !ok {
		return repo.ErrNotFound
	}
	p.StockQuantity += qty
	r.products[productID] = p
	return nil
}

func (r *memInventory) SetStock(_ context.Context, productID int64, newStock int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.products[productID]
	if !ok {
		return repo.ErrNotFound
	}
	p.StockQuantity = newStock
	r.products[productID] = p
	return nil
}

func (r *memInventory) CreateAdjustment(_ context.Context, adj model.InventoryAdjustment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adjusts = append(r.adjusts, adj)
	return nil
}

type memCarts memStore

func (r *memCarts) FindByUserID(_ context.Context, userID int64) (model.Cart, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.carts {
		if c.UserID != nil && *c.UserID == userID {
			return c, nil
		}
	}
	return model.Cart{}, repo.ErrNotFound
}

func (r *memCarts) FindBySessionID(_ context.Context, sessionID string) (model.Cart, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.carts {
		if c.SessionID != nil && *c.SessionID == sessionID {
			return c, nil
		}
	}
	return model.Cart{}, repo.ErrNotFound
}

func (r *memCarts) FindByID(_ context.Context, cartID int64) (model.Cart, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.carts[cartID]
	if !ok {
		return model.Cart{}, repo.ErrNotFound
	}
	return c, nil
}

func (r *memCarts) Create(_ context.Context, cart model.Cart) (model.Cart, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cart.ID = (*memStore)(r).id()
	r.carts[cart.ID] = cart
	return cart, nil
}

func (r *memCarts) Clear(_ context.Context, cartID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, it := range r.cartItems {
		if it.CartID == cartID {
			delete(r.cartItems, id)
		}
	}
	return nil
}

func (r *memCarts) Delete(_ context.Context, cartID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, it := range r.cartItems {
		if it.CartID == cartID {
			delete(r.cartItems, id)
		}
	}
	delete(r.carts, cartID)
	return nil
}

type memCartItems memStore

func (r *memCartItems) ListByCartID(_ context.Context, cartID int64) ([]model.CartItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.CartItem
	for _, it := range r.cartItems {
		if it.CartID == cartID {
			out = append(out, it)
		}
	}
	return out, nil
}

func (r *memCartItems) FindByID(_ context.Context, cartItemID int64) (model.CartItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.cartItems[cartItemID]
	if !ok {
		return model.CartItem{}, repo.ErrNotFound
	}
	return it, nil
}

func (r *memCartItems) FindByCartAndVariant(_ context.Context, cartID int64, productID int64, size string, color string) (model.CartItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, it := range r.cartItems {
		if it.CartID == cartID && it.ProductID == productID && it.Size == size && it.Color == color {
			return it, nil
		}
	}
	return model.CartItem{}, repo.ErrNotFound
}

func (r *memCartItems) Create(_ context.Context, item model.CartItem) (model.CartItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item.ID = (*memStore)(r).id()
	r.cartItems[item.ID] = item
	return item, nil
}

func (r *memCartItems) UpdateQuantity(_ context.Context, cartItemID int64, qty int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.cartItems[cartItemID]
	if !ok {
		return repo.ErrNotFound
	}
	it.Quantity = qty
	r.cartItems[cartItemID] = it
	return nil
}

func (r *memCartItems) DeleteByID(_ context.Context, cartItemID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cartItems, cartItemID)
	return nil
}

func (r *memCartItems) IsInCart(_ context.Context, cartItemID int64, cartID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.cartItems[cartItemID]
	return ok && it.CartID == cartID, nil
}

type memOrders memStore

func (r *memOrders) FindByID(_ context.Context, orderID int64) (model.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok {
		return model.Order{}, repo.ErrNotFound
	}
	return o, nil
}

func (r *memOrders) FindByNumber(_ context.Context, orderNumber string) (model.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.orderNums[orderNumber]
	if !ok {
		return model.Order{}, repo.ErrNotFound
	}
	return r.orders[id], nil
}

func (r *memOrders) ListByUserID(_ context.Context, userID int64, _ int, _ int) ([]model.Order, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Order
	for _, o := range r.orders {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	return out, int64(len(out)), nil
}

func (r *memOrders) Create(_ context.Context, order model.Order) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.orderNums[order.OrderNumber]; dup {
		return 0, repo.ErrConflict
	}
	order.ID = (*memStore)(r).id()
	r.orders[order.ID] = order
	r.orderNums[order.OrderNumber] = order.ID
	return order.ID, nil
}

func (r *memOrders) Update(_ context.Context, order model.Order, from model.OrderStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.orders[order.ID]
	if !ok || cur.Status != from {
		return repo.ErrConflict
	}
	r.orders[order.ID] = order
	return nil
}

func (r *memOrders) UpdateStatus(_ context.Context, orderID int64, from model.OrderStatus, to model.OrderStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok || o.Status != from {
		return repo.ErrConflict
	}
	o.Status = to
	r.orders[orderID] = o
	return nil
}

func (r *memOrders) ListAdmin(_ context.Context, f repo.AdminOrderListFilter) ([]model.Order, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Order
	for _, o := range r.orders {
		if f.Status != "" && string(o.Status) != f.Status {
			continue
		}
		if f.Term != "" && !strings.Contains(strings.ToLower(o.OrderNumber), strings.ToLower(f.Term)) {
			continue
		}
		if f.UserID != nil && o.UserID != *f.UserID {
			continue
		}
		out = append(out, o)
	}
	return out, int64(len(out)), nil
}

func (r *memOrders) Stats(_ context.Context, from *time.Time, to *time.Time) (repo.OrderStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := repo.OrderStats{ByStatus: map[model.OrderStatus]int64{}}
	for _, o := range r.orders {
		if from != nil && o.CreatedAt.Before(*from) {
			continue
		}
		if to != nil && o.CreatedAt.After(*to) {
			continue
		}
		stats.TotalOrders++
		stats.ByStatus[o.Status]++
		if o.Status != model.OrderStatusCancelled && o.Status != model.OrderStatusRefunded {
			stats.TotalRevenue += o.TotalAmount
		}
	}
	return stats, nil
}

type memOrderItems memStore

func (r *memOrderItems) CreateBulk(_ context.Context, orderID int64, items []model.OrderItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range items {
		items[i].ID = (*memStore)(r).id()
		items[i].OrderID = orderID
	}
	r.orderItms[orderID] = append(r.orderItms[orderID], items...)
	return nil
}

func (r *memOrderItems) ListByOrderID(_ context.Context, orderID int64) ([]model.OrderItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.orderItms[orderID], nil
}

type memPayments memStore

func (r *memPayments) Create(_ context.Context, p model.Payment) (model.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.payRefs[p.PaymentReference]; dup {
		return model.Payment{}, repo.ErrConflict
	}
	p.ID = (*memStore)(r).id()
	r.payments[p.ID] = p
	r.payRefs[p.PaymentReference] = p.ID
	return p, nil
}

func (r *memPayments) FindByID(_ context.Context, paymentID int64) (model.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[paymentID]
	if !ok {
		return model.Payment{}, repo.ErrNotFound
	}
	return p, nil
}

func (r *memPayments) FindByReference(_ context.Context, reference string) (model.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.payRefs[reference]
	if !ok {
		return model.Payment{}, repo.ErrNotFound
	}
	return r.payments[id], nil
}

func (r *memPayments) FindByCheckoutRequestID(_ context.Context, checkoutRequestID string) (model.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if checkoutRequestID != "" {
		for _, p := range r.payments {
			if p.CheckoutRequestID == checkoutRequestID {
				return p, nil
			}
		}
	}
	return model.Payment{}, repo.ErrNotFound
}

func (r *memPayments) FindByMerchantRequestID(_ context.Context, merchantRequestID string) (model.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if merchantRequestID != "" {
		for _, p := range r.payments {
			if p.MerchantRequestID == merchantRequestID {
				return p, nil
			}
		}
	}
	return model.Payment{}, repo.ErrNotFound
}

func (r *memPayments) ListByOrderID(_ context.Context, orderID int64) ([]model.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Payment
	for _, p := range r.payments {
		if p.OrderID == orderID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *memPayments) ListByUserID(_ context.Context, userID int64, _ int, _ int) ([]model.Payment, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Payment
	for _, p := range r.payments {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	return out, int64(len(out)), nil
}

func (r *memPayments) Update(_ context.Context, p model.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.payments[p.ID]; !ok {
		return repo.ErrNotFound
	}
	r.payments[p.ID] = p
	return nil
}

type memAuditLogs memStore

func (r *memAuditLogs) Create(_ context.Context, l model.AuditLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audits = append(r.audits, l)
	return nil
}
