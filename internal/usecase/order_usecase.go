package usecase

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"shop/internal/domain/model"
	repo "shop/internal/repository"

	"github.com/rs/zerolog/log"
)

const (
	//ケニアのVAT
	vatRate = 0.16
	//国内一律の送料（KES）
	flatShippingFee = 200.0

	//order_number採番のリトライ上限
	orderNumberMaxRetries = 3
)

// 操作主体。ハンドラがJWTから取り出して明示的に渡す。
// コールバックなどシステム起点の処理はPrincipalを取らない。
type Principal struct {
	UserID int64
	Role   model.Role
}

func (p Principal) IsAdmin() bool {
	return p.Role == model.RoleAdmin
}

// 注文ステータスの遷移表。terminalからはどこへも遷移できない。
func canTransition(from, to model.OrderStatus) bool {
	switch from {
	case model.OrderStatusPending:
		return to == model.OrderStatusProcessing ||
			to == model.OrderStatusCancelled ||
			to == model.OrderStatusShipped
	case model.OrderStatusProcessing:
		return to == model.OrderStatusShipped ||
			to == model.OrderStatusRefunded
	case model.OrderStatusShipped:
		return to == model.OrderStatusDelivered ||
			to == model.OrderStatusRefunded
	}
	return false
}

// ORD-<timestamp>-<random>。衝突したら呼び出し側で再採番する。
func generateOrderNumber(now time.Time) string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return fmt.Sprintf("ORD-%s-%s", now.Format("20060102150405"), strings.ToUpper(hex.EncodeToString(b)))
}

type OrderUsecase struct {
	tx repo.TransactionManager
}

func NewOrderUsecase(tx repo.TransactionManager) *OrderUsecase {
	return &OrderUsecase{tx: tx}
}

type AddressInput struct {
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

func (a AddressInput) toModel() model.Address {
	return model.Address{
		Name:       a.Name,
		Phone:      a.Phone,
		Line1:      a.Line1,
		Line2:      a.Line2,
		City:       a.City,
		PostalCode: a.PostalCode,
		Country:    a.Country,
	}
}

type CreateOrderInput struct {
	ShippingAddress AddressInput
	BillingAddress  *AddressInput
	Notes           string
}

type DirectOrderItemInput struct {
	ProductID int64  `json:"product_id"`
	Quantity  int64  `json:"quantity"`
	Size      string `json:"size"`
	Color     string `json:"color"`
}

type CreateDirectOrderInput struct {
	Items           []DirectOrderItemInput
	ShippingAddress AddressInput
	BillingAddress  *AddressInput
	Notes           string
}

type OrderItemOutput struct {
	ProductID  int64   `json:"product_id"`
	Title      string  `json:"title"`
	UnitPrice  float64 `json:"unit_price"`
	Quantity   int64   `json:"quantity"`
	TotalPrice float64 `json:"total_price"`
	Size       string  `json:"size,omitempty"`
	Color      string  `json:"color,omitempty"`
}

type OrderOutput struct {
	ID             int64             `json:"id"`
	OrderNumber    string            `json:"order_number"`
	UserID         int64             `json:"user_id"`
	Status         string            `json:"status"`
	Subtotal       float64           `json:"subtotal"`
	TaxAmount      float64           `json:"tax_amount"`
	ShippingAmount float64           `json:"shipping_amount"`
	TotalAmount    float64           `json:"total_amount"`
	TrackingNumber string            `json:"tracking_number,omitempty"`
	Carrier        string            `json:"carrier,omitempty"`
	Notes          string            `json:"notes,omitempty"`
	CancelledAt    *time.Time        `json:"cancelled_at,omitempty"`
	DeliveredAt    *time.Time        `json:"delivered_at,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	Items          []OrderItemOutput `json:"items"`
}

// カートから注文を作成する。
// 在庫チェック→減算→注文＋明細作成→カートクリア までを1トランザクションで行い、
// 途中で失敗したら全部ロールバックする（中途半端な注文は外から見えない）。
func (u *OrderUsecase) CreateFromCart(ctx context.Context, userID int64, in CreateOrderInput) (OrderOutput, error) {
	if userID <= 0 {
		return OrderOutput{}, NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}

	var out OrderOutput

	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		cart, err := r.Carts().FindByUserID(ctx, userID)
		if errors.Is(err, repo.ErrNotFound) {
			return NewHTTPError(http.StatusBadRequest, "cart is empty")
		}
		if err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}

		cartItems, err := r.CartItems().ListByCartID(ctx, cart.ID)
		if err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}
		if len(cartItems) == 0 {
			return NewHTTPError(http.StatusBadRequest, "cart is empty")
		}

		lines := make([]requestedLine, 0, len(cartItems))
		for _, ci := range cartItems {
			lines = append(lines, requestedLine{
				ProductID: ci.ProductID,
				Quantity:  ci.Quantity,
				Size:      ci.Size,
				Color:     ci.Color,
			})
		}

		created, items, err := u.placeOrder(ctx, r, userID, lines, in.ShippingAddress, in.BillingAddress, in.Notes)
		if err != nil {
			return err
		}

		//チェックアウト成功後はカートを空にする
		if err := r.Carts().Clear(ctx, cart.ID); err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}

		out = toOrderOutput(created, items)
		return nil
	})

	if err != nil {
		return OrderOutput{}, err
	}
	return out, nil
}

// 明細を直接指定して注文を作成する（カスタム注文・API用）。
// 在庫・トランザクションの扱いはCreateFromCartと同じ。
func (u *OrderUsecase) CreateDirect(ctx context.Context, userID int64, in CreateDirectOrderInput) (OrderOutput, error) {
	if userID <= 0 {
		return OrderOutput{}, NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if len(in.Items) == 0 {
		return OrderOutput{}, NewHTTPError(http.StatusBadRequest, "items are required")
	}
	for _, it := range in.Items {
		if it.ProductID <= 0 {
			return OrderOutput{}, NewHTTPError(http.StatusBadRequest, "invalid product_id")
		}
		if it.Quantity < 1 {
			return OrderOutput{}, NewHTTPError(http.StatusBadRequest, "invalid quantity")
		}
	}

	var out OrderOutput

	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		lines := make([]requestedLine, 0, len(in.Items))
		for _, it := range in.Items {
			lines = append(lines, requestedLine{
				ProductID: it.ProductID,
				Quantity:  it.Quantity,
				Size:      it.Size,
				Color:     it.Color,
			})
		}

		created, items, err := u.placeOrder(ctx, r, userID, lines, in.ShippingAddress, in.BillingAddress, in.Notes)
		if err != nil {
			return err
		}

		out = toOrderOutput(created, items)
		return nil
	})

	if err != nil {
		return OrderOutput{}, err
	}
	return out, nil
}

type requestedLine struct {
	ProductID int64
	Quantity  int64
	Size      string
	Color     string
}

// 注文作成の本体。必ずトランザクション内で呼ぶ。
// 明細ごとに条件付きUPDATEで在庫を減らすので、同時注文でも売り越さない。
func (u *OrderUsecase) placeOrder(
	ctx context.Context,
	r repo.TxRepos,
	userID int64,
	lines []requestedLine,
	shipping AddressInput,
	billing *AddressInput,
	notes string,
) (model.Order, []model.OrderItem, error) {
	orderItems := make([]model.OrderItem, 0, len(lines))
	var subtotal float64

	for _, line := range lines {
		p, err := r.Products().FindByID(ctx, line.ProductID)
		if errors.Is(err, repo.ErrNotFound) {
			return model.Order{}, nil, NewHTTPError(http.StatusBadRequest, fmt.Sprintf("product not found: %d", line.ProductID))
		}
		if err != nil {
			return model.Order{}, nil, NewHTTPError(http.StatusInternalServerError, "db error")
		}
		if !p.IsActive {
			return model.Order{}, nil, NewHTTPError(http.StatusBadRequest, fmt.Sprintf("product not available: %s", p.Title))
		}

		ok, err := r.Inventory().DecreaseStockIfEnough(ctx, line.ProductID, line.Quantity)
		if err != nil {
			return model.Order{}, nil, NewHTTPError(http.StatusInternalServerError, "db error")
		}
		if !ok {
			return model.Order{}, nil, NewHTTPError(http.StatusBadRequest, fmt.Sprintf("insufficient stock for %s", p.Title))
		}

		//注文時点の価格・商品名をスナップショット
		lineTotal := p.Price * float64(line.Quantity)
		orderItems = append(orderItems, model.OrderItem{
			ProductID:     p.ID,
			TitleSnapshot: p.Title,
			UnitPrice:     p.Price,
			Quantity:      line.Quantity,
			TotalPrice:    lineTotal,
			Size:          line.Size,
			Color:         line.Color,
		})
		subtotal += lineTotal
	}

	taxAmount := subtotal * vatRate
	shippingAmount := flatShippingFee
	totalAmount := subtotal + taxAmount + shippingAmount

	billingAddr := shipping
	if billing != nil {
		billingAddr = *billing
	}

	order := model.Order{
		UserID:          userID,
		Status:          model.OrderStatusPending,
		Subtotal:        subtotal,
		TaxAmount:       taxAmount,
		ShippingAmount:  shippingAmount,
		TotalAmount:     totalAmount,
		ShippingAddress: shipping.toModel(),
		BillingAddress:  billingAddr.toModel(),
		Notes:           notes,
	}

	//order_numberの衝突は再採番してリトライ
	var orderID int64
	for attempt := 0; ; attempt++ {
		order.OrderNumber = generateOrderNumber(time.Now())

		id, err := r.Orders().Create(ctx, order)
		if err == nil {
			orderID = id
			break
		}
		if errors.Is(err, repo.ErrConflict) && attempt < orderNumberMaxRetries {
			continue
		}
		if errors.Is(err, repo.ErrConflict) {
			return model.Order{}, nil, NewHTTPError(http.StatusConflict, "could not allocate order number")
		}
		return model.Order{}, nil, NewHTTPError(http.StatusInternalServerError, "db error")
	}

	if err := r.OrderItems().CreateBulk(ctx, orderID, orderItems); err != nil {
		return model.Order{}, nil, NewHTTPError(http.StatusInternalServerError, "db error")
	}

	order.ID = orderID
	order.CreatedAt = time.Now()

	log.Info().
		Int64("order_id", orderID).
		Str("order_number", order.OrderNumber).
		Float64("total_amount", totalAmount).
		Msg("order created")

	return order, orderItems, nil
}

// 注文キャンセル（本人または管理者、pendingのみ）。
// 明細ぶんの在庫を戻すのが減算の補償処理。
func (u *OrderUsecase) Cancel(ctx context.Context, actor Principal, orderID int64, reason string) (OrderOutput, error) {
	if actor.UserID <= 0 {
		return OrderOutput{}, NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if orderID <= 0 {
		return OrderOutput{}, NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	var out OrderOutput

	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		o, err := r.Orders().FindByID(ctx, orderID)
		if errors.Is(err, repo.ErrNotFound) {
			return NewHTTPError(http.StatusNotFound, "not found")
		}
		if err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}

		if o.UserID != actor.UserID && !actor.IsAdmin() {
			//他人の注文は「存在しない扱い」
			return NewHTTPError(http.StatusNotFound, "not found")
		}

		if !canTransition(o.Status, model.OrderStatusCancelled) {
			return NewHTTPError(http.StatusBadRequest, fmt.Sprintf("cannot cancel order in status %s", o.Status))
		}

		items, err := r.OrderItems().ListByOrderID(ctx, orderID)
		if err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}

		now := time.Now()
		before := o.Status
		o.Status = model.OrderStatusCancelled
		o.CancelledAt = &now
		o.CancellationReason = reason

		//読み取り後に他所で遷移していたらCASが外れる。その場合は在庫も戻さない。
		err = r.Orders().Update(ctx, o, before)
		if errors.Is(err, repo.ErrConflict) {
			return NewHTTPError(http.StatusConflict, "order status changed, retry")
		}
		if err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}

		//在庫戻し
		for _, it := range items {
			if err := r.Inventory().IncreaseStock(ctx, it.ProductID, it.Quantity); err != nil {
				return NewHTTPError(http.StatusInternalServerError, "db error")
			}
		}

		out = toOrderOutput(o, items)
		return nil
	})

	if err != nil {
		return OrderOutput{}, err
	}

	log.Info().Int64("order_id", orderID).Int64("actor_user_id", actor.UserID).Msg("order cancelled")
	return out, nil
}

func (u *OrderUsecase) ListMyOrders(ctx context.Context, userID int64, page int, limit int) ([]OrderOutput, error) {
	if userID <= 0 {
		return []OrderOutput{}, NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 50
	}

	var outs []OrderOutput

	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		orders, _, err := r.Orders().ListByUserID(ctx, userID, page, limit)
		if err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}

		outs = make([]OrderOutput, 0, len(orders))
		for _, o := range orders {
			items, err := r.OrderItems().ListByOrderID(ctx, o.ID)
			if err != nil {
				return NewHTTPError(http.StatusInternalServerError, "db error")
			}
			outs = append(outs, toOrderOutput(o, items))
		}
		return nil
	})

	if err != nil {
		return []OrderOutput{}, err
	}
	return outs, nil
}

func (u *OrderUsecase) GetMyOrderDetail(ctx context.Context, userID int64, orderID int64) (OrderOutput, error) {
	if userID <= 0 {
		return OrderOutput{}, NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if orderID <= 0 {
		return OrderOutput{}, NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	var out OrderOutput

	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		o, err := r.Orders().FindByID(ctx, orderID)
		if errors.Is(err, repo.ErrNotFound) {
			return NewHTTPError(http.StatusNotFound, "not found")
		}
		if err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}
		if o.UserID != userID {
			return NewHTTPError(http.StatusNotFound, "not found")
		}

		items, err := r.OrderItems().ListByOrderID(ctx, orderID)
		if err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}

		out = toOrderOutput(o, items)
		return nil
	})

	if err != nil {
		return OrderOutput{}, err
	}
	return out, nil
}

// ORD-...番号での検索。確認メール等に載る番号からの問い合わせ用。
func (u *OrderUsecase) GetMyOrderByNumber(ctx context.Context, userID int64, orderNumber string) (OrderOutput, error) {
	if userID <= 0 {
		return OrderOutput{}, NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if orderNumber == "" {
		return OrderOutput{}, NewHTTPError(http.StatusBadRequest, "order number is required")
	}

	var out OrderOutput

	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		o, err := r.Orders().FindByNumber(ctx, orderNumber)
		if errors.Is(err, repo.ErrNotFound) {
			return NewHTTPError(http.StatusNotFound, "not found")
		}
		if err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}
		if o.UserID != userID {
			return NewHTTPError(http.StatusNotFound, "not found")
		}

		items, err := r.OrderItems().ListByOrderID(ctx, o.ID)
		if err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}

		out = toOrderOutput(o, items)
		return nil
	})

	if err != nil {
		return OrderOutput{}, err
	}
	return out, nil
}

func toOrderOutput(o model.Order, items []model.OrderItem) OrderOutput {
	outItems := make([]OrderItemOutput, 0, len(items))
	for _, it := range items {
		outItems = append(outItems, OrderItemOutput{
			ProductID:  it.ProductID,
			Title:      it.TitleSnapshot,
			UnitPrice:  it.UnitPrice,
			Quantity:   it.Quantity,
			TotalPrice: it.TotalPrice,
			Size:       it.Size,
			Color:      it.Color,
		})
	}

	return OrderOutput{
		ID:             o.ID,
		OrderNumber:    o.OrderNumber,
		UserID:         o.UserID,
		Status:         string(o.Status),
		Subtotal:       o.Subtotal,
		TaxAmount:      o.TaxAmount,
		ShippingAmount: o.ShippingAmount,
		TotalAmount:    o.TotalAmount,
		TrackingNumber: o.TrackingNumber,
		Carrier:        o.Carrier,
		Notes:          o.Notes,
		CancelledAt:    o.CancelledAt,
		DeliveredAt:    o.DeliveredAt,
		CreatedAt:      o.CreatedAt,
		Items:          outItems,
	}
}
