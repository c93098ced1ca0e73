package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"shop/internal/domain/model"
	repo "shop/internal/repository"

	"github.com/rs/zerolog/log"
)

type AdminOrderUsecase struct {
	tx        repo.TransactionManager
	auditRepo repo.AuditLogRepository
}

func NewAdminOrderUsecase(tx repo.TransactionManager, auditRepo repo.AuditLogRepository) *AdminOrderUsecase {
	return &AdminOrderUsecase{tx: tx, auditRepo: auditRepo}
}

type AdminOrderListInput struct {
	Page   int
	Limit  int
	Status string
	//注文番号の部分一致検索
	Term   string
	UserID *int64
	From   *time.Time
	To     *time.Time
}

type AdminOrderListOutput struct {
	Orders []OrderOutput `json:"orders"`
	Total  int64         `json:"total"`
	Page   int           `json:"page"`
	Limit  int           `json:"limit"`
}

func (u *AdminOrderUsecase) List(ctx context.Context, in AdminOrderListInput) (AdminOrderListOutput, error) {
	if in.Page < 1 {
		in.Page = 1
	}
	if in.Limit < 1 || in.Limit > 100 {
		in.Limit = 50
	}
	if in.Status != "" {
		switch model.OrderStatus(in.Status) {
		case model.OrderStatusPending, model.OrderStatusProcessing, model.OrderStatusShipped,
			model.OrderStatusDelivered, model.OrderStatusCancelled, model.OrderStatusRefunded:
		default:
			return AdminOrderListOutput{}, NewHTTPError(http.StatusBadRequest, "invalid status")
		}
	}

	var out AdminOrderListOutput

	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		orders, total, err := r.Orders().ListAdmin(ctx, repo.AdminOrderListFilter{
			Page:   in.Page,
			Limit:  in.Limit,
			Status: in.Status,
			Term:   in.Term,
			UserID: in.UserID,
			From:   in.From,
			To:     in.To,
		})
		if err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}

		outs := make([]OrderOutput, 0, len(orders))
		for _, o := range orders {
			items, err := r.OrderItems().ListByOrderID(ctx, o.ID)
			if err != nil {
				return NewHTTPError(http.StatusInternalServerError, "db error")
			}
			outs = append(outs, toOrderOutput(o, items))
		}

		out = AdminOrderListOutput{Orders: outs, Total: total, Page: in.Page, Limit: in.Limit}
		return nil
	})

	if err != nil {
		return AdminOrderListOutput{}, err
	}
	return out, nil
}

// 管理者向けの注文詳細。サポート対応で参照するため支払い履歴も併せて返す。
type AdminOrderDetailOutput struct {
	Order    OrderOutput     `json:"order"`
	Payments []PaymentOutput `json:"payments"`
}

func (u *AdminOrderUsecase) GetDetail(ctx context.Context, orderID int64) (AdminOrderDetailOutput, error) {
	if orderID <= 0 {
		return AdminOrderDetailOutput{}, NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	var out AdminOrderDetailOutput

	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		o, err := r.Orders().FindByID(ctx, orderID)
		if errors.Is(err, repo.ErrNotFound) {
			return NewHTTPError(http.StatusNotFound, "not found")
		}
		if err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}

		items, err := r.OrderItems().ListByOrderID(ctx, orderID)
		if err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}

		payments, err := r.Payments().ListByOrderID(ctx, orderID)
		if err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}

		outPayments := make([]PaymentOutput, 0, len(payments))
		for _, p := range payments {
			outPayments = append(outPayments, toPaymentOutput(p))
		}

		out = AdminOrderDetailOutput{Order: toOrderOutput(o, items), Payments: outPayments}
		return nil
	})

	if err != nil {
		return AdminOrderDetailOutput{}, err
	}
	return out, nil
}

type UpdateOrderStatusInput struct {
	Status         string `json:"status"`
	TrackingNumber string `json:"tracking_number"`
	Carrier        string `json:"carrier"`
	Reason         string `json:"reason"`
}

// 管理者による注文ステータス更新。遷移表に従い、
// shippedには追跡情報が必須、cancelledは在庫を戻す。操作は監査ログに残す。
func (u *AdminOrderUsecase) UpdateStatus(ctx context.Context, actor Principal, orderID int64, in UpdateOrderStatusInput) (OrderOutput, error) {
	if !actor.IsAdmin() {
		return OrderOutput{}, NewHTTPError(http.StatusForbidden, "forbidden")
	}
	if orderID <= 0 {
		return OrderOutput{}, NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	to := model.OrderStatus(in.Status)
	switch to {
	case model.OrderStatusProcessing, model.OrderStatusShipped,
		model.OrderStatusDelivered, model.OrderStatusCancelled, model.OrderStatusRefunded:
	default:
		return OrderOutput{}, NewHTTPError(http.StatusBadRequest, "invalid status")
	}

	if to == model.OrderStatusShipped && (in.TrackingNumber == "" || in.Carrier == "") {
		return OrderOutput{}, NewHTTPError(http.StatusBadRequest, "tracking_number and carrier are required for shipped")
	}

	var out OrderOutput
	var before model.OrderStatus

	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		o, err := r.Orders().FindByID(ctx, orderID)
		if errors.Is(err, repo.ErrNotFound) {
			return NewHTTPError(http.StatusNotFound, "not found")
		}
		if err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}

		if !canTransition(o.Status, to) {
			return NewHTTPError(http.StatusBadRequest, fmt.Sprintf("cannot transition from %s to %s", o.Status, to))
		}
		before = o.Status

		items, err := r.OrderItems().ListByOrderID(ctx, orderID)
		if err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}

		now := time.Now()
		switch to {
		case model.OrderStatusShipped:
			o.TrackingNumber = in.TrackingNumber
			o.Carrier = in.Carrier
		case model.OrderStatusDelivered:
			o.DeliveredAt = &now
		case model.OrderStatusCancelled:
			o.CancelledAt = &now
			o.CancellationReason = in.Reason
		}
		o.Status = to

		//遷移表チェックから書き込みまでの間に他所で遷移していたらCASが外れる
		err = r.Orders().Update(ctx, o, before)
		if errors.Is(err, repo.ErrConflict) {
			return NewHTTPError(http.StatusConflict, "order status changed, retry")
		}
		if err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}

		//キャンセルは在庫を戻す
		if to == model.OrderStatusCancelled {
			for _, it := range items {
				if err := r.Inventory().IncreaseStock(ctx, it.ProductID, it.Quantity); err != nil {
					return NewHTTPError(http.StatusInternalServerError, "db error")
				}
			}
		}

		out = toOrderOutput(o, items)
		return nil
	})

	if err != nil {
		return OrderOutput{}, err
	}

	u.writeAudit(ctx, actor, orderID, before, to)

	log.Info().
		Int64("order_id", orderID).
		Str("from", string(before)).
		Str("to", string(to)).
		Int64("actor_user_id", actor.UserID).
		Msg("order status updated")

	return out, nil
}

type AdminOrderStatsOutput struct {
	TotalOrders  int64            `json:"total_orders"`
	TotalRevenue float64          `json:"total_revenue"`
	ByStatus     map[string]int64 `json:"by_status"`
}

// 期間指定の注文集計。ダッシュボード用。
func (u *AdminOrderUsecase) Stats(ctx context.Context, from *time.Time, to *time.Time) (AdminOrderStatsOutput, error) {
	if from != nil && to != nil && to.Before(*from) {
		return AdminOrderStatsOutput{}, NewHTTPError(http.StatusBadRequest, "invalid period")
	}

	var out AdminOrderStatsOutput
	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		stats, err := r.Orders().Stats(ctx, from, to)
		if err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}

		byStatus := make(map[string]int64, len(stats.ByStatus))
		for s, n := range stats.ByStatus {
			byStatus[string(s)] = n
		}
		out = AdminOrderStatsOutput{
			TotalOrders:  stats.TotalOrders,
			TotalRevenue: stats.TotalRevenue,
			ByStatus:     byStatus,
		}
		return nil
	})
	if err != nil {
		return AdminOrderStatsOutput{}, err
	}
	return out, nil
}

// 監査ログの失敗で本処理は巻き戻さない（ログだけ残す）
func (u *AdminOrderUsecase) writeAudit(ctx context.Context, actor Principal, orderID int64, from, to model.OrderStatus) {
	beforeJSON, _ := json.Marshal(map[string]string{"status": string(from)})
	afterJSON, _ := json.Marshal(map[string]string{"status": string(to)})

	err := u.auditRepo.Create(ctx, model.AuditLog{
		ActorUserID:  actor.UserID,
		Action:       model.AuditActionUpdateOrderStatus,
		ResourceType: model.AuditResourceOrder,
		ResourceID:   orderID,
		BeforeJSON:   string(beforeJSON),
		AfterJSON:    string(afterJSON),
	})
	if err != nil {
		log.Error().Err(err).Int64("order_id", orderID).Msg("failed to write audit log")
	}
}
