package usecase

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"shop/internal/domain/model"
	"shop/internal/infra/mpesa"
	repo "shop/internal/repository"

	"github.com/rs/zerolog/log"
)

//payment_reference採番のリトライ上限
const paymentReferenceMaxRetries = 3

// STK push用ゲートウェイ。本番はmpesa.Client、テストはモック。
type MpesaGateway interface {
	STKPush(ctx context.Context, in mpesa.STKPushInput) (mpesa.STKPushResult, error)
	QueryStatus(ctx context.Context, checkoutRequestID string) (mpesa.QueryResult, error)
}

type PaymentUsecase struct {
	tx        repo.TransactionManager
	gateway   MpesaGateway
	auditRepo repo.AuditLogRepository
}

func NewPaymentUsecase(tx repo.TransactionManager, gateway MpesaGateway, auditRepo repo.AuditLogRepository) *PaymentUsecase {
	return &PaymentUsecase{tx: tx, gateway: gateway, auditRepo: auditRepo}
}

func generatePaymentReference(now time.Time) string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return fmt.Sprintf("PAY-%s-%s", now.Format("20060102150405"), strings.ToUpper(hex.EncodeToString(b)))
}

type InitiatePaymentInput struct {
	OrderID       int64   `json:"order_id"`
	Amount        float64 `json:"amount"`
	PaymentMethod string  `json:"payment_method"`
	PhoneNumber   string  `json:"phone_number"`
}

type PaymentOutput struct {
	ID                 int64      `json:"id"`
	PaymentReference   string     `json:"payment_reference"`
	OrderID            int64      `json:"order_id"`
	Amount             float64    `json:"amount"`
	Currency           string     `json:"currency"`
	Status             string     `json:"status"`
	PaymentMethod      string     `json:"payment_method"`
	PhoneNumber        string     `json:"phone_number,omitempty"`
	MerchantRequestID  string     `json:"merchant_request_id,omitempty"`
	CheckoutRequestID  string     `json:"checkout_request_id,omitempty"`
	MpesaReceiptNumber string     `json:"mpesa_receipt_number,omitempty"`
	ResultCode         *int       `json:"result_code,omitempty"`
	ResultDescription  string     `json:"result_description,omitempty"`
	RefundAmount       float64    `json:"refund_amount,omitempty"`
	CustomerMessage    string     `json:"customer_message,omitempty"`
	InitiatedAt        time.Time  `json:"initiated_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	FailedAt           *time.Time `json:"failed_at,omitempty"`
}

// 支払い開始。m-pesaならSTK pushを送り、相関ID付きのpendingレコードを作る。
// プロバイダ呼び出しはトランザクションの外（外部APIをtxに巻き込まない）。
func (u *PaymentUsecase) Initiate(ctx context.Context, userID int64, in InitiatePaymentInput) (PaymentOutput, error) {
	if userID <= 0 {
		return PaymentOutput{}, NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if in.OrderID <= 0 {
		return PaymentOutput{}, NewHTTPError(http.StatusBadRequest, "order_id is required")
	}
	if in.PaymentMethod != "mpesa" {
		return PaymentOutput{}, NewHTTPError(http.StatusBadRequest, "unsupported payment_method")
	}
	if in.PhoneNumber == "" {
		return PaymentOutput{}, NewHTTPError(http.StatusBadRequest, "phone_number is required for mpesa")
	}

	var order model.Order

	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		o, err := r.Orders().FindByID(ctx, in.OrderID)
		if errors.Is(err, repo.ErrNotFound) {
			return NewHTTPError(http.StatusNotFound, "order not found")
		}
		if err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}
		if o.UserID != userID {
			return NewHTTPError(http.StatusNotFound, "order not found")
		}
		if o.Status == model.OrderStatusCancelled || o.Status == model.OrderStatusRefunded {
			return NewHTTPError(http.StatusBadRequest, fmt.Sprintf("cannot pay for %s order", o.Status))
		}
		if in.Amount != o.TotalAmount {
			return NewHTTPError(http.StatusBadRequest,
				fmt.Sprintf("amount mismatch: expected %.2f", o.TotalAmount))
		}
		order = o
		return nil
	})
	if err != nil {
		return PaymentOutput{}, err
	}

	pushed, err := u.gateway.STKPush(ctx, mpesa.STKPushInput{
		PhoneNumber:      in.PhoneNumber,
		Amount:           order.TotalAmount,
		AccountReference: order.OrderNumber,
		Description:      "Order " + order.OrderNumber,
	})
	if err != nil {
		log.Error().Err(err).Int64("order_id", order.ID).Msg("stk push failed")
		if errors.Is(err, mpesa.ErrProvider) {
			return PaymentOutput{}, NewHTTPError(http.StatusBadGateway, "payment provider unavailable")
		}
		return PaymentOutput{}, NewHTTPError(http.StatusInternalServerError, "payment initiation failed")
	}

	//相関IDのないpushは後からコールバックとも照会とも突き合わせられない
	if pushed.CheckoutRequestID == "" || pushed.MerchantRequestID == "" {
		log.Error().Int64("order_id", order.ID).Msg("stk push accepted without correlation ids")
		return PaymentOutput{}, NewHTTPError(http.StatusBadGateway, "payment provider unavailable")
	}

	p := model.Payment{
		OrderID:           order.ID,
		UserID:            userID,
		Amount:            order.TotalAmount,
		Currency:          "KES",
		Status:            model.PaymentStatusPending,
		PaymentMethod:     "mpesa",
		Provider:          "daraja",
		PhoneNumber:       mpesa.NormalizePhone(in.PhoneNumber),
		MerchantRequestID: pushed.MerchantRequestID,
		CheckoutRequestID: pushed.CheckoutRequestID,
	}

	var created model.Payment
	err = u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		for attempt := 0; ; attempt++ {
			p.PaymentReference = generatePaymentReference(time.Now())
			c, err := r.Payments().Create(ctx, p)
			if err == nil {
				created = c
				return nil
			}
			if errors.Is(err, repo.ErrConflict) && attempt < paymentReferenceMaxRetries {
				continue
			}
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}
	})
	if err != nil {
		return PaymentOutput{}, err
	}

	log.Info().
		Int64("payment_id", created.ID).
		Str("payment_reference", created.PaymentReference).
		Str("checkout_request_id", created.CheckoutRequestID).
		Msg("payment initiated")

	out := toPaymentOutput(created)
	out.CustomerMessage = pushed.CustomerMessage
	return out, nil
}

// Daraja STKコールバックのエンベロープ
type STKCallbackEnvelope struct {
	Body struct {
		StkCallback STKCallback `json:"stkCallback"`
	} `json:"Body"`
}

type STKCallback struct {
	MerchantRequestID string `json:"MerchantRequestID"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
	ResultCode        int    `json:"ResultCode"`
	ResultDesc        string `json:"ResultDesc"`
	CallbackMetadata  struct {
		Item []STKCallbackItem `json:"Item"`
	} `json:"CallbackMetadata"`
}

type STKCallbackItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value"`
}

// コールバックへの応答。プロバイダには常にResultCode 0を返す。
type CallbackAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

func successAck() CallbackAck {
	return CallbackAck{ResultCode: 0, ResultDesc: "Success"}
}

// メタデータから指定名の文字列値を取り出す
func (cb STKCallback) metadataString(name string) string {
	for _, item := range cb.CallbackMetadata.Item {
		if item.Name == name {
			var s string
			if err := json.Unmarshal(item.Value, &s); err == nil {
				return s
			}
		}
	}
	return ""
}

func (cb STKCallback) receiptNumber() string {
	return cb.metadataString("MpesaReceiptNumber")
}

func (cb STKCallback) transactionID() string {
	return cb.metadataString("TransactionID")
}

// プロバイダからの非同期コールバックを処理する。
// 対応する支払いが見つからなくても、リトライの嵐を避けるため応答は常に成功。
func (u *PaymentUsecase) ProcessCallback(ctx context.Context, env STKCallbackEnvelope) (CallbackAck, error) {
	cb := env.Body.StkCallback

	if cb.CheckoutRequestID == "" && cb.MerchantRequestID == "" {
		log.Warn().Msg("callback without correlation ids")
		return successAck(), nil
	}

	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		p, err := r.Payments().FindByCheckoutRequestID(ctx, cb.CheckoutRequestID)
		if errors.Is(err, repo.ErrNotFound) && cb.MerchantRequestID != "" {
			p, err = r.Payments().FindByMerchantRequestID(ctx, cb.MerchantRequestID)
		}
		if errors.Is(err, repo.ErrNotFound) {
			log.Warn().
				Str("checkout_request_id", cb.CheckoutRequestID).
				Str("merchant_request_id", cb.MerchantRequestID).
				Msg("callback for unknown payment")
			return nil
		}
		if err != nil {
			return err
		}

		return u.reconcile(ctx, r, p, cb.ResultCode, cb.ResultDesc, cb.receiptNumber(), cb.transactionID())
	})
	if err != nil {
		log.Error().Err(err).Msg("callback processing failed")
		//応答はエラーでも成功。プロバイダ側のリトライより自前のポーリングで回収する。
	}

	return successAck(), nil
}

// 支払い結果の反映。コールバック経路とポーリング経路の両方がここを通る。
// 終端ステータスの支払いには何もしない（冪等）。
func (u *PaymentUsecase) reconcile(ctx context.Context, r repo.TxRepos, p model.Payment, resultCode int, resultDesc string, receipt string, txID string) error {
	if p.Status.IsTerminal() {
		log.Info().
			Int64("payment_id", p.ID).
			Str("status", string(p.Status)).
			Msg("payment already terminal, skipping")
		return nil
	}

	now := time.Now()
	rc := resultCode
	p.ResultCode = &rc
	p.ResultDescription = resultDesc

	if resultCode == 0 {
		p.Status = model.PaymentStatusCompleted
		p.CompletedAt = &now
		if receipt != "" {
			p.MpesaReceiptNumber = receipt
		}
		//TransactionIDが別項目で来ない場合はレシート番号で代用する
		if txID == "" {
			txID = receipt
		}
		if txID != "" {
			p.TransactionID = txID
		}
	} else {
		p.Status = model.PaymentStatusFailed
		p.FailedAt = &now
	}

	if err := r.Payments().Update(ctx, p); err != nil {
		return err
	}

	//成功した支払いはpendingの注文をprocessingへ進める。
	//注文が既にpending以外（キャンセル済み等）ならCASが外れるのでそのまま残す。
	if p.Status == model.PaymentStatusCompleted {
		err := r.Orders().UpdateStatus(ctx, p.OrderID, model.OrderStatusPending, model.OrderStatusProcessing)
		if errors.Is(err, repo.ErrConflict) {
			log.Warn().
				Int64("order_id", p.OrderID).
				Int64("payment_id", p.ID).
				Msg("payment completed but order already left pending")
		} else if err != nil {
			return err
		}
	}

	log.Info().
		Int64("payment_id", p.ID).
		Int("result_code", resultCode).
		Str("status", string(p.Status)).
		Msg("payment reconciled")

	return nil
}

// 支払いステータスの能動照会。コールバックが届かなかった場合の回収経路。
// プロバイダに問い合わせ、結果をコールバックと同じ処理で反映する。
func (u *PaymentUsecase) QueryStatus(ctx context.Context, userID int64, paymentID int64) (PaymentOutput, error) {
	if userID <= 0 {
		return PaymentOutput{}, NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if paymentID <= 0 {
		return PaymentOutput{}, NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	var p model.Payment
	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		found, err := r.Payments().FindByID(ctx, paymentID)
		if errors.Is(err, repo.ErrNotFound) {
			return NewHTTPError(http.StatusNotFound, "not found")
		}
		if err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}
		if found.UserID != userID {
			return NewHTTPError(http.StatusNotFound, "not found")
		}
		p = found
		return nil
	})
	if err != nil {
		return PaymentOutput{}, err
	}

	//終端なら照会せず現状を返す
	if p.Status.IsTerminal() || p.CheckoutRequestID == "" {
		return toPaymentOutput(p), nil
	}

	qr, err := u.gateway.QueryStatus(ctx, p.CheckoutRequestID)
	if err != nil {
		log.Error().Err(err).Int64("payment_id", p.ID).Msg("status query failed")
		if errors.Is(err, mpesa.ErrProvider) {
			return PaymentOutput{}, NewHTTPError(http.StatusBadGateway, "payment provider unavailable")
		}
		return PaymentOutput{}, NewHTTPError(http.StatusInternalServerError, "status query failed")
	}

	//ResultCodeが付かない照会結果は処理中。確定するまで反映しない。
	if qr.ResultCode == nil {
		log.Info().Int64("payment_id", p.ID).Msg("payment still processing at provider")
		return toPaymentOutput(p), nil
	}

	var out PaymentOutput
	err = u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		//照会の間に更新されている可能性があるので読み直す
		fresh, err := r.Payments().FindByID(ctx, paymentID)
		if err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}

		if err := u.reconcile(ctx, r, fresh, int(*qr.ResultCode), qr.ResultDesc, qr.MpesaReceiptNumber, ""); err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}

		updated, err := r.Payments().FindByID(ctx, paymentID)
		if err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}
		out = toPaymentOutput(updated)
		return nil
	})
	if err != nil {
		return PaymentOutput{}, err
	}
	return out, nil
}

type RefundInput struct {
	Amount float64 `json:"amount"`
	Reason string  `json:"reason"`
}

// 管理者による返金。completedの支払いのみ、返金額は支払額まで。
// 全額返金なら支払いと注文をrefundedに落とす。
func (u *PaymentUsecase) Refund(ctx context.Context, actor Principal, paymentID int64, in RefundInput) (PaymentOutput, error) {
	if !actor.IsAdmin() {
		return PaymentOutput{}, NewHTTPError(http.StatusForbidden, "forbidden")
	}
	if paymentID <= 0 {
		return PaymentOutput{}, NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if in.Amount <= 0 {
		return PaymentOutput{}, NewHTTPError(http.StatusBadRequest, "amount must be positive")
	}

	var out PaymentOutput
	var before model.PaymentStatus

	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		p, err := r.Payments().FindByID(ctx, paymentID)
		if errors.Is(err, repo.ErrNotFound) {
			return NewHTTPError(http.StatusNotFound, "not found")
		}
		if err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}

		if p.Status != model.PaymentStatusCompleted {
			return NewHTTPError(http.StatusBadRequest, fmt.Sprintf("cannot refund payment in status %s", p.Status))
		}
		if in.Amount > p.Amount {
			return NewHTTPError(http.StatusBadRequest, "refund amount exceeds payment amount")
		}
		before = p.Status

		p.RefundAmount = in.Amount
		p.RefundReason = in.Reason

		//全額返金で支払いと注文をrefundedへ
		if in.Amount == p.Amount {
			p.Status = model.PaymentStatusRefunded

			o, err := r.Orders().FindByID(ctx, p.OrderID)
			if err != nil {
				return NewHTTPError(http.StatusInternalServerError, "db error")
			}
			if canTransition(o.Status, model.OrderStatusRefunded) {
				err := r.Orders().UpdateStatus(ctx, o.ID, o.Status, model.OrderStatusRefunded)
				if errors.Is(err, repo.ErrConflict) {
					return NewHTTPError(http.StatusConflict, "order status changed, retry")
				}
				if err != nil {
					return NewHTTPError(http.StatusInternalServerError, "db error")
				}
			}
		}

		if err := r.Payments().Update(ctx, p); err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}

		out = toPaymentOutput(p)
		return nil
	})
	if err != nil {
		return PaymentOutput{}, err
	}

	beforeJSON, _ := json.Marshal(map[string]interface{}{"status": string(before), "refund_amount": 0})
	afterJSON, _ := json.Marshal(map[string]interface{}{"status": out.Status, "refund_amount": in.Amount})
	if err := u.auditRepo.Create(ctx, model.AuditLog{
		ActorUserID:  actor.UserID,
		Action:       model.AuditActionRefundPayment,
		ResourceType: model.AuditResourcePayment,
		ResourceID:   paymentID,
		BeforeJSON:   string(beforeJSON),
		AfterJSON:    string(afterJSON),
	}); err != nil {
		log.Error().Err(err).Int64("payment_id", paymentID).Msg("failed to write audit log")
	}

	log.Info().
		Int64("payment_id", paymentID).
		Float64("refund_amount", in.Amount).
		Int64("actor_user_id", actor.UserID).
		Msg("payment refunded")

	return out, nil
}

func (u *PaymentUsecase) ListMyPayments(ctx context.Context, userID int64, page int, limit int) ([]PaymentOutput, error) {
	if userID <= 0 {
		return []PaymentOutput{}, NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 50
	}

	var outs []PaymentOutput
	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		payments, _, err := r.Payments().ListByUserID(ctx, userID, page, limit)
		if err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}
		outs = make([]PaymentOutput, 0, len(payments))
		for _, p := range payments {
			outs = append(outs, toPaymentOutput(p))
		}
		return nil
	})
	if err != nil {
		return []PaymentOutput{}, err
	}
	return outs, nil
}

func (u *PaymentUsecase) GetPayment(ctx context.Context, userID int64, paymentID int64) (PaymentOutput, error) {
	if userID <= 0 {
		return PaymentOutput{}, NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if paymentID <= 0 {
		return PaymentOutput{}, NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	var out PaymentOutput
	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		p, err := r.Payments().FindByID(ctx, paymentID)
		if errors.Is(err, repo.ErrNotFound) {
			return NewHTTPError(http.StatusNotFound, "not found")
		}
		if err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}
		if p.UserID != userID {
			return NewHTTPError(http.StatusNotFound, "not found")
		}
		out = toPaymentOutput(p)
		return nil
	})
	if err != nil {
		return PaymentOutput{}, err
	}
	return out, nil
}

// PAY-...参照での検索。レシートに載る番号からの問い合わせ用。
func (u *PaymentUsecase) GetPaymentByReference(ctx context.Context, userID int64, reference string) (PaymentOutput, error) {
	if userID <= 0 {
		return PaymentOutput{}, NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if reference == "" {
		return PaymentOutput{}, NewHTTPError(http.StatusBadRequest, "reference is required")
	}

	var out PaymentOutput
	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		p, err := r.Payments().FindByReference(ctx, reference)
		if errors.Is(err, repo.ErrNotFound) {
			return NewHTTPError(http.StatusNotFound, "not found")
		}
		if err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}
		if p.UserID != userID {
			return NewHTTPError(http.StatusNotFound, "not found")
		}
		out = toPaymentOutput(p)
		return nil
	})
	if err != nil {
		return PaymentOutput{}, err
	}
	return out, nil
}

func toPaymentOutput(p model.Payment) PaymentOutput {
	return PaymentOutput{
		ID:                 p.ID,
		PaymentReference:   p.PaymentReference,
		OrderID:            p.OrderID,
		Amount:             p.Amount,
		Currency:           p.Currency,
		Status:             string(p.Status),
		PaymentMethod:      p.PaymentMethod,
		PhoneNumber:        p.PhoneNumber,
		MerchantRequestID:  p.MerchantRequestID,
		CheckoutRequestID:  p.CheckoutRequestID,
		MpesaReceiptNumber: p.MpesaReceiptNumber,
		ResultCode:         p.ResultCode,
		ResultDescription:  p.ResultDescription,
		RefundAmount:       p.RefundAmount,
		InitiatedAt:        p.InitiatedAt,
		CompletedAt:        p.CompletedAt,
		FailedAt:           p.FailedAt,
	}
}
