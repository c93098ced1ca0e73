package usecase

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"shop/internal/domain/model"
	repo "shop/internal/repository"

	"github.com/google/uuid"
)

// カートの持ち主。UserIDが0より大きければ会員、そうでなければsession_idのゲスト。
type CartIdentity struct {
	UserID    int64
	SessionID string
}

// CartUsecase はカートの業務ロジック。
// 明細の更新はlast-writer-wins（単一オーナー前提なので楽観ロックは持たない）。
type CartUsecase struct {
	cartRepo     repo.CartRepository
	cartItemRepo repo.CartItemRepository
	productRepo  repo.ProductRepository
}

func NewCartUsecase(
	cartRepo repo.CartRepository,
	cartItemRepo repo.CartItemRepository,
	productRepo repo.ProductRepository,
) *CartUsecase {
	return &CartUsecase{
		cartRepo:     cartRepo,
		cartItemRepo: cartItemRepo,
		productRepo:  productRepo,
	}
}

type CartItemResponse struct {
	ID        int64   `json:"id"`
	ProductID int64   `json:"product_id"`
	Title     string  `json:"title"`
	Price     float64 `json:"price"`
	Quantity  int64   `json:"quantity"`
	Size      string  `json:"size,omitempty"`
	Color     string  `json:"color,omitempty"`
}

// session_idは新規発行したときだけ返す（クライアントが保存して次回から送る）。
type CartResponse struct {
	CartID    int64              `json:"cart_id"`
	Items     []CartItemResponse `json:"items"`
	Total     float64            `json:"total"`
	SessionID string             `json:"session_id,omitempty"`
}

type AddCartInput struct {
	ProductID int64
	Quantity  int64
	Size      string
	Color     string
}

type UpdateCartItemInput struct {
	Quantity int64
}

type MergeCartsInput struct {
	GuestCartID    int64
	GuestSessionID string
}

type MergeCartsOutput struct {
	Merged  bool         `json:"merged"`
	Message string       `json:"message"`
	Cart    CartResponse `json:"cart"`
}

// カート取得（無ければ作る）。匿名で識別子も無ければ新しいsession_idを発行する。
func (u *CartUsecase) GetCart(ctx context.Context, ident CartIdentity) (CartResponse, error) {
	cart, issued, err := u.getOrCreate(ctx, ident)
	if err != nil {
		return CartResponse{}, NewHTTPError(http.StatusInternalServerError, "db error")
	}

	resp, err := u.buildCartResponse(ctx, cart.ID)
	if err != nil {
		return CartResponse{}, err
	}
	resp.SessionID = issued
	return resp, nil
}

// カートに追加。同じ商品+size+colorの明細があれば数量を加算する。
func (u *CartUsecase) AddItem(ctx context.Context, ident CartIdentity, in AddCartInput) (CartResponse, error) {
	if in.ProductID <= 0 {
		return CartResponse{}, NewHTTPError(http.StatusBadRequest, "invalid product_id")
	}
	if in.Quantity < 1 {
		return CartResponse{}, NewHTTPError(http.StatusBadRequest, "invalid quantity")
	}

	cart, issued, err := u.getOrCreate(ctx, ident)
	if err != nil {
		return CartResponse{}, NewHTTPError(http.StatusInternalServerError, "db error")
	}

	//商品チェック（公開のみ）
	p, err := u.productRepo.FindByID(ctx, in.ProductID)
	if errors.Is(err, repo.ErrNotFound) {
		return CartResponse{}, NewHTTPError(http.StatusNotFound, "product not found")
	}
	if err != nil {
		return CartResponse{}, NewHTTPError(http.StatusInternalServerError, "db error")
	}
	if !p.IsActive {
		return CartResponse{}, NewHTTPError(http.StatusBadRequest, "product not available")
	}

	//既存明細（同一バリアント）の数量と合算して在庫を超えないか
	existing, err := u.cartItemRepo.FindByCartAndVariant(ctx, cart.ID, in.ProductID, in.Size, in.Color)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return CartResponse{}, NewHTTPError(http.StatusInternalServerError, "db error")
	}

	newQty := in.Quantity
	if err == nil {
		newQty += existing.Quantity
	}
	if newQty > p.StockQuantity {
		return CartResponse{}, NewHTTPError(http.StatusBadRequest, fmt.Sprintf("insufficient stock for %s", p.Title))
	}

	if err == nil {
		//同一バリアントは加算
		if err := u.cartItemRepo.UpdateQuantity(ctx, existing.ID, newQty); err != nil {
			return CartResponse{}, NewHTTPError(http.StatusInternalServerError, "db error")
		}
	} else {
		if _, err := u.cartItemRepo.Create(ctx, model.CartItem{
			CartID:    cart.ID,
			ProductID: in.ProductID,
			Quantity:  in.Quantity,
			Size:      in.Size,
			Color:     in.Color,
		}); err != nil {
			return CartResponse{}, NewHTTPError(http.StatusInternalServerError, "db error")
		}
	}

	resp, err := u.buildCartResponse(ctx, cart.ID)
	if err != nil {
		return CartResponse{}, err
	}
	resp.SessionID = issued
	return resp, nil
}

// 数量変更。0以下なら明細削除。
func (u *CartUsecase) UpdateItem(ctx context.Context, ident CartIdentity, cartItemID int64, in UpdateCartItemInput) (CartResponse, error) {
	if cartItemID <= 0 {
		return CartResponse{}, NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	cart, err := u.findCart(ctx, ident)
	if errors.Is(err, repo.ErrNotFound) {
		return CartResponse{}, NewHTTPError(http.StatusNotFound, "not found")
	}
	if err != nil {
		return CartResponse{}, NewHTTPError(http.StatusInternalServerError, "db error")
	}

	//所有チェック（他人のカートの明細は404扱い）
	owned, err := u.cartItemRepo.IsInCart(ctx, cartItemID, cart.ID)
	if err != nil {
		return CartResponse{}, NewHTTPError(http.StatusInternalServerError, "db error")
	}
	if !owned {
		return CartResponse{}, NewHTTPError(http.StatusNotFound, "not found")
	}

	if in.Quantity <= 0 {
		if err := u.cartItemRepo.DeleteByID(ctx, cartItemID); err != nil && !errors.Is(err, repo.ErrNotFound) {
			return CartResponse{}, NewHTTPError(http.StatusInternalServerError, "db error")
		}
		return u.buildCartResponse(ctx, cart.ID)
	}

	item, err := u.cartItemRepo.FindByID(ctx, cartItemID)
	if errors.Is(err, repo.ErrNotFound) {
		return CartResponse{}, NewHTTPError(http.StatusNotFound, "not found")
	}
	if err != nil {
		return CartResponse{}, NewHTTPError(http.StatusInternalServerError, "db error")
	}

	//在庫チェック
	p, err := u.productRepo.FindByID(ctx, item.ProductID)
	if errors.Is(err, repo.ErrNotFound) {
		return CartResponse{}, NewHTTPError(http.StatusBadRequest, "product not available")
	}
	if err != nil {
		return CartResponse{}, NewHTTPError(http.StatusInternalServerError, "db error")
	}
	if in.Quantity > p.StockQuantity {
		return CartResponse{}, NewHTTPError(http.StatusBadRequest, fmt.Sprintf("insufficient stock for %s", p.Title))
	}

	if err := u.cartItemRepo.UpdateQuantity(ctx, cartItemID, in.Quantity); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return CartResponse{}, NewHTTPError(http.StatusNotFound, "not found")
		}
		return CartResponse{}, NewHTTPError(http.StatusInternalServerError, "db error")
	}

	return u.buildCartResponse(ctx, cart.ID)
}

// 明細削除
func (u *CartUsecase) RemoveItem(ctx context.Context, ident CartIdentity, cartItemID int64) (CartResponse, error) {
	if cartItemID <= 0 {
		return CartResponse{}, NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	cart, err := u.findCart(ctx, ident)
	if errors.Is(err, repo.ErrNotFound) {
		return CartResponse{}, NewHTTPError(http.StatusNotFound, "not found")
	}
	if err != nil {
		return CartResponse{}, NewHTTPError(http.StatusInternalServerError, "db error")
	}

	owned, err := u.cartItemRepo.IsInCart(ctx, cartItemID, cart.ID)
	if err != nil {
		return CartResponse{}, NewHTTPError(http.StatusInternalServerError, "db error")
	}
	if !owned {
		return CartResponse{}, NewHTTPError(http.StatusNotFound, "not found")
	}

	if err := u.cartItemRepo.DeleteByID(ctx, cartItemID); err != nil && !errors.Is(err, repo.ErrNotFound) {
		return CartResponse{}, NewHTTPError(http.StatusInternalServerError, "db error")
	}

	return u.buildCartResponse(ctx, cart.ID)
}

// ゲストカートをユーザーのカートへマージする。
// 同一バリアントは数量を合算（在庫上限でキャップ）。マージ後ゲストカートは削除。
// ゲストカートが既に無い場合はエラーにせず「マージ対象なし」を返す（再実行しても安全）。
func (u *CartUsecase) MergeCarts(ctx context.Context, userID int64, in MergeCartsInput) (MergeCartsOutput, error) {
	if userID <= 0 {
		return MergeCartsOutput{}, NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}

	//ゲストカートを解決（ID指定優先、無ければsession_id）
	var guestCart model.Cart
	var err error
	switch {
	case in.GuestCartID > 0:
		guestCart, err = u.cartRepo.FindByID(ctx, in.GuestCartID)
	case in.GuestSessionID != "":
		guestCart, err = u.cartRepo.FindBySessionID(ctx, in.GuestSessionID)
	default:
		return MergeCartsOutput{}, NewHTTPError(http.StatusBadRequest, "guest_cart_id or session_id is required")
	}

	if errors.Is(err, repo.ErrNotFound) {
		//二重マージ・期限切れはここに来る
		cart, _, cerr := u.getOrCreate(ctx, CartIdentity{UserID: userID})
		if cerr != nil {
			return MergeCartsOutput{}, NewHTTPError(http.StatusInternalServerError, "db error")
		}
		resp, rerr := u.buildCartResponse(ctx, cart.ID)
		if rerr != nil {
			return MergeCartsOutput{}, rerr
		}
		return MergeCartsOutput{Merged: false, Message: "nothing to merge", Cart: resp}, nil
	}
	if err != nil {
		return MergeCartsOutput{}, NewHTTPError(http.StatusInternalServerError, "db error")
	}

	//ゲストカートがユーザー所有だったら何もしない
	if guestCart.UserID != nil && *guestCart.UserID == userID {
		resp, rerr := u.buildCartResponse(ctx, guestCart.ID)
		if rerr != nil {
			return MergeCartsOutput{}, rerr
		}
		return MergeCartsOutput{Merged: false, Message: "nothing to merge", Cart: resp}, nil
	}

	userCart, _, err := u.getOrCreate(ctx, CartIdentity{UserID: userID})
	if err != nil {
		return MergeCartsOutput{}, NewHTTPError(http.StatusInternalServerError, "db error")
	}

	guestItems, err := u.cartItemRepo.ListByCartID(ctx, guestCart.ID)
	if err != nil {
		return MergeCartsOutput{}, NewHTTPError(http.StatusInternalServerError, "db error")
	}

	for _, gi := range guestItems {
		p, perr := u.productRepo.FindByID(ctx, gi.ProductID)
		if errors.Is(perr, repo.ErrNotFound) {
			continue
		}
		if perr != nil {
			return MergeCartsOutput{}, NewHTTPError(http.StatusInternalServerError, "db error")
		}

		existing, ierr := u.cartItemRepo.FindByCartAndVariant(ctx, userCart.ID, gi.ProductID, gi.Size, gi.Color)
		if ierr != nil && !errors.Is(ierr, repo.ErrNotFound) {
			return MergeCartsOutput{}, NewHTTPError(http.StatusInternalServerError, "db error")
		}

		if ierr == nil {
			//合算して在庫上限でキャップ
			newQty := existing.Quantity + gi.Quantity
			if newQty > p.StockQuantity {
				newQty = p.StockQuantity
			}
			if newQty < 1 {
				newQty = existing.Quantity
			}
			if err := u.cartItemRepo.UpdateQuantity(ctx, existing.ID, newQty); err != nil {
				return MergeCartsOutput{}, NewHTTPError(http.StatusInternalServerError, "db error")
			}
			continue
		}

		qty := gi.Quantity
		if qty > p.StockQuantity {
			qty = p.StockQuantity
		}
		if qty < 1 {
			continue
		}
		if _, err := u.cartItemRepo.Create(ctx, model.CartItem{
			CartID:    userCart.ID,
			ProductID: gi.ProductID,
			Quantity:  qty,
			Size:      gi.Size,
			Color:     gi.Color,
		}); err != nil {
			return MergeCartsOutput{}, NewHTTPError(http.StatusInternalServerError, "db error")
		}
	}

	if err := u.cartRepo.Delete(ctx, guestCart.ID); err != nil && !errors.Is(err, repo.ErrNotFound) {
		return MergeCartsOutput{}, NewHTTPError(http.StatusInternalServerError, "db error")
	}

	resp, err := u.buildCartResponse(ctx, userCart.ID)
	if err != nil {
		return MergeCartsOutput{}, err
	}
	return MergeCartsOutput{Merged: true, Message: "carts merged", Cart: resp}, nil
}

// 既存カートを探すだけ（作らない）
func (u *CartUsecase) findCart(ctx context.Context, ident CartIdentity) (model.Cart, error) {
	if ident.UserID > 0 {
		return u.cartRepo.FindByUserID(ctx, ident.UserID)
	}
	if ident.SessionID != "" {
		return u.cartRepo.FindBySessionID(ctx, ident.SessionID)
	}
	return model.Cart{}, repo.ErrNotFound
}

// カート取得。無ければ作成。発行したsession_idを2番目で返す。
func (u *CartUsecase) getOrCreate(ctx context.Context, ident CartIdentity) (model.Cart, string, error) {
	cart, err := u.findCart(ctx, ident)
	if err == nil {
		return cart, "", nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return model.Cart{}, "", err
	}

	newCart := model.Cart{}
	issued := ""
	if ident.UserID > 0 {
		uid := ident.UserID
		newCart.UserID = &uid
	} else {
		sid := ident.SessionID
		if sid == "" {
			sid = uuid.NewString()
			issued = sid
		}
		newCart.SessionID = &sid
	}

	created, err := u.cartRepo.Create(ctx, newCart)
	if err != nil {
		return model.Cart{}, "", err
	}
	return created, issued, nil
}

// cartIDの明細をまとめてCartResponseを作る。
func (u *CartUsecase) buildCartResponse(ctx context.Context, cartID int64) (CartResponse, error) {
	items, err := u.cartItemRepo.ListByCartID(ctx, cartID)
	if err != nil {
		return CartResponse{}, NewHTTPError(http.StatusInternalServerError, "db error")
	}

	respItems := make([]CartItemResponse, 0, len(items))
	var total float64

	for _, it := range items {
		p, err := u.productRepo.FindByID(ctx, it.ProductID)
		if err != nil {
			continue
		}
		if !p.IsActive {
			continue
		}

		respItems = append(respItems, CartItemResponse{
			ID:        it.ID,
			ProductID: it.ProductID,
			Title:     p.Title,
			Price:     p.Price,
			Quantity:  it.Quantity,
			Size:      it.Size,
			Color:     it.Color,
		})

		total += p.Price * float64(it.Quantity)
	}

	return CartResponse{CartID: cartID, Items: respItems, Total: total}, nil
}
