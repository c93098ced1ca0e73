package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"shop/internal/domain/model"
	repo "shop/internal/repository"

	"github.com/rs/zerolog/log"
)

type ProductUsecase struct {
	productRepo   repo.ProductRepository
	inventoryRepo repo.InventoryRepository
	auditRepo     repo.AuditLogRepository
}

func NewProductUsecase(productRepo repo.ProductRepository, inventoryRepo repo.InventoryRepository, auditRepo repo.AuditLogRepository) *ProductUsecase {
	return &ProductUsecase{productRepo: productRepo, inventoryRepo: inventoryRepo, auditRepo: auditRepo}
}

type ProductOutput struct {
	ID            int64     `json:"id"`
	BrandID       int64     `json:"brand_id"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	Price         float64   `json:"price"`
	Category      string    `json:"category"`
	Size          string    `json:"size,omitempty"`
	Color         string    `json:"color,omitempty"`
	StockQuantity int64     `json:"stock_quantity"`
	IsActive      bool      `json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
}

type ProductListOutput struct {
	Products []ProductOutput `json:"products"`
	Total    int64           `json:"total"`
	Page     int             `json:"page"`
	Limit    int             `json:"limit"`
}

func (u *ProductUsecase) List(ctx context.Context, q repo.ProductListQuery) (ProductListOutput, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 || q.Limit > 100 {
		q.Limit = 20
	}
	if q.MinPrice != nil && q.MaxPrice != nil && *q.MinPrice > *q.MaxPrice {
		return ProductListOutput{}, NewHTTPError(http.StatusBadRequest, "min_price exceeds max_price")
	}

	products, total, err := u.productRepo.ListPublic(ctx, q)
	if err != nil {
		return ProductListOutput{}, NewHTTPError(http.StatusInternalServerError, "db error")
	}

	outs := make([]ProductOutput, 0, len(products))
	for _, p := range products {
		outs = append(outs, toProductOutput(p))
	}
	return ProductListOutput{Products: outs, Total: total, Page: q.Page, Limit: q.Limit}, nil
}

func (u *ProductUsecase) GetByID(ctx context.Context, id int64) (ProductOutput, error) {
	if id <= 0 {
		return ProductOutput{}, NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	p, err := u.productRepo.FindByID(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return ProductOutput{}, NewHTTPError(http.StatusNotFound, "not found")
	}
	if err != nil {
		return ProductOutput{}, NewHTTPError(http.StatusInternalServerError, "db error")
	}
	//非公開商品は一般には見せない
	if !p.IsActive {
		return ProductOutput{}, NewHTTPError(http.StatusNotFound, "not found")
	}
	return toProductOutput(p), nil
}

type CreateProductInput struct {
	Title         string  `json:"title"`
	Description   string  `json:"description"`
	Price         float64 `json:"price"`
	Category      string  `json:"category"`
	Size          string  `json:"size"`
	Color         string  `json:"color"`
	StockQuantity int64   `json:"stock_quantity"`
	IsActive      *bool   `json:"is_active"`
}

func (u *ProductUsecase) Create(ctx context.Context, actor Principal, brandID int64, in CreateProductInput) (ProductOutput, error) {
	if !actor.IsAdmin() {
		return ProductOutput{}, NewHTTPError(http.StatusForbidden, "forbidden")
	}
	if in.Title == "" {
		return ProductOutput{}, NewHTTPError(http.StatusBadRequest, "title is required")
	}
	if in.Price < 0 {
		return ProductOutput{}, NewHTTPError(http.StatusBadRequest, "price must not be negative")
	}
	if in.StockQuantity < 0 {
		return ProductOutput{}, NewHTTPError(http.StatusBadRequest, "stock_quantity must not be negative")
	}

	isActive := true
	if in.IsActive != nil {
		isActive = *in.IsActive
	}

	created, err := u.productRepo.Create(ctx, model.Product{
		BrandID:       brandID,
		Title:         in.Title,
		Description:   in.Description,
		Price:         in.Price,
		Category:      in.Category,
		Size:          in.Size,
		Color:         in.Color,
		StockQuantity: in.StockQuantity,
		IsActive:      isActive,
	})
	if err != nil {
		return ProductOutput{}, NewHTTPError(http.StatusInternalServerError, "db error")
	}

	log.Info().Int64("product_id", created.ID).Str("title", created.Title).Msg("product created")
	return toProductOutput(created), nil
}

// 部分更新。nilのフィールドは触らない。
type UpdateProductInput struct {
	Title       *string  `json:"title"`
	Description *string  `json:"description"`
	Price       *float64 `json:"price"`
	Category    *string  `json:"category"`
	Size        *string  `json:"size"`
	Color       *string  `json:"color"`
	IsActive    *bool    `json:"is_active"`
}

func (u *ProductUsecase) Update(ctx context.Context, actor Principal, id int64, in UpdateProductInput) (ProductOutput, error) {
	if !actor.IsAdmin() {
		return ProductOutput{}, NewHTTPError(http.StatusForbidden, "forbidden")
	}
	if id <= 0 {
		return ProductOutput{}, NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	p, err := u.productRepo.FindByID(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return ProductOutput{}, NewHTTPError(http.StatusNotFound, "not found")
	}
	if err != nil {
		return ProductOutput{}, NewHTTPError(http.StatusInternalServerError, "db error")
	}

	if in.Title != nil {
		if *in.Title == "" {
			return ProductOutput{}, NewHTTPError(http.StatusBadRequest, "title must not be empty")
		}
		p.Title = *in.Title
	}
	if in.Description != nil {
		p.Description = *in.Description
	}
	if in.Price != nil {
		if *in.Price < 0 {
			return ProductOutput{}, NewHTTPError(http.StatusBadRequest, "price must not be negative")
		}
		p.Price = *in.Price
	}
	if in.Category != nil {
		p.Category = *in.Category
	}
	if in.Size != nil {
		p.Size = *in.Size
	}
	if in.Color != nil {
		p.Color = *in.Color
	}
	if in.IsActive != nil {
		p.IsActive = *in.IsActive
	}

	if err := u.productRepo.Update(ctx, p); err != nil {
		return ProductOutput{}, NewHTTPError(http.StatusInternalServerError, "db error")
	}
	return toProductOutput(p), nil
}

func (u *ProductUsecase) Delete(ctx context.Context, actor Principal, id int64) error {
	if !actor.IsAdmin() {
		return NewHTTPError(http.StatusForbidden, "forbidden")
	}
	if id <= 0 {
		return NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	err := u.productRepo.SoftDelete(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return NewHTTPError(http.StatusNotFound, "not found")
	}
	if err != nil {
		return NewHTTPError(http.StatusInternalServerError, "db error")
	}

	log.Info().Int64("product_id", id).Int64("actor_user_id", actor.UserID).Msg("product deleted")
	return nil
}

type SetStockInput struct {
	StockQuantity int64  `json:"stock_quantity"`
	Reason        string `json:"reason"`
}

// 管理者による在庫の直接設定。差分を調整履歴と監査ログに残す。
func (u *ProductUsecase) SetStock(ctx context.Context, actor Principal, id int64, in SetStockInput) (ProductOutput, error) {
	if !actor.IsAdmin() {
		return ProductOutput{}, NewHTTPError(http.StatusForbidden, "forbidden")
	}
	if id <= 0 {
		return ProductOutput{}, NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if in.StockQuantity < 0 {
		return ProductOutput{}, NewHTTPError(http.StatusBadRequest, "stock_quantity must not be negative")
	}
	if in.Reason == "" {
		return ProductOutput{}, NewHTTPError(http.StatusBadRequest, "reason is required")
	}

	p, err := u.productRepo.FindByID(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return ProductOutput{}, NewHTTPError(http.StatusNotFound, "not found")
	}
	if err != nil {
		return ProductOutput{}, NewHTTPError(http.StatusInternalServerError, "db error")
	}

	before := p.StockQuantity
	if err := u.inventoryRepo.SetStock(ctx, id, in.StockQuantity); err != nil {
		return ProductOutput{}, NewHTTPError(http.StatusInternalServerError, "db error")
	}

	if err := u.inventoryRepo.CreateAdjustment(ctx, model.InventoryAdjustment{
		ProductID:   id,
		AdminUserID: actor.UserID,
		Delta:       in.StockQuantity - before,
		Reason:      in.Reason,
	}); err != nil {
		log.Error().Err(err).Int64("product_id", id).Msg("failed to record inventory adjustment")
	}

	beforeJSON, _ := json.Marshal(map[string]int64{"stock_quantity": before})
	afterJSON, _ := json.Marshal(map[string]int64{"stock_quantity": in.StockQuantity})
	if err := u.auditRepo.Create(ctx, model.AuditLog{
		ActorUserID:  actor.UserID,
		Action:       model.AuditActionUpdateStock,
		ResourceType: model.AuditResourceProduct,
		ResourceID:   id,
		BeforeJSON:   string(beforeJSON),
		AfterJSON:    string(afterJSON),
	}); err != nil {
		log.Error().Err(err).Int64("product_id", id).Msg("failed to write audit log")
	}

	log.Info().
		Int64("product_id", id).
		Int64("before", before).
		Int64("after", in.StockQuantity).
		Str("reason", in.Reason).
		Int64("actor_user_id", actor.UserID).
		Msg("stock set")

	p.StockQuantity = in.StockQuantity
	return toProductOutput(p), nil
}

func toProductOutput(p model.Product) ProductOutput {
	return ProductOutput{
		ID:            p.ID,
		BrandID:       p.BrandID,
		Title:         p.Title,
		Description:   p.Description,
		Price:         p.Price,
		Category:      p.Category,
		Size:          p.Size,
		Color:         p.Color,
		StockQuantity: p.StockQuantity,
		IsActive:      p.IsActive,
		CreatedAt:     p.CreatedAt,
	}
}
