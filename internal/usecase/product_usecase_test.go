package usecase

import (
	"context"
	"testing"

	"shop/internal/domain/model"
	repo "shop/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newProductUsecaseForTest(s *memStore) *ProductUsecase {
	return NewProductUsecase((*memProducts)(s), (*memInventory)(s), (*memAuditLogs)(s))
}

var admin = Principal{UserID: 99, Role: model.RoleAdmin}

func TestProductGetByID_InactiveHidden(t *testing.T) {
	s := newMemStore()
	p := s.addProduct(model.Product{Title: "Hidden", Price: 1.0, IsActive: false})
	uc := newProductUsecaseForTest(s)

	_, err := uc.GetByID(context.Background(), p.ID)
	he, ok := AsHTTPError(err)
	require.True(t, ok)
	assert.Equal(t, 404, he.Status)
}

func TestProductList_Filters(t *testing.T) {
	s := newMemStore()
	s.addProduct(model.Product{Title: "Kitenge Dress", Category: "clothing", Price: 45.0, IsActive: true})
	s.addProduct(model.Product{Title: "Beaded Sandals", Category: "shoes", Price: 20.0, IsActive: true})
	s.addProduct(model.Product{Title: "Old Dress", Category: "clothing", Price: 5.0, IsActive: false})
	uc := newProductUsecaseForTest(s)

	out, err := uc.List(context.Background(), repo.ProductListQuery{Q: "dress"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), out.Total)

	out, err = uc.List(context.Background(), repo.ProductListQuery{Category: "shoes"})
	require.NoError(t, err)
	require.Len(t, out.Products, 1)
	assert.Equal(t, "Beaded Sandals", out.Products[0].Title)
}

func TestProductCreate_AdminOnly(t *testing.T) {
	s := newMemStore()
	uc := newProductUsecaseForTest(s)

	_, err := uc.Create(context.Background(), Principal{UserID: 1, Role: model.RoleCustomer}, 1, CreateProductInput{Title: "X", Price: 1})
	he, ok := AsHTTPError(err)
	require.True(t, ok)
	assert.Equal(t, 403, he.Status)

	out, err := uc.Create(context.Background(), admin, 1, CreateProductInput{Title: "Kikoy Towel", Price: 12.5, StockQuantity: 7})
	require.NoError(t, err)
	assert.Equal(t, int64(1), out.BrandID)
	assert.True(t, out.IsActive)
}

func TestProductUpdate_PartialFields(t *testing.T) {
	s := newMemStore()
	p := s.addProduct(model.Product{Title: "Kikoy Towel", Description: "soft", Price: 12.5, StockQuantity: 7, IsActive: true})
	uc := newProductUsecaseForTest(s)

	newPrice := 15.0
	out, err := uc.Update(context.Background(), admin, p.ID, UpdateProductInput{Price: &newPrice})
	require.NoError(t, err)

	//指定したフィールドだけ変わる
	assert.Equal(t, 15.0, out.Price)
	assert.Equal(t, "Kikoy Towel", out.Title)
	assert.Equal(t, "soft", out.Description)

	negative := -1.0
	_, err = uc.Update(context.Background(), admin, p.ID, UpdateProductInput{Price: &negative})
	he, ok := AsHTTPError(err)
	require.True(t, ok)
	assert.Equal(t, 400, he.Status)
}

func TestSetStock_RecordsAdjustmentAndAudit(t *testing.T) {
	s := newMemStore()
	p := s.addProduct(model.Product{Title: "Kiondo Bag", Price: 10.0, StockQuantity: 3, IsActive: true})
	uc := newProductUsecaseForTest(s)

	out, err := uc.SetStock(context.Background(), admin, p.ID, SetStockInput{StockQuantity: 10, Reason: "restock"})
	require.NoError(t, err)
	assert.Equal(t, int64(10), out.StockQuantity)

	require.Len(t, s.adjusts, 1)
	assert.Equal(t, int64(7), s.adjusts[0].Delta)
	assert.Equal(t, "restock", s.adjusts[0].Reason)
	assert.Equal(t, int64(99), s.adjusts[0].AdminUserID)

	require.Len(t, s.audits, 1)
	assert.Equal(t, model.AuditActionUpdateStock, s.audits[0].Action)
}

func TestSetStock_RequiresReason(t *testing.T) {
	s := newMemStore()
	p := s.addProduct(model.Product{Title: "Kiondo Bag", Price: 10.0, StockQuantity: 3, IsActive: true})
	uc := newProductUsecaseForTest(s)

	_, err := uc.SetStock(context.Background(), admin, p.ID, SetStockInput{StockQuantity: 5})
	he, ok := AsHTTPError(err)
	require.True(t, ok)
	assert.Equal(t, 400, he.Status)

	_, err = uc.SetStock(context.Background(), admin, p.ID, SetStockInput{StockQuantity: -1, Reason: "x"})
	he, ok = AsHTTPError(err)
	require.True(t, ok)
	assert.Equal(t, 400, he.Status)
}
