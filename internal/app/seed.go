package app

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
)

type demoVariant struct {
	id         string
	priceMinor int64
	stock      int64
}

var demoVariants = []demoVariant{
	{id: "tshirt-black-m", priceMinor: 1999, stock: 50},
	{id: "tshirt-white-l", priceMinor: 1999, stock: 30},
	{id: "hoodie-grey-m", priceMinor: 4999, stock: 10},
	{id: "mug-classic", priceMinor: 899, stock: 5},
}

// seedDemo заполняет memory-хранилище каталогом и промокодами для локального запуска.
func seedDemo(ctx context.Context, store domain.Store, currency string) error {
	for _, v := range demoVariants {
		if err := store.Catalog().UpsertPrice(ctx, domain.CatalogPrice{
			VariantID: v.id, PriceMinor: v.priceMinor, Currency: currency, Active: true,
		}); err != nil {
			return err
		}
		if err := store.Inventory().Upsert(ctx, domain.InventoryRecord{VariantID: v.id, Total: v.stock}); err != nil {
			return err
		}
	}

	welcomeLimit := int64(100)
	promos := []domain.Promo{
		{
			Code:             "SAVE20",
			Type:             domain.PromoTypePercentage,
			Value:            decimal.NewFromInt(20),
			MaxDiscountMinor: 5000,
			Active:           true,
		},
		{
			Code:          "WELCOME5",
			Type:          domain.PromoTypeFixed,
			Value:         decimal.NewFromInt(500),
			MinOrderMinor: 2000,
			UsageLimit:    &welcomeLimit,
			Active:        true,
		},
	}
	for _, promo := range promos {
		if err := store.Promos().Upsert(ctx, promo); err != nil {
			return err
		}
	}
	return nil
}
