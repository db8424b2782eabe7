package memory

import (
	"context"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
)

type catalogRepository struct {
	sess *session
}

// Prices возвращает найденные цены; отсутствующие варианты просто не попадают в map.
func (r *catalogRepository) Prices(_ context.Context, variantIDs []string) (map[string]domain.CatalogPrice, error) {
	defer r.sess.lock()()

	result := make(map[string]domain.CatalogPrice, len(variantIDs))
	for _, id := range variantIDs {
		if price, ok := r.sess.store.data.prices[id]; ok {
			result[id] = price
		}
	}
	return result, nil
}

func (r *catalogRepository) UpsertPrice(_ context.Context, price domain.CatalogPrice) error {
	if price.VariantID == "" {
		return domain.ErrVariantRequired
	}
	if price.PriceMinor < 0 {
		return domain.ErrItemPriceInvalid
	}
	if price.Currency == "" {
		return domain.ErrCurrencyRequired
	}
	defer r.sess.lock()()

	put(r.sess, r.sess.store.data.prices, price.VariantID, price)
	return nil
}

var _ domain.CatalogRepository = (*catalogRepository)(nil)
