package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
)

type catalogRepository struct {
	q querier
}

func (r *catalogRepository) Prices(ctx context.Context, variantIDs []string) (map[string]domain.CatalogPrice, error) {
	result := make(map[string]domain.CatalogPrice, len(variantIDs))
	if len(variantIDs) == 0 {
		return result, nil
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.q.QueryContext(ctx, `
		SELECT variant_id, price_minor, currency, active
		FROM variant_prices
		WHERE variant_id = ANY($1::text[])
	`, variantIDs)
	if err != nil {
		return nil, fmt.Errorf("select variant prices: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var price domain.CatalogPrice
		if err := rows.Scan(&price.VariantID, &price.PriceMinor, &price.Currency, &price.Active); err != nil {
			return nil, fmt.Errorf("scan variant price: %w", err)
		}
		result[price.VariantID] = price
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate variant prices: %w", err)
	}
	return result, nil
}

func (r *catalogRepository) UpsertPrice(ctx context.Context, price domain.CatalogPrice) error {
	if price.VariantID == "" {
		return domain.ErrVariantRequired
	}
	if price.PriceMinor < 0 {
		return domain.ErrItemPriceInvalid
	}
	if price.Currency == "" {
		return domain.ErrCurrencyRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := r.q.ExecContext(ctx, `
		INSERT INTO variant_prices (variant_id, price_minor, currency, active, updated_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (variant_id) DO UPDATE
		SET price_minor = EXCLUDED.price_minor,
		    currency = EXCLUDED.currency,
		    active = EXCLUDED.active,
		    updated_at = EXCLUDED.updated_at
	`, price.VariantID, price.PriceMinor, price.Currency, price.Active, time.Now().UTC()); err != nil {
		return fmt.Errorf("upsert variant price: %w", err)
	}
	return nil
}

var _ domain.CatalogRepository = (*catalogRepository)(nil)
