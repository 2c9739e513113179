package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/joao-fontenele/followers-shop/internal/domain"
)

type ProductRepository struct {
	db *sql.DB
}

func NewProductRepository(db *sql.DB) *ProductRepository {
	return &ProductRepository{db: db}
}

// GetActiveProduct returns domain.ErrNotFound for unknown and inactive
// products alike.
func (r *ProductRepository) GetActiveProduct(ctx context.Context, id int64) (*domain.Product, error) {
	product := &domain.Product{}

	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, description, platform, price, active
		FROM products
		WHERE id = $1 AND active
	`, id).Scan(&product.ID, &product.Name, &product.Description, &product.Platform, &product.Price, &product.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get product %d: %w: %w", id, domain.ErrPersistence, err)
	}

	return product, nil
}

func (r *ProductRepository) SetActive(ctx context.Context, id int64, active bool) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE products SET active = $2
		WHERE id = $1
	`, id, active)
	if err != nil {
		return fmt.Errorf("set product %d active: %w: %w", id, domain.ErrPersistence, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set product %d active: %w: %w", id, domain.ErrPersistence, err)
	}

	if rowsAffected == 0 {
		return domain.ErrNotFound
	}

	return nil
}

func (r *ProductRepository) CountActive(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM products WHERE active`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count products: %w: %w", domain.ErrPersistence, err)
	}
	return count, nil
}
