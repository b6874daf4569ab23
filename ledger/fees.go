package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/zanaka/finance-engine/money"
)

// FeeItem is a priced entry in the school's fee catalog.
type FeeItem struct {
	Code        string      `json:"code"`
	Description string      `json:"description"`
	Price       money.Money `json:"price"`
}

// FeeCatalog resolves fee item codes used by line items.
type FeeCatalog interface {
	FeeItem(ctx context.Context, code string) (FeeItem, bool, error)
}

// FeeItems is a static FeeCatalog keyed by code.
type FeeItems map[string]FeeItem

func (f FeeItems) FeeItem(_ context.Context, code string) (FeeItem, bool, error) {
	item, ok := f[code]
	return item, ok, nil
}

// catalog returns the configured catalog, or the fee items stored in st.
func (s *Service) catalog(st Store) FeeCatalog {
	if s.fees != nil {
		return s.fees
	}
	return st
}

// ImportFeeItems validates and upserts catalog entries in one transaction.
// Codes are trimmed and must be unique within the import.
func (s *Service) ImportFeeItems(ctx context.Context, items []FeeItem) (int, error) {
	seen := make(map[string]bool, len(items))
	clean := make([]FeeItem, 0, len(items))
	for i, item := range items {
		n := i + 1
		item.Code = strings.TrimSpace(item.Code)
		item.Description = strings.TrimSpace(item.Description)
		switch {
		case item.Code == "":
			return 0, validationf("fee item %d: code is required", n)
		case seen[item.Code]:
			return 0, validationf("fee item %d: duplicate code %q", n, item.Code)
		case item.Description == "":
			return 0, validationf("fee item %s: description is required", item.Code)
		case !item.Price.IsPositive():
			return 0, validationf("fee item %s: price must be greater than zero", item.Code)
		}
		seen[item.Code] = true
		clean = append(clean, item)
	}

	err := s.tx(ctx, func(st Store) error {
		for _, item := range clean {
			if err := st.SaveFeeItem(ctx, item); err != nil {
				return fmt.Errorf("save fee item %s: %w", item.Code, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.log.Info("fee items imported", "count", len(clean))
	return len(clean), nil
}

// ListFeeItems returns the stored catalog ordered by code.
func (s *Service) ListFeeItems(ctx context.Context) ([]FeeItem, error) {
	var items []FeeItem
	err := s.tx(ctx, func(st Store) error {
		var err error
		items, err = st.ListFeeItems(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return nonNil(items), nil
}
