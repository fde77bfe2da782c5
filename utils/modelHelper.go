package utils

import (
	"context"
	"errors"

	"bitbucket.org/mmdatafocus/ledger_backend/config"
	"gorm.io/gorm"
)

// fetch model from db
// (owner_id is used in query's WHERE, may return RecordNotFound)
func FetchModel[T any](ctx context.Context, ownerId string, id string, associations ...string) (*T, error) {
	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("owner_id = ?", ownerId)
	for _, field := range associations {
		dbCtx = dbCtx.Preload(field)
	}
	var result T
	err := dbCtx.Where("id = ?", id).First(&result).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrorRecordNotFound
		}
		return nil, err
	}
	return &result, nil
}

// fetch all models owned by ownerId
func FetchAllModels[T any](ctx context.Context, ownerId string, order string, associations ...string) ([]*T, error) {
	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("owner_id = ?", ownerId)
	for _, field := range associations {
		dbCtx = dbCtx.Preload(field)
	}
	if order != "" {
		dbCtx = dbCtx.Order(order)
	}
	var results []*T
	if err := dbCtx.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
