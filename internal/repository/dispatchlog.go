package repository

import (
	"context"
	"time"

	"github.com/aman-churiwal/outbound-gateway/internal/models"
	"github.com/aman-churiwal/outbound-gateway/internal/storage"
)

type DispatchLogRepository struct {
	db *storage.Postgres
}

func NewDispatchLogRepository(db *storage.Postgres) *DispatchLogRepository {
	return &DispatchLogRepository{db: db}
}

// Inserts a resolved dispatch record
func (r *DispatchLogRepository) Create(ctx context.Context, log *models.DispatchLog) error {
	return r.db.DB.WithContext(ctx).Create(log).Error
}

// Retrieves dispatches within a time range
func (r *DispatchLogRepository) FindByTimeRange(ctx context.Context, from, to time.Time, limit, offset int) ([]models.DispatchLog, error) {
	var logs []models.DispatchLog

	err := r.db.DB.WithContext(ctx).
		Where("timestamp BETWEEN ? AND ?", from, to).
		Order("timestamp DESC").
		Limit(limit).
		Offset(offset).
		Find(&logs).Error

	return logs, err
}

// Retrieves dispatches for a specific service
func (r *DispatchLogRepository) FindByService(ctx context.Context, service string, from, to time.Time, limit, offset int) ([]models.DispatchLog, error) {
	var logs []models.DispatchLog

	err := r.db.DB.WithContext(ctx).
		Where("service = ? AND timestamp BETWEEN ? AND ?", service, from, to).
		Order("timestamp DESC").
		Limit(limit).
		Offset(offset).
		Find(&logs).Error

	return logs, err
}

// Counts dispatches in a time range
func (r *DispatchLogRepository) CountByTimeRange(ctx context.Context, from, to time.Time) (int64, error) {
	var count int64

	err := r.db.DB.WithContext(ctx).
		Model(&models.DispatchLog{}).
		Where("timestamp BETWEEN ? AND ?", from, to).
		Count(&count).Error

	return count, err
}

// Counts dispatches by outcome kind in a time range
func (r *DispatchLogRepository) CountByOutcome(ctx context.Context, outcome string, from, to time.Time) (int64, error) {
	var count int64

	err := r.db.DB.WithContext(ctx).
		Model(&models.DispatchLog{}).
		Where("outcome = ? AND timestamp BETWEEN ? AND ?", outcome, from, to).
		Count(&count).Error

	return count, err
}

// Calculates average call time in milliseconds
func (r *DispatchLogRepository) GetAverageCallTime(ctx context.Context, from, to time.Time) (float64, error) {
	var avg float64

	err := r.db.DB.WithContext(ctx).
		Model(&models.DispatchLog{}).
		Where("timestamp BETWEEN ? AND ?", from, to).
		Select("COALESCE(AVG(call_time_ms), 0)").
		Scan(&avg).Error

	return avg, err
}

// Calculates average queue wait in milliseconds
func (r *DispatchLogRepository) GetAverageQueueWait(ctx context.Context, from, to time.Time) (float64, error) {
	var avg float64

	err := r.db.DB.WithContext(ctx).
		Model(&models.DispatchLog{}).
		Where("timestamp BETWEEN ? AND ?", from, to).
		Select("COALESCE(AVG(queue_wait_ms), 0)").
		Scan(&avg).Error

	return avg, err
}

// EndpointCount pairs an endpoint key with its dispatch count
type EndpointCount struct {
	EndpointKey string `json:"endpoint_key"`
	Count       int64  `json:"count"`
}

// Returns the busiest endpoint keys in a time range
func (r *DispatchLogRepository) GetTopEndpoints(ctx context.Context, from, to time.Time, limit int) ([]EndpointCount, error) {
	var results []EndpointCount

	err := r.db.DB.WithContext(ctx).
		Model(&models.DispatchLog{}).
		Where("timestamp BETWEEN ? AND ?", from, to).
		Select("endpoint_key, COUNT(*) as count").
		Group("endpoint_key").
		Order("count DESC").
		Limit(limit).
		Scan(&results).Error

	return results, err
}

// Counts retried dispatches (more than one attempt)
func (r *DispatchLogRepository) CountRetried(ctx context.Context, from, to time.Time) (int64, error) {
	var count int64

	err := r.db.DB.WithContext(ctx).
		Model(&models.DispatchLog{}).
		Where("attempts > 1 AND timestamp BETWEEN ? AND ?", from, to).
		Count(&count).Error

	return count, err
}
