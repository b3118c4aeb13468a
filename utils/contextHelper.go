package utils

import (
	"context"

	"bitbucket.org/mmdatafocus/debts_backend/appctx"
	"github.com/google/uuid"
)

// Alias the shared context key type so existing code keeps working.
type contextKey = appctx.ContextKey

var (
	ContextKeyCorrelationId  = appctx.ContextKeyCorrelationId
	ContextKeyJobId          = appctx.ContextKeyJobId
	ContextKeyJobType        = appctx.ContextKeyJobType
	ContextKeyFileMetadataId = appctx.ContextKeyFileMetadataId
	ContextKeyWorkerId       = appctx.ContextKeyWorkerId
)

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}

// CorrelationIdFromContextOrNew returns the request/job correlation id, minting one when absent.
func CorrelationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if cid, ok := GetCorrelationIdFromContext(ctx); ok && cid != "" {
			return cid
		}
	}
	return uuid.NewString()
}

func GetJobIdFromContext(ctx context.Context) (int64, bool) {
	return appctx.GetInt64(ctx, ContextKeyJobId)
}

func SetJobIdInContext(ctx context.Context, jobId int64) context.Context {
	return appctx.Set(ctx, ContextKeyJobId, jobId)
}

func GetJobTypeFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyJobType)
}

func SetJobTypeInContext(ctx context.Context, jobType string) context.Context {
	return appctx.Set(ctx, ContextKeyJobType, jobType)
}

func GetFileMetadataIdFromContext(ctx context.Context) (int, bool) {
	return appctx.GetInt(ctx, ContextKeyFileMetadataId)
}

func SetFileMetadataIdInContext(ctx context.Context, fileMetadataId int) context.Context {
	return appctx.Set(ctx, ContextKeyFileMetadataId, fileMetadataId)
}

func GetWorkerIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyWorkerId)
}

func SetWorkerIdInContext(ctx context.Context, workerId string) context.Context {
	return appctx.Set(ctx, ContextKeyWorkerId, workerId)
}
