package context

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/database"
)

type ContextKey string

var (
	RequestIDKey = ContextKey("X-Request-Id")
	TenantIDKey  = ContextKey("X-Tenant-Id")
	UserIDKey    = ContextKey("X-User-Id")
)

// RequestContext is passed by parameter to every reconciliation operation.
type RequestContext struct {
	TenantID     string
	ActingUserID string
	// Tx, when set, is joined by every store call made with this request.
	Tx     database.Tx
	Logger ectologger.Logger
}

// New builds a request context for tenantID acting as userID.
func New(tenantID, actingUserID string, logger ectologger.Logger) RequestContext {
	return RequestContext{TenantID: tenantID, ActingUserID: actingUserID, Logger: logger}
}

// WithTx returns a copy bound to tx.
func (rc RequestContext) WithTx(tx database.Tx) RequestContext {
	rc.Tx = tx
	return rc
}

// Bind attaches the request's identifiers and transaction to ctx.
func (rc RequestContext) Bind(ctx context.Context) context.Context {
	ctx = SetTenantID(ctx, rc.TenantID)
	if rc.ActingUserID != "" {
		ctx = SetUserID(ctx, rc.ActingUserID)
	}
	return database.WithTx(ctx, rc.Tx)
}

// Log returns the request logger scoped to ctx and tagged with the tenant and acting user.
func (rc RequestContext) Log(ctx context.Context) ectologger.Logger {
	logger := rc.Logger
	if logger == nil {
		logger = ectologger.NewEctoLogger(func(ectologger.EctoLogMessage) {})
	}
	return logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id":      rc.TenantID,
		"acting_user_id": rc.ActingUserID,
	})
}

func SetRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

func GetRequestID(ctx context.Context) string {
	value, ok := ctx.Value(RequestIDKey).(string)
	if !ok {
		return ""
	}
	return value
}

func SetUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

func GetUserID(ctx context.Context) string {
	value, ok := ctx.Value(UserIDKey).(string)
	if !ok {
		return ""
	}
	return value
}

func SetTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenantID)
}

func GetTenantID(ctx context.Context) string {
	value, ok := ctx.Value(TenantIDKey).(string)
	if !ok {
		return ""
	}
	return value
}
