package types

import "context"

// contextKey is used for storing values in context.Context.
type contextKey string

const (
	keyTraceID             contextKey = "trace_id"
	keyTenantID            contextKey = "tenant_id"
	keyUserID              contextKey = "user_id"
	keyRunID               contextKey = "run_id"
	keyLLMModel            contextKey = "llm_model"
	keyPromptBundleVersion contextKey = "prompt_bundle_version"
	keyUsername            contextKey = "username"
	keyClientKind          contextKey = "client_kind"
	keyModuleName          contextKey = "module_name"
)

// WithUsername adds the authenticated Tom username to context.
func WithUsername(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, keyUsername, username)
}

// Username extracts the authenticated Tom username from context.
func Username(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyUsername).(string)
	return v, ok && v != ""
}

// WithClientKind adds the calling client kind (pwa, android, api) to context.
func WithClientKind(ctx context.Context, kind string) context.Context {
	return context.WithValue(ctx, keyClientKind, kind)
}

// ClientKind extracts the calling client kind from context.
func ClientKind(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyClientKind).(string)
	return v, ok && v != ""
}

// WithModuleName adds the currently-executing tool provider module name to context.
func WithModuleName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, keyModuleName, name)
}

// ModuleName extracts the currently-executing tool provider module name from context.
func ModuleName(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyModuleName).(string)
	return v, ok && v != ""
}

// WithTraceID adds trace ID to context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, keyTraceID, traceID)
}

// TraceID extracts trace ID from context.
func TraceID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyTraceID).(string)
	return v, ok && v != ""
}

// WithTenantID adds tenant ID to context.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, keyTenantID, tenantID)
}

// TenantID extracts tenant ID from context.
func TenantID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyTenantID).(string)
	return v, ok && v != ""
}

// WithUserID adds user ID to context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, keyUserID, userID)
}

// UserID extracts user ID from context.
func UserID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyUserID).(string)
	return v, ok && v != ""
}

// WithRunID adds run ID to context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, keyRunID, runID)
}

// RunID extracts run ID from context.
func RunID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyRunID).(string)
	return v, ok && v != ""
}

// WithLLMModel adds LLM model to context.
func WithLLMModel(ctx context.Context, model string) context.Context {
	return context.WithValue(ctx, keyLLMModel, model)
}

// LLMModel extracts LLM model from context.
func LLMModel(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyLLMModel).(string)
	return v, ok && v != ""
}

// WithPromptBundleVersion adds prompt bundle version to context.
func WithPromptBundleVersion(ctx context.Context, version string) context.Context {
	return context.WithValue(ctx, keyPromptBundleVersion, version)
}

// PromptBundleVersion extracts prompt bundle version from context.
func PromptBundleVersion(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyPromptBundleVersion).(string)
	return v, ok && v != ""
}
