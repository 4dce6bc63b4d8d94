package user

import "context"

type resolvedLoginContextKey struct{}

type resolvedLogin struct {
	contextID int
	login     string
}

// ContextWithResolvedLogin records that the current call resolved login to a
// user id, so a later NotFound for that user can drop the stale mapping.
func ContextWithResolvedLogin(ctx context.Context, contextID int, login string) context.Context {
	if login == "" {
		return ctx
	}
	return context.WithValue(ctx, resolvedLoginContextKey{}, resolvedLogin{contextID: contextID, login: login})
}

// ResolvedLoginFromContext returns the login recorded for contextID.
func ResolvedLoginFromContext(ctx context.Context, contextID int) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(resolvedLoginContextKey{}).(resolvedLogin)
	if !ok || v.contextID != contextID {
		return "", false
	}
	return v.login, true
}
