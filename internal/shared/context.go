package shared

import "context"

type sessionContextKey struct{}

// ContextWithSession stores the session in context.
func ContextWithSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// SessionFromContext extracts the session from context.
func SessionFromContext(ctx context.Context) *Session {
	sess, _ := ctx.Value(sessionContextKey{}).(*Session)
	return sess
}

// Principal identifies the authenticated actor and its tenant scope.
type Principal struct {
	UserID   string
	TenantID string
}

// PrincipalFromContext derives the principal from the request session.
// The second return value is false when no authenticated user is present.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	sess := SessionFromContext(ctx)
	if sess == nil {
		return Principal{}, false
	}
	userID := sess.User()
	if userID == "" {
		return Principal{}, false
	}
	return Principal{UserID: userID, TenantID: sess.Get(SessionTenantKey)}, true
}
