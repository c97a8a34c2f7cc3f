package auth

import "context"

type principalContextKey struct{}
type credentialContextKey struct{}

// ContextWithPrincipal attaches the authenticated principal to the context.
func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, &principal)
}

// PrincipalFromContext extracts the authenticated principal from the context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	v, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || v == nil {
		return Principal{}, false
	}
	return *v, true
}

// ContextWithCredentials stores the raw request credentials in the context.
func ContextWithCredentials(ctx context.Context, creds Credentials) context.Context {
	if creds.BearerToken == "" && creds.SessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, credentialContextKey{}, creds)
}

// CredentialsFromContext returns credentials previously attached.
func CredentialsFromContext(ctx context.Context) (Credentials, bool) {
	if ctx == nil {
		return Credentials{}, false
	}
	v, ok := ctx.Value(credentialContextKey{}).(Credentials)
	if !ok {
		return Credentials{}, false
	}
	return v, true
}
