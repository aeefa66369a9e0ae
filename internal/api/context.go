package api

import "context"

type contextKey int

const userKey contextKey = iota

func contextWithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey, userID)
}

func userFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(userKey).(string)
	return userID
}
