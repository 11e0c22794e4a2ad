package auth

import (
	"context"
	"errors"
)

type ctxKey int

const (
	ctxUserID ctxKey = iota
	ctxManufacturerID
	ctxRole
)

func WithIdentity(ctx context.Context, userID, manufacturerID, role string) context.Context {
	ctx = context.WithValue(ctx, ctxUserID, userID)
	ctx = context.WithValue(ctx, ctxManufacturerID, manufacturerID)
	ctx = context.WithValue(ctx, ctxRole, role)
	return ctx
}

func UserID(ctx context.Context) (string, error) {
	v := ctx.Value(ctxUserID)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("user_id not in context")
}

func ManufacturerID(ctx context.Context) (string, error) {
	v := ctx.Value(ctxManufacturerID)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("manufacturer_id not in context")
}

func Role(ctx context.Context) (string, error) {
	v := ctx.Value(ctxRole)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("role not in context")
}
