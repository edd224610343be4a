// Package requestid mints correlation ids for manual triggers and HTTP
// requests.
package requestid

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// Header carries the id across process boundaries.
const Header = "X-Request-Id"

type ctxKey struct{}

func New() string {
	return uuid.NewString()
}

// FromHeader returns value when it looks usable, or a fresh id.
func FromHeader(value string) string {
	value = strings.TrimSpace(value)
	if value == "" || len(value) > 128 {
		return New()
	}
	return value
}

func WithContext(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func FromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxKey{}).(string)
	return v, ok && v != ""
}
