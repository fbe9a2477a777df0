package thirdparty

import (
	"context"

	"github.com/gin-gonic/gin"
)

type validationKey struct{}

// contextKeyValidation はGinコンテキストでの検証結果のキー。
const contextKeyValidation = "thirdparty.validation"

// WithValidation はコンテキストに検証結果を設定する。
func WithValidation(ctx context.Context, v ValidationOutcome) context.Context {
	return context.WithValue(ctx, validationKey{}, v)
}

// ValidationFromContext はコンテキストから検証結果を取得する。
func ValidationFromContext(ctx context.Context) (ValidationOutcome, bool) {
	v, ok := ctx.Value(validationKey{}).(ValidationOutcome)
	return v, ok
}

// GetValidation はGinコンテキストから検証結果を取得する。
func GetValidation(c *gin.Context) (ValidationOutcome, bool) {
	v, ok := c.Get(contextKeyValidation)
	if !ok {
		return ValidationOutcome{}, false
	}
	out, ok := v.(ValidationOutcome)
	return out, ok
}

func setValidation(c *gin.Context, v ValidationOutcome) {
	c.Set(contextKeyValidation, v)
	c.Request = c.Request.WithContext(WithValidation(c.Request.Context(), v))
}
