package contextkeys

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestID(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "", GetRequestID(ctx))
	assert.Equal(t, "abc", GetRequestID(WithRequestID(ctx, "abc")))
}

func TestClaims(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, GetClaims(ctx))

	type fake struct{ sub string }
	v := &fake{sub: "1"}
	assert.Same(t, v, GetClaims(WithClaims(ctx, v)))
}
