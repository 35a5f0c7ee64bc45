package httperr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirkobrombin/go-latch/v1/latch"
)

func TestFromClassifiesSentinels(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{latch.ErrNotHeld, http.StatusConflict, "conflict"},
		{fmt.Errorf("release: %w", latch.ErrNotHeld), http.StatusConflict, "conflict"},
		{context.DeadlineExceeded, http.StatusRequestTimeout, "timeout"},
		{context.Canceled, 499, "client_closed"},
		{errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		he := From(tc.err)
		assert.Equal(t, tc.status, he.Status, "error %v", tc.err)
		assert.Equal(t, tc.code, he.Code, "error %v", tc.err)
		assert.ErrorIs(t, he, tc.err)
	}
}

func TestFromPassesThroughTypedErrors(t *testing.T) {
	orig := NotFound("no such lock")
	he := From(fmt.Errorf("lookup: %w", orig))
	assert.Same(t, orig, he)
}

func TestErrorMessageIncludesCause(t *testing.T) {
	he := Internal("internal error").WithCause(errors.New("disk full"))
	assert.Equal(t, "internal error: disk full", he.Error())
}

func TestRenderWritesJSON(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/boom", func(c *gin.Context) {
		Render(c, latch.ErrNotHeld)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusConflict, w.Code)
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "conflict", body.Code)
	assert.Equal(t, "lock not held", body.Message)
}
