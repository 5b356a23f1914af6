package response

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/feedpipe/internal/domain"
)

func TestStatusOf(t *testing.T) {
	cases := map[error]int{
		domain.Validation("op", "bad"):                 http.StatusBadRequest,
		domain.NotFound("op", "missing"):               http.StatusNotFound,
		domain.Forbidden("op", "not yours"):            http.StatusForbidden,
		domain.Gone("op", "deleted"):                   http.StatusGone,
		domain.Conflict("op", "raced"):                 http.StatusConflict,
		domain.Configuration("op", "no handler"):       http.StatusInternalServerError,
		domain.Infrastructure("op", errors.New("db")):  http.StatusInternalServerError,
		fmt.Errorf("wrapped: %w", domain.Gone("op", "")): http.StatusGone,
		errors.New("foreign"):                          http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, StatusOf(err), err.Error())
	}
}

func TestInternalErrorHidesCause(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	InternalError(c, errors.New("dial tcp 10.0.0.1:5432: refused"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var body Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "internal error", body.Message)
	assert.Equal(t, string(domain.KindInfrastructure), body.Kind)
	assert.NotContains(t, w.Body.String(), "10.0.0.1")
	assert.Len(t, c.Errors, 1)
}
