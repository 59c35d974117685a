package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"marketplace-settlement/pkg/errutil"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
	gin.SetMode(gin.TestMode)
}

func serve(t *testing.T, err error) *httptest.ResponseRecorder {
	t.Helper()

	r := gin.New()
	r.Use(Error())
	r.GET("/x", func(c *gin.Context) { _ = c.Error(err) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	return w
}

func TestErrorRendersBaseError(t *testing.T) {
	w := serve(t, errutil.InsufficientBalance("available balance too low", nil))
	require.Equal(t, http.StatusConflict, w.Code)

	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "insufficient_balance", body.Error.Code)
	require.Equal(t, "available balance too low", body.Error.Message)
}

func TestErrorHidesUnknownErrors(t *testing.T) {
	w := serve(t, errors.New("pq: connection refused"))
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.NotContains(t, w.Body.String(), "pq:")
}

func TestErrorAcknowledgesDuplicates(t *testing.T) {
	w := serve(t, errutil.IdempotencyConflict("event already applied", nil))
	require.Equal(t, http.StatusOK, w.Code)
}
