package respond

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dmchat/internal/apperr"
)

func TestError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
		msg    string
	}{
		{"not found", apperr.ErrMessageNotFound, http.StatusNotFound, "NOT_FOUND", "message not found"},
		{"forbidden", apperr.ErrNotParticipant, http.StatusForbidden, "PERMISSION_DENIED", apperr.ErrNotParticipant.Error()},
		{"unavailable hides cause", apperr.Unavailable(errors.New("dial tcp 10.0.0.1:5432")), http.StatusServiceUnavailable, "UNAVAILABLE", "internal server error"},
		{"plain error", errors.New("boom"), http.StatusInternalServerError, "INTERNAL", "internal server error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			Error(rec, httptest.NewRequest(http.MethodGet, "/", nil), zerolog.Nop(), tt.err)

			assert.Equal(t, tt.status, rec.Code)
			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.code, body["code"])
			assert.Equal(t, tt.msg, body["error"])
		})
	}
}

func TestDecode(t *testing.T) {
	var v struct {
		Name string `json:"name"`
	}
	rec := httptest.NewRecorder()
	require.NoError(t, Decode(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"x"}`)), &v))
	assert.Equal(t, "x", v.Name)

	err := Decode(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`nope`)), &v)
	assert.Equal(t, apperr.CodeInvalidArgument, apperr.CodeOf(err))
}
