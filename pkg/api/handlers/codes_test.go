package handlers

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/partnerhub/api/pkg/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeHandler_Validate(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	s.approved(t, domain.RolePartner, "VALID1")

	a := fmt.Sprintf(`{"user_id":%q,"role":"ambassador","name":"Pending Person","email":"pp@example.com","preferred_code":"WAIT01"}`, s.user(t))
	rec := s.call(t, s.referrerH.Apply, http.MethodPost, "/api/v1/applications", a)
	require.Equal(t, http.StatusCreated, rec.Code)

	tests := []struct {
		name   string
		code   string
		valid  bool
		reason string
	}{
		{name: "active partner code", code: "valid1", valid: true},
		{name: "pending application", code: "WAIT01", reason: "code_not_active"},
		{name: "unknown", code: "NOPE99", reason: "code_not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.call(t, s.codeH.Validate, http.MethodGet, "/api/v1/codes/validate?code="+tt.code, "")
			require.Equal(t, http.StatusOK, rec.Code)
			out := decode(t, rec)
			assert.NotEmpty(t, out["message"])
			assert.Equal(t, tt.valid, out["valid"])
			if tt.valid {
				assert.Equal(t, "VALID1", out["code"])
				assert.Equal(t, "partner", out["role"])
				assert.Equal(t, "0.2", out["discount_rate"])
			} else {
				assert.Equal(t, tt.reason, out["reason"])
			}
		})
	}

	t.Run("missing code", func(t *testing.T) {
		rec := s.call(t, s.codeH.Validate, http.MethodGet, "/api/v1/codes/validate", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "missing_code", errorCode(t, rec))
	})

	code, err := s.registry.GetByCode(ctx, "VALID1")
	require.NoError(t, err)
	assert.Zero(t, code.TimesUsed)
}

func TestCodeHandler_Redeem(t *testing.T) {
	s := newTestServer(t)
	ref := s.approved(t, domain.RoleAmbassador, "AMB001")
	userID := s.user(t)
	body := fmt.Sprintf(`{"code":"amb001","user_id":%q,"amount":"200"}`, userID)

	rec := s.call(t, s.codeH.Redeem, http.MethodPost, "/api/v1/codes/redeem", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	out := decode(t, rec)
	assert.Equal(t, "Code redeemed", out["message"])
	assert.Equal(t, ref.ID, out["referrer_id"])
	// 200 at 10% off, ambassador keeps 10% of 180
	assert.True(t, decimal.RequireFromString(out["final_amount"].(string)).Equal(decimal.RequireFromString("180")))
	assert.True(t, decimal.RequireFromString(out["referrer_revenue"].(string)).Equal(decimal.RequireFromString("18")))

	t.Run("same user again", func(t *testing.T) {
		rec := s.call(t, s.codeH.Redeem, http.MethodPost, "/api/v1/codes/redeem", body)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "already_redeemed", errorCode(t, rec))
	})

	t.Run("non-numeric amount", func(t *testing.T) {
		b := fmt.Sprintf(`{"code":"AMB001","user_id":%q,"amount":"lots"}`, s.user(t))
		rec := s.call(t, s.codeH.Redeem, http.MethodPost, "/api/v1/codes/redeem", b)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "validation_error", errorCode(t, rec))
	})

	t.Run("zero amount", func(t *testing.T) {
		b := fmt.Sprintf(`{"code":"AMB001","user_id":%q,"amount":"0"}`, s.user(t))
		rec := s.call(t, s.codeH.Redeem, http.MethodPost, "/api/v1/codes/redeem", b)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid_amount", errorCode(t, rec))
	})

	t.Run("owner redeeming own code", func(t *testing.T) {
		b := fmt.Sprintf(`{"code":"AMB001","user_id":%q,"amount":"10"}`, ref.UserID)
		rec := s.call(t, s.codeH.Redeem, http.MethodPost, "/api/v1/codes/redeem", b)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "self_redemption", errorCode(t, rec))
	})
}

func TestCodeHandler_AdminOperations(t *testing.T) {
	s := newTestServer(t)
	used := s.approved(t, domain.RolePartner, "USED01")
	unused := s.approved(t, domain.RolePartner, "FRESH1")

	_, err := s.engine.Redeem(context.Background(), "USED01", s.user(t), decimal.RequireFromString("20"))
	require.NoError(t, err)

	rec := s.call(t, s.codeH.SetUsageLimit, http.MethodPatch, "/", `{"usage_limit":5}`, "id", unused.CodeID)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 5, decode(t, rec)["usage_limit"])

	rec = s.call(t, s.codeH.SetUsageLimit, http.MethodPatch, "/", `{"usage_limit":-1}`, "id", unused.CodeID)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.call(t, s.codeH.Delete, http.MethodDelete, "/", "", "id", used.CodeID)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "code_in_use", errorCode(t, rec))

	rec = s.call(t, s.codeH.Delete, http.MethodDelete, "/", "", "id", unused.CodeID)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.call(t, s.codeH.Delete, http.MethodDelete, "/", "", "id", unused.CodeID)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
