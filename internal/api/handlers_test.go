package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/agentictrust/tokenauthority/internal/apperr"
	"github.com/agentictrust/tokenauthority/internal/delegation"
	"github.com/gin-gonic/gin"
)

func TestWriteErr_StatusMapping(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cases := []struct {
		code   apperr.Code
		status int
	}{
		{apperr.InvalidRequest, http.StatusBadRequest},
		{apperr.InvalidGrant, http.StatusBadRequest},
		{apperr.InvalidScope, http.StatusBadRequest},
		{apperr.UnsupportedGrant, http.StatusBadRequest},
		{apperr.InvalidClient, http.StatusUnauthorized},
		{apperr.UnauthorizedClient, http.StatusForbidden},
		{apperr.AccessDenied, http.StatusForbidden},
		{apperr.ServerError, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		writeErr(c, apperr.New(tc.code, "boom"))
		if w.Code != tc.status {
			t.Errorf("%s: status = %d, want %d", tc.code, w.Code, tc.status)
		}

		var body map[string]any
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("%s: invalid body: %v", tc.code, err)
		}
		if body["error"] != string(tc.code) {
			t.Errorf("%s: error field = %v", tc.code, body["error"])
		}
		if body["error_description"] != "boom" {
			t.Errorf("%s: error_description = %v", tc.code, body["error_description"])
		}
	}
}

func TestWriteErr_UnwrapsValidationError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	writeErr(c, &delegation.ValidationError{
		Reason: delegation.ReasonRevoked,
		Err:    apperr.New(apperr.InvalidGrant, "delegation grant revoked"),
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	var body map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if body["error"] != "invalid_grant" {
		t.Errorf("error field = %v, want invalid_grant", body["error"])
	}
}

func TestWriteErr_DetailsPreserved(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	writeErr(c, apperr.InvalidScopeErr([]string{"write:web"}, []string{"read:web"}, []string{"write:web"}))

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid body: %v", err)
	}
	details, ok := body["error_details"].(map[string]any)
	if !ok {
		t.Fatalf("error_details missing: %v", body)
	}
	for _, key := range []string{"requested_scopes", "available_parent_scopes", "exceeded_scopes"} {
		if _, ok := details[key]; !ok {
			t.Errorf("error_details missing %q", key)
		}
	}
}

func TestSplitScope(t *testing.T) {
	if got := splitScope(""); got != nil {
		t.Errorf("splitScope(\"\") = %v, want nil", got)
	}
	got := splitScope("read:web  write:web")
	if len(got) != 2 || got[0] != "read:web" || got[1] != "write:web" {
		t.Errorf("splitScope = %v", got)
	}
}
