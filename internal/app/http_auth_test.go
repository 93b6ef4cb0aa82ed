package app

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"movelog/internal/replica"
)

func (h *harness) do(method, path, token string, body any) *httptest.ResponseRecorder {
	h.t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			h.t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	NewHTTPServer(h.svc, "*", nil, nil).Handler().ServeHTTP(rr, req)
	return rr
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
	}
	return payload
}

func assertCode(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) map[string]any {
	t.Helper()
	if rr.Code != status {
		t.Fatalf("expected status %d, got %d body=%s", status, rr.Code, rr.Body.String())
	}
	payload := decodeJSON(t, rr)
	if payload["code"] != code {
		t.Fatalf("expected code %s, got %v", code, payload["code"])
	}
	return payload
}

func TestSessionLoginReturnsContract(t *testing.T) {
	h := newHarness(t)
	rr := h.do(http.MethodPost, "/api/session/login", "", map[string]string{"loginName": "  USER1 ", "credential": "1234"})

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeJSON(t, rr)
	if token, _ := payload["token"].(string); token == "" {
		t.Fatal("expected token")
	}
	actor, _ := payload["actor"].(map[string]any)
	if actor["displayName"] != "User One" || actor["role"] != "member" {
		t.Fatalf("unexpected actor: %v", actor)
	}
	if bytes.Contains(rr.Body.Bytes(), []byte("$2a$")) {
		t.Fatal("credential hash leaked into the login response")
	}
}

func TestSessionLoginRejectsWrongCredential(t *testing.T) {
	h := newHarness(t)
	rr := h.do(http.MethodPost, "/api/session/login", "", map[string]string{"loginName": "user1", "credential": "nope"})
	assertCode(t, rr, http.StatusUnauthorized, CodeUnauthenticated)
}

func TestSessionLoginRejectsInvalidBody(t *testing.T) {
	h := newHarness(t)
	rr := h.do(http.MethodPost, "/api/session/login", "", `{"loginName":`)
	assertCode(t, rr, http.StatusBadRequest, "INVALID_BODY")
}

func TestProtectedRouteWithoutBearerReturnsUnauthenticated(t *testing.T) {
	h := newHarness(t)
	rr := h.do(http.MethodGet, "/api/movements", "", nil)
	assertCode(t, rr, http.StatusUnauthorized, CodeUnauthenticated)
}

func TestProtectedRouteWithInvalidBearerReturnsUnauthenticated(t *testing.T) {
	h := newHarness(t)
	rr := h.do(http.MethodGet, "/api/movements", "not-a-token", nil)
	assertCode(t, rr, http.StatusUnauthorized, CodeUnauthenticated)
}

func TestSessionEndpointAndLogout(t *testing.T) {
	h := newHarness(t)
	rr := h.do(http.MethodGet, "/api/session", "", nil)
	if decodeJSON(t, rr)["authenticated"] != false {
		t.Fatalf("expected anonymous session, got %s", rr.Body.String())
	}

	member := h.member()
	rr = h.do(http.MethodGet, "/api/session", member.Token, nil)
	payload := decodeJSON(t, rr)
	if payload["authenticated"] != true {
		t.Fatalf("expected authenticated session, got %v", payload)
	}

	rr = h.do(http.MethodPost, "/api/session/logout", member.Token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("logout: %d", rr.Code)
	}
	rr = h.do(http.MethodGet, "/api/movements", member.Token, nil)
	assertCode(t, rr, http.StatusUnauthorized, CodeUnauthenticated)
}

func TestMustChangeCredentialBlocksMutations(t *testing.T) {
	h := newHarness(t)
	sess := h.login("admin", "1234")
	body := map[string]string{"kind": "receive", "subjectIdentifier": "CAR-1"}

	rr := h.do(http.MethodPost, "/api/movements", sess.Token, body)
	payload := assertCode(t, rr, http.StatusForbidden, CodeUnauthorized)
	details, _ := payload["details"].(map[string]any)
	if details["reason"] != "credential-change-required" {
		t.Fatalf("unexpected reason: %v", details)
	}

	rr = h.do(http.MethodGet, "/api/movements", sess.Token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("reads stay open, got %d", rr.Code)
	}

	rr = h.do(http.MethodPost, "/api/account/credential", sess.Token, map[string]string{"currentCredential": "1234", "newCredential": "s3cret"})
	if rr.Code != http.StatusOK {
		t.Fatalf("change credential: %d body=%s", rr.Code, rr.Body.String())
	}
	account, _ := decodeJSON(t, rr)["account"].(map[string]any)
	if account["mustChangeCredential"] != false {
		t.Fatalf("expected flag cleared, got %v", account)
	}
	h.waitFor("credential change", func(c *replica.Cache) bool {
		a, _ := c.AccountByLogin("admin")
		return !a.MustChangeCredential
	})

	rr = h.do(http.MethodPost, "/api/movements", sess.Token, body)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202 after change, got %d body=%s", rr.Code, rr.Body.String())
	}
}
