package app

import (
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"movelog/internal/replica"
)

func TestMovementNotesOverHTTP(t *testing.T) {
	h := newHarness(t)
	member := h.member()

	rr := h.do(http.MethodPost, "/api/movements", member.Token, map[string]string{
		"kind":              "deliver",
		"subjectIdentifier": "AB-123-CD",
		"notes":             "full tank",
	})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("create: %d body=%s", rr.Code, rr.Body.String())
	}
	movement, _ := decodeJSON(t, rr)["movement"].(map[string]any)
	id, _ := movement["id"].(string)
	if id == "" || movement["pending"] != true {
		t.Fatalf("unexpected movement: %v", movement)
	}
	h.waitForMovement(id, nil)

	rr = h.do(http.MethodGet, "/api/movements", member.Token, nil)
	list, _ := decodeJSON(t, rr)["movements"].([]any)
	if len(list) != 1 {
		t.Fatalf("expected 1 visible movement, got %d", len(list))
	}

	h.clock.Set(t0.Add(time.Hour))
	rr = h.do(http.MethodPut, "/api/movements/"+id+"/notes", member.Token, map[string]string{"notes": "half tank"})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("edit at +1h: %d body=%s", rr.Code, rr.Body.String())
	}
	edited, _ := decodeJSON(t, rr)["movement"].(map[string]any)
	history, _ := edited["notesHistory"].([]any)
	if len(history) != 2 || edited["original"] != "full tank" {
		t.Fatalf("unexpected edit result: %v", edited)
	}
	h.waitForMovement(id, nil)

	h.clock.Set(t0.Add(25 * time.Hour))
	rr = h.do(http.MethodPut, "/api/movements/"+id+"/notes", member.Token, map[string]string{"notes": "empty"})
	payload := assertCode(t, rr, http.StatusForbidden, CodeUnauthorized)
	details, _ := payload["details"].(map[string]any)
	if details["reason"] != "time-expired" {
		t.Fatalf("expected time-expired, got %v", details)
	}

	rr = h.do(http.MethodGet, "/api/movements/"+id, member.Token, nil)
	view, _ := decodeJSON(t, rr)["movement"].(map[string]any)
	if view["canEdit"] != false || view["editReason"] != "time-expired" {
		t.Fatalf("unexpected read flags: %v", view)
	}
}

func TestEditUnknownMovementReturnsNotFound(t *testing.T) {
	h := newHarness(t)
	rr := h.do(http.MethodPut, "/api/movements/mv-nope/notes", h.member().Token, map[string]string{"notes": "x"})
	assertCode(t, rr, http.StatusNotFound, CodeNotFound)
}

func TestStoreFailureOverHTTPEchoesSubmission(t *testing.T) {
	h := newHarness(t)
	member := h.member()
	admin := h.admin()
	h.records.SetFailure(errors.New("timeout"))

	rr := h.do(http.MethodPost, "/api/messages", member.Token, map[string]string{"audience": admin.Actor.ID, "text": "tow truck at gate"})
	payload := assertCode(t, rr, http.StatusServiceUnavailable, CodeStoreUnavailable)
	details, _ := payload["details"].(map[string]any)
	attempted, _ := details["attempted"].(map[string]any)
	if attempted["text"] != "tow truck at gate" {
		t.Fatalf("expected attempted text, got %v", details)
	}
}

func TestMemberCannotReachAdminRoutes(t *testing.T) {
	h := newHarness(t)
	member := h.member()

	for _, path := range []string{"/api/accounts", "/api/stats"} {
		rr := h.do(http.MethodGet, path, member.Token, nil)
		payload := assertCode(t, rr, http.StatusForbidden, CodeUnauthorized)
		details, _ := payload["details"].(map[string]any)
		if details["reason"] != "admin-only" {
			t.Fatalf("%s: unexpected reason %v", path, details)
		}
	}
}

func TestAdminManagesAccountsOverHTTP(t *testing.T) {
	h := newHarness(t)
	admin := h.admin()
	member := h.member()

	rr := h.do(http.MethodPost, "/api/accounts", admin.Token, map[string]string{
		"loginName":   "user2",
		"displayName": "User Two",
		"role":        "member",
		"credential":  "first",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create account: %d body=%s", rr.Code, rr.Body.String())
	}

	rr = h.do(http.MethodPut, "/api/accounts/"+member.Actor.ID, admin.Token, map[string]any{"active": false})
	if rr.Code != http.StatusOK {
		t.Fatalf("suspend: %d body=%s", rr.Code, rr.Body.String())
	}
	h.waitFor("suspension and new account", func(c *replica.Cache) bool {
		a, _ := c.Account(member.Actor.ID)
		return !a.Active && len(c.Accounts) == 3
	})

	rr = h.do(http.MethodGet, "/api/accounts", admin.Token, nil)
	accounts, _ := decodeJSON(t, rr)["accounts"].([]any)
	if len(accounts) != 3 {
		t.Fatalf("expected 3 accounts, got %d", len(accounts))
	}

	rr = h.do(http.MethodPost, "/api/account/phone", member.Token, map[string]string{"phone": "555-0100"})
	payload := assertCode(t, rr, http.StatusForbidden, CodeUnauthorized)
	details, _ := payload["details"].(map[string]any)
	if details["reason"] != "account-suspended" {
		t.Fatalf("expected suspended gate, got %v", details)
	}

	rr = h.do(http.MethodGet, "/api/movements", member.Token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list while suspended: %d", rr.Code)
	}
	if list, _ := decodeJSON(t, rr)["movements"].([]any); len(list) != 0 {
		t.Fatalf("suspended account should see nothing, got %d", len(list))
	}
}

func TestStatsRangeOverHTTP(t *testing.T) {
	h := newHarness(t)
	admin := h.admin()

	q := url.Values{}
	q.Set("from", t0.Format(time.RFC3339))
	q.Set("to", t0.Add(-time.Hour).Format(time.RFC3339))
	rr := h.do(http.MethodGet, "/api/stats?"+q.Encode(), admin.Token, nil)
	payload := assertCode(t, rr, http.StatusUnprocessableEntity, CodeValidationFailed)
	details, _ := payload["details"].(map[string]any)
	if details["field"] != "to" {
		t.Fatalf("expected field to, got %v", details)
	}

	rr = h.do(http.MethodGet, "/api/stats?from=yesterday", admin.Token, nil)
	assertCode(t, rr, http.StatusUnprocessableEntity, CodeValidationFailed)

	rr = h.do(http.MethodGet, "/api/stats", admin.Token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("stats: %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestSearchFallsBackToCacheScan(t *testing.T) {
	h := newHarness(t)
	member := h.member()
	admin := h.admin()

	if _, err := h.svc.CreateMovement(t.Context(), admin, CreateMovementInput{Kind: "receive", SubjectIdentifier: "ZX-900"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	h.waitFor("movement", func(c *replica.Cache) bool { return len(c.Movements) == 1 })

	rr := h.do(http.MethodGet, "/api/search?q=zx-900", admin.Token, nil)
	payload := decodeJSON(t, rr)
	if results, _ := payload["results"].([]any); len(results) != 1 || payload["backend"] != "scan" {
		t.Fatalf("admin search: %v", payload)
	}

	rr = h.do(http.MethodGet, "/api/search?q=zx-900", member.Token, nil)
	if results, _ := decodeJSON(t, rr)["results"].([]any); len(results) != 0 {
		t.Fatalf("member must not find a movement they cannot see, got %d", len(results))
	}
}

func TestUnknownRouteReturnsNotFound(t *testing.T) {
	h := newHarness(t)
	rr := h.do(http.MethodGet, "/api/garage", h.member().Token, nil)
	assertCode(t, rr, http.StatusNotFound, CodeNotFound)
}
