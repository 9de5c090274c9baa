package pixles

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/assert/v2"
)

func newTestApi(t *testing.T) (*Api, *Engine, *LedgerStore, *TokenAuthority) {
	grid := newTestGrid(8)
	ledger, _ := newTestLedger(10)
	registry := NewSessionRegistry()
	engine := NewEngineWithDefaults(context.Background(), grid, ledger, registry)
	tokens := NewTokenAuthorityWithDefaults([]byte("test-secret"))
	t.Cleanup(tokens.Close)
	api := NewApi(engine, ledger, tokens, "hunter2")
	return api, engine, ledger, tokens
}

func apiRequest(t *testing.T, api *Api, method string, path string, token string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		assert.Equal(t, nil, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	if token != "" {
		request.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
	}
	recorder := httptest.NewRecorder()
	api.Router().ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, out any) {
	assert.Equal(t, nil, json.NewDecoder(recorder.Body).Decode(out))
}

func createTestIdentity(t *testing.T, api *Api) (Id, string) {
	recorder := apiRequest(t, api, "POST", "/v1/identity", "", nil)
	assert.Equal(t, http.StatusOK, recorder.Code)
	var response struct {
		Identity Id     `json:"identity"`
		Token    string `json:"token"`
	}
	decodeBody(t, recorder, &response)
	assert.Equal(t, false, response.Identity.IsZero())
	assert.NotEqual(t, "", response.Token)
	return response.Identity, response.Token
}

func TestApiIdentityAndLedger(t *testing.T) {
	api, _, _, _ := newTestApi(t)

	identity, token := createTestIdentity(t, api)

	recorder := apiRequest(t, api, "GET", "/v1/ledger", token, nil)
	assert.Equal(t, http.StatusOK, recorder.Code)
	var view LedgerView
	decodeBody(t, recorder, &view)
	assert.Equal(t, identity, view.Identity)
	assert.Equal(t, 10, view.FreeBudget)
	assert.Equal(t, 0, view.Purchased)
}

func TestApiRequiresBearer(t *testing.T) {
	api, _, _, _ := newTestApi(t)

	recorder := apiRequest(t, api, "GET", "/v1/ledger", "", nil)
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)

	recorder = apiRequest(t, api, "GET", "/v1/ledger", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestApiEntitlementIdempotent(t *testing.T) {
	api, _, ledger, _ := newTestApi(t)
	identity, token := createTestIdentity(t, api)

	grant := map[string]any{
		"entitlementId": "order-1001",
		"product": map[string]any{
			"kind":   "pixels",
			"amount": 50,
		},
	}

	recorder := apiRequest(t, api, "POST", "/v1/entitlement", token, grant)
	assert.Equal(t, http.StatusOK, recorder.Code)
	var response struct {
		Applied bool       `json:"applied"`
		Ledger  LedgerView `json:"ledger"`
	}
	decodeBody(t, recorder, &response)
	assert.Equal(t, true, response.Applied)
	assert.Equal(t, 50, response.Ledger.Purchased)

	// the payment callback can be retried, the replay is success with no
	// second credit
	recorder = apiRequest(t, api, "POST", "/v1/entitlement", token, grant)
	assert.Equal(t, http.StatusOK, recorder.Code)
	decodeBody(t, recorder, &response)
	assert.Equal(t, false, response.Applied)
	assert.Equal(t, 50, response.Ledger.Purchased)
	assert.Equal(t, 50, ledger.GetOrCreate(identity).Purchased)
}

func TestApiEntitlementValidation(t *testing.T) {
	api, _, _, _ := newTestApi(t)
	_, token := createTestIdentity(t, api)

	for _, product := range []map[string]any{
		{"kind": "pixels", "amount": 0},
		{"kind": "bomb", "size": 7},
		{"kind": "tool", "tool": "brush"},
		{"kind": "tool", "tool": "bomb"},
		{"kind": "cosmetic", "cosmetic": "sparkle"},
		{"kind": "mystery"},
	} {
		recorder := apiRequest(t, api, "POST", "/v1/entitlement", token, map[string]any{
			"entitlementId": "order-x",
			"product":       product,
		})
		assert.Equal(t, http.StatusBadRequest, recorder.Code)
	}

	// missing entitlement id
	recorder := apiRequest(t, api, "POST", "/v1/entitlement", token, map[string]any{
		"product": map[string]any{"kind": "pixels", "amount": 5},
	})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestApiDebitPurchased(t *testing.T) {
	api, _, ledger, _ := newTestApi(t)
	identity, token := createTestIdentity(t, api)

	// nothing purchased yet
	recorder := apiRequest(t, api, "POST", "/v1/debit", token, map[string]any{"amount": 1})
	assert.Equal(t, http.StatusPaymentRequired, recorder.Code)

	ledger.CreditEntitlement(identity, "order-1", func(entry *LedgerEntry) {
		entry.Purchased += 5
	})

	recorder = apiRequest(t, api, "POST", "/v1/debit", token, map[string]any{"amount": 3})
	assert.Equal(t, http.StatusOK, recorder.Code)
	var view LedgerView
	decodeBody(t, recorder, &view)
	assert.Equal(t, 2, view.Purchased)
	// the free budget is never touched by an out-of-band debit
	assert.Equal(t, 10, view.FreeBudget)

	recorder = apiRequest(t, api, "POST", "/v1/debit", token, map[string]any{"amount": 0})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestApiConsumeAbility(t *testing.T) {
	api, _, ledger, _ := newTestApi(t)
	identity, token := createTestIdentity(t, api)

	recorder := apiRequest(t, api, "POST", "/v1/ability/consume", token, map[string]any{
		"kind": "bomb",
		"size": 5,
	})
	assert.Equal(t, http.StatusConflict, recorder.Code)

	ledger.CreditEntitlement(identity, "order-bomb", func(entry *LedgerEntry) {
		entry.Bombs[5] += 1
	})

	recorder = apiRequest(t, api, "POST", "/v1/ability/consume", token, map[string]any{
		"kind": "bomb",
		"size": 5,
	})
	assert.Equal(t, http.StatusOK, recorder.Code)
	var view LedgerView
	decodeBody(t, recorder, &view)
	assert.Equal(t, 0, view.Bombs[5])

	recorder = apiRequest(t, api, "POST", "/v1/ability/consume", token, map[string]any{
		"kind": "bomb",
		"size": 7,
	})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)

	recorder = apiRequest(t, api, "POST", "/v1/ability/consume", token, map[string]any{
		"kind": "teleport",
	})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestApiWipe(t *testing.T) {
	api, engine, ledger, _ := newTestApi(t)
	identity, token := createTestIdentity(t, api)

	conn, _ := connectTest(engine)
	engine.Identify(conn, identity)
	engine.PlaceCell(conn, 0, 0, "#FF0000", nil)

	recorder := apiRequest(t, api, "POST", "/v1/wipe", token, map[string]any{})
	assert.Equal(t, http.StatusConflict, recorder.Code)
	assert.Equal(t, 1, len(engine.SnapshotGrid().Cells))

	ledger.CreditEntitlement(identity, "order-wipe", func(entry *LedgerEntry) {
		entry.WipeCharges += 1
	})

	recorder = apiRequest(t, api, "POST", "/v1/wipe", token, map[string]any{})
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, 0, len(engine.SnapshotGrid().Cells))
}

func TestApiCursorColor(t *testing.T) {
	api, _, ledger, _ := newTestApi(t)
	identity, token := createTestIdentity(t, api)

	recorder := apiRequest(t, api, "POST", "/v1/cursor-color", token, map[string]any{
		"color": "#A0B0C0",
	})
	assert.Equal(t, http.StatusForbidden, recorder.Code)

	ledger.CreditEntitlement(identity, "order-cursor", func(entry *LedgerEntry) {
		entry.Cosmetics[CosmeticCustomCursor] = true
	})

	recorder = apiRequest(t, api, "POST", "/v1/cursor-color", token, map[string]any{
		"color": "#A0B0C0",
	})
	assert.Equal(t, http.StatusOK, recorder.Code)
	var view LedgerView
	decodeBody(t, recorder, &view)
	assert.Equal(t, "#A0B0C0", view.CursorColor)

	recorder = apiRequest(t, api, "POST", "/v1/cursor-color", token, map[string]any{
		"color": "blue",
	})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestApiAdmin(t *testing.T) {
	api, _, ledger, _ := newTestApi(t)
	identity, _ := createTestIdentity(t, api)

	recorder := apiRequest(t, api, "POST", "/v1/admin/verify", "", map[string]any{
		"secret": "wrong",
	})
	assert.Equal(t, http.StatusForbidden, recorder.Code)

	recorder = apiRequest(t, api, "POST", "/v1/admin/verify", "", map[string]any{
		"secret": "hunter2",
	})
	assert.Equal(t, http.StatusOK, recorder.Code)

	recorder = apiRequest(t, api, "POST", "/v1/admin/cosmetic", "", map[string]any{
		"identity": identity.String(),
		"cosmetic": "vip",
		"secret":   "hunter2",
	})
	assert.Equal(t, http.StatusOK, recorder.Code)
	var response struct {
		Enabled bool `json:"enabled"`
	}
	decodeBody(t, recorder, &response)
	assert.Equal(t, true, response.Enabled)
	assert.Equal(t, true, ledger.GetOrCreate(identity).HasCosmetic(CosmeticVip))

	// toggling again disables
	recorder = apiRequest(t, api, "POST", "/v1/admin/cosmetic", "", map[string]any{
		"identity": identity.String(),
		"cosmetic": "vip",
		"secret":   "hunter2",
	})
	assert.Equal(t, http.StatusOK, recorder.Code)
	decodeBody(t, recorder, &response)
	assert.Equal(t, false, response.Enabled)

	recorder = apiRequest(t, api, "POST", "/v1/admin/cosmetic", "", map[string]any{
		"identity": "garbage",
		"cosmetic": "vip",
		"secret":   "hunter2",
	})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)

	recorder = apiRequest(t, api, "POST", "/v1/admin/cosmetic", "", map[string]any{
		"identity": identity.String(),
		"cosmetic": "vip",
		"secret":   "wrong",
	})
	assert.Equal(t, http.StatusForbidden, recorder.Code)
}

func TestApiBadBody(t *testing.T) {
	api, _, _, _ := newTestApi(t)
	_, token := createTestIdentity(t, api)

	request := httptest.NewRequest("POST", "/v1/debit", bytes.NewReader([]byte("{not json")))
	request.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
	recorder := httptest.NewRecorder()
	api.Router().ServeHTTP(recorder, request)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}
