package pixles

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/mux"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// the out-of-band request/response surface. The entitlement endpoint is the
// callback target for the external payment confirmation, which can be
// retried or duplicated, hence the idempotent grant.

type Api struct {
	engine      *Engine
	ledger      *LedgerStore
	tokens      *TokenAuthority
	adminSecret string
}

func NewApi(engine *Engine, ledger *LedgerStore, tokens *TokenAuthority, adminSecret string) *Api {
	return &Api{
		engine:      engine,
		ledger:      ledger,
		tokens:      tokens,
		adminSecret: adminSecret,
	}
}

func (self *Api) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/v1/identity", self.createIdentity).Methods("POST")
	router.HandleFunc("/v1/ledger", self.fetchLedger).Methods("GET")
	router.HandleFunc("/v1/entitlement", self.grantEntitlement).Methods("POST")
	router.HandleFunc("/v1/debit", self.debitPurchased).Methods("POST")
	router.HandleFunc("/v1/ability/consume", self.consumeAbility).Methods("POST")
	router.HandleFunc("/v1/wipe", self.wipeCanvas).Methods("POST")
	router.HandleFunc("/v1/cursor-color", self.setCursorColor).Methods("POST")
	router.HandleFunc("/v1/admin/verify", self.adminVerify).Methods("POST")
	router.HandleFunc("/v1/admin/cosmetic", self.adminToggleCosmetic).Methods("POST")
	return router
}

type LedgerView struct {
	Identity       Id             `json:"identity"`
	FreeBudget     int            `json:"freeBudget"`
	RefillDeadline *time.Time     `json:"refillDeadline,omitempty"`
	Purchased      int            `json:"purchased"`
	Bombs          map[int]int    `json:"bombs,omitempty"`
	WipeCharges    int            `json:"wipeCharges,omitempty"`
	Tools          []ToolKind     `json:"tools,omitempty"`
	Cosmetics      []CosmeticKind `json:"cosmetics,omitempty"`
	CursorColor    string         `json:"cursorColor,omitempty"`
}

func NewLedgerView(entry *LedgerEntry) *LedgerView {
	tools := maps.Keys(entry.Tools)
	slices.Sort(tools)
	cosmetics := maps.Keys(entry.Cosmetics)
	slices.Sort(cosmetics)
	return &LedgerView{
		Identity:       entry.Identity,
		FreeBudget:     entry.FreeBudget,
		RefillDeadline: entry.RefillDeadline,
		Purchased:      entry.Purchased,
		Bombs:          maps.Clone(entry.Bombs),
		WipeCharges:    entry.WipeCharges,
		Tools:          tools,
		Cosmetics:      cosmetics,
		CursorColor:    entry.CursorColor,
	}
}

// a granted purchase outcome: currency, an ability charge, a tool unlock,
// or a cosmetic
type ProductDescriptor struct {
	Kind     string       `json:"kind"`
	Amount   int          `json:"amount,omitempty"`
	Size     int          `json:"size,omitempty"`
	Tool     ToolKind     `json:"tool,omitempty"`
	Cosmetic CosmeticKind `json:"cosmetic,omitempty"`
}

const (
	ProductPixels   = "pixels"
	ProductBomb     = "bomb"
	ProductWipe     = "wipe"
	ProductTool     = "tool"
	ProductCosmetic = "cosmetic"
)

func (self *ProductDescriptor) ApplyFunc() (func(*LedgerEntry), error) {
	switch self.Kind {
	case ProductPixels:
		if self.Amount <= 0 {
			return nil, fmt.Errorf("pixel pack needs a positive amount")
		}
		amount := self.Amount
		return func(entry *LedgerEntry) {
			entry.Purchased += amount
		}, nil
	case ProductBomb:
		if !ValidBombSize(self.Size) {
			return nil, fmt.Errorf("unknown bomb size %d", self.Size)
		}
		size := self.Size
		charges := max(1, self.Amount)
		return func(entry *LedgerEntry) {
			entry.Bombs[size] += charges
		}, nil
	case ProductWipe:
		charges := max(1, self.Amount)
		return func(entry *LedgerEntry) {
			entry.WipeCharges += charges
		}, nil
	case ProductTool:
		if !self.Tool.Valid() || self.Tool == ToolBrush || self.Tool == ToolBomb {
			return nil, fmt.Errorf("tool %q is not unlockable", self.Tool)
		}
		tool := self.Tool
		return func(entry *LedgerEntry) {
			entry.Tools[tool] = true
		}, nil
	case ProductCosmetic:
		if !self.Cosmetic.Valid() {
			return nil, fmt.Errorf("unknown cosmetic %q", self.Cosmetic)
		}
		cosmetic := self.Cosmetic
		return func(entry *LedgerEntry) {
			entry.Cosmetics[cosmetic] = true
		}, nil
	}
	return nil, fmt.Errorf("unknown product kind %q", self.Kind)
}

func (self *Api) createIdentity(w http.ResponseWriter, r *http.Request) {
	identity := NewId()
	// first-touch is the durable lifecycle event
	self.ledger.GetOrCreate(identity)
	token, err := self.tokens.Mint(identity)
	if err != nil {
		glog.Infof("[api]mint error = %s\n", err)
		writeJson(w, http.StatusInternalServerError, map[string]any{"error": "mint failed"})
		return
	}
	writeJson(w, http.StatusOK, map[string]any{
		"identity": identity,
		"token":    token,
	})
}

func (self *Api) fetchLedger(w http.ResponseWriter, r *http.Request) {
	identity, ok := self.requireIdentity(w, r)
	if !ok {
		return
	}
	writeJson(w, http.StatusOK, NewLedgerView(self.ledger.GetOrCreate(identity)))
}

func (self *Api) grantEntitlement(w http.ResponseWriter, r *http.Request) {
	identity, ok := self.requireIdentity(w, r)
	if !ok {
		return
	}
	var request struct {
		EntitlementId string            `json:"entitlementId"`
		Product       ProductDescriptor `json:"product"`
	}
	if !readJson(w, r, &request) {
		return
	}
	if request.EntitlementId == "" {
		writeJson(w, http.StatusBadRequest, map[string]any{"error": "missing entitlementId"})
		return
	}
	apply, err := request.Product.ApplyFunc()
	if err != nil {
		writeJson(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	entry, applied := self.ledger.CreditEntitlement(identity, request.EntitlementId, apply)
	if !applied {
		glog.V(1).Infof("[api]entitlement %s replayed for %s\n", request.EntitlementId, identity)
	}
	self.engine.RefreshIdentity(identity)
	// a replay is success, not an error
	writeJson(w, http.StatusOK, map[string]any{
		"applied": applied,
		"ledger":  NewLedgerView(entry),
	})
}

func (self *Api) debitPurchased(w http.ResponseWriter, r *http.Request) {
	identity, ok := self.requireIdentity(w, r)
	if !ok {
		return
	}
	var request struct {
		Amount int `json:"amount"`
	}
	if !readJson(w, r, &request) {
		return
	}
	if request.Amount <= 0 {
		writeJson(w, http.StatusBadRequest, map[string]any{"error": "amount must be positive"})
		return
	}
	if err := self.ledger.DebitPurchased(identity, request.Amount); err != nil {
		writeJson(w, http.StatusPaymentRequired, map[string]any{"error": "insufficient budget"})
		return
	}
	writeJson(w, http.StatusOK, NewLedgerView(self.ledger.GetOrCreate(identity)))
}

func (self *Api) consumeAbility(w http.ResponseWriter, r *http.Request) {
	identity, ok := self.requireIdentity(w, r)
	if !ok {
		return
	}
	var request struct {
		Kind AbilityKind `json:"kind"`
		Size int         `json:"size,omitempty"`
	}
	if !readJson(w, r, &request) {
		return
	}

	var err error
	switch request.Kind {
	case AbilityBomb:
		if !ValidBombSize(request.Size) {
			writeJson(w, http.StatusBadRequest, map[string]any{"error": "unknown bomb size"})
			return
		}
		err = self.ledger.ConsumeBomb(identity, request.Size)
	case AbilityWipe:
		err = self.ledger.ConsumeWipe(identity)
	default:
		writeJson(w, http.StatusBadRequest, map[string]any{"error": "unknown ability kind"})
		return
	}
	if errors.Is(err, ErrAbilityUnavailable) {
		writeJson(w, http.StatusConflict, map[string]any{"error": "ability unavailable"})
		return
	}
	writeJson(w, http.StatusOK, NewLedgerView(self.ledger.GetOrCreate(identity)))
}

func (self *Api) wipeCanvas(w http.ResponseWriter, r *http.Request) {
	identity, ok := self.requireIdentity(w, r)
	if !ok {
		return
	}
	if err := self.engine.WipeCanvas(identity); err != nil {
		writeJson(w, http.StatusConflict, map[string]any{"error": "ability unavailable"})
		return
	}
	writeJson(w, http.StatusOK, map[string]any{"wiped": true})
}

func (self *Api) setCursorColor(w http.ResponseWriter, r *http.Request) {
	identity, ok := self.requireIdentity(w, r)
	if !ok {
		return
	}
	var request struct {
		Color string `json:"color"`
	}
	if !readJson(w, r, &request) {
		return
	}
	if !ValidColor(request.Color) {
		writeJson(w, http.StatusBadRequest, map[string]any{"error": "bad color"})
		return
	}
	if err := self.ledger.SetCursorColor(identity, request.Color); err != nil {
		writeJson(w, http.StatusForbidden, map[string]any{"error": "cosmetic not unlocked"})
		return
	}
	self.engine.RefreshIdentity(identity)
	writeJson(w, http.StatusOK, NewLedgerView(self.ledger.GetOrCreate(identity)))
}

func (self *Api) adminVerify(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Secret string `json:"secret"`
	}
	if !readJson(w, r, &request) {
		return
	}
	if !VerifyAdminSecret(self.adminSecret, request.Secret) {
		writeJson(w, http.StatusForbidden, map[string]any{"error": "unauthorized"})
		return
	}
	writeJson(w, http.StatusOK, map[string]any{"ok": true})
}

func (self *Api) adminToggleCosmetic(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Identity string       `json:"identity"`
		Cosmetic CosmeticKind `json:"cosmetic"`
		Secret   string       `json:"secret"`
	}
	if !readJson(w, r, &request) {
		return
	}
	if !VerifyAdminSecret(self.adminSecret, request.Secret) {
		writeJson(w, http.StatusForbidden, map[string]any{"error": "unauthorized"})
		return
	}
	identity, err := ParseId(request.Identity)
	if err != nil {
		writeJson(w, http.StatusBadRequest, map[string]any{"error": "bad identity"})
		return
	}
	if !request.Cosmetic.Valid() {
		writeJson(w, http.StatusBadRequest, map[string]any{"error": "unknown cosmetic"})
		return
	}
	enabled := self.ledger.ToggleCosmetic(identity, request.Cosmetic)
	self.engine.RefreshIdentity(identity)
	writeJson(w, http.StatusOK, map[string]any{"enabled": enabled})
}

func (self *Api) requireIdentity(w http.ResponseWriter, r *http.Request) (Id, bool) {
	auth := r.Header.Get("Authorization")
	bearer, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		writeJson(w, http.StatusUnauthorized, map[string]any{"error": "missing bearer token"})
		return Id{}, false
	}
	identity, err := self.tokens.Verify(bearer)
	if err != nil {
		writeJson(w, http.StatusUnauthorized, map[string]any{"error": "bad token"})
		return Id{}, false
	}
	return identity, true
}

func readJson(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeJson(w, http.StatusBadRequest, map[string]any{"error": "bad request body"})
		return false
	}
	return true
}

func writeJson(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.V(1).Infof("[api]write error = %s\n", err)
	}
}
