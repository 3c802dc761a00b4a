package escrow

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/tesseralabs/tessera/internal/auth"
)

func testRouter(svc *Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(auth.Middleware())

	group := r.Group("/marketplace")
	group.Use(auth.RequireIdentity())
	NewHandler(svc).RegisterRoutes(group)
	return r
}

type envelope struct {
	Success bool                   `json:"success"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data"`
}

func doRequest(t *testing.T, r *gin.Engine, method, path, userID, role string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	if role != "" {
		req.Header.Set("X-User-Role", role)
	}
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var env envelope
	_ = json.Unmarshal(w.Body.Bytes(), &env)
	return w, env
}

func TestHandler_RequiresIdentity(t *testing.T) {
	svc, _, _, _ := testService(t)
	r := testRouter(svc)

	w, env := doRequest(t, r, http.MethodGet, "/marketplace/escrows/", "", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
	if env.Success {
		t.Error("success should be false")
	}
}

func TestHandler_GetVisibility(t *testing.T) {
	svc, _, _, _ := testService(t)
	e := createTestEscrow(t, svc)
	r := testRouter(svc)

	w, env := doRequest(t, r, http.MethodGet, "/marketplace/escrows/"+e.ID+"/", "buyer1", "", nil)
	if w.Code != http.StatusOK || !env.Success {
		t.Errorf("buyer get: status = %d, success = %v", w.Code, env.Success)
	}

	w, _ = doRequest(t, r, http.MethodGet, "/marketplace/escrows/"+e.ID+"/", "stranger", "", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("stranger get: status = %d, want 403", w.Code)
	}

	w, _ = doRequest(t, r, http.MethodGet, "/marketplace/escrows/"+e.ID+"/", "validator1", "validator", nil)
	if w.Code != http.StatusOK {
		t.Errorf("validator get: status = %d, want 200", w.Code)
	}

	w, _ = doRequest(t, r, http.MethodGet, "/marketplace/escrows/esc_unknown/", "buyer1", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown escrow: status = %d, want 404", w.Code)
	}
}

func TestHandler_ConfirmFlow(t *testing.T) {
	svc, _, _, _ := testService(t)
	e := createTestEscrow(t, svc)
	r := testRouter(svc)

	// Confirm before delivery -> 400 guard violation.
	w, _ := doRequest(t, r, http.MethodPost, "/marketplace/escrows/"+e.ID+"/confirm-receipt/", "buyer1", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("early confirm: status = %d, want 400", w.Code)
	}

	w, _ = doRequest(t, r, http.MethodPost, "/marketplace/escrows/"+e.ID+"/mark-delivered/", "seller1", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("mark-delivered: status = %d", w.Code)
	}

	// Wrong principal -> 403.
	w, _ = doRequest(t, r, http.MethodPost, "/marketplace/escrows/"+e.ID+"/confirm-receipt/", "seller1", "", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("seller confirm: status = %d, want 403", w.Code)
	}

	w, env := doRequest(t, r, http.MethodPost, "/marketplace/escrows/"+e.ID+"/confirm-receipt/", "buyer1", "", nil)
	if w.Code != http.StatusOK || !env.Success {
		t.Fatalf("confirm: status = %d, body = %s", w.Code, w.Body.String())
	}

	// Terminal escrow -> 409.
	w, _ = doRequest(t, r, http.MethodPost, "/marketplace/escrows/"+e.ID+"/confirm-receipt/", "buyer1", "", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("double confirm: status = %d, want 409", w.Code)
	}
}

func TestHandler_DisputeAndResolve(t *testing.T) {
	svc, _, _, _ := testService(t)
	e := createTestEscrow(t, svc)
	r := testRouter(svc)

	// Missing reason -> 400.
	w, _ := doRequest(t, r, http.MethodPost, "/marketplace/escrows/"+e.ID+"/dispute/", "buyer1", "", map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty dispute: status = %d, want 400", w.Code)
	}

	w, _ = doRequest(t, r, http.MethodPost, "/marketplace/escrows/"+e.ID+"/dispute/", "buyer1", "",
		map[string]string{"reason": "rows are truncated"})
	if w.Code != http.StatusOK {
		t.Fatalf("dispute: status = %d, body = %s", w.Code, w.Body.String())
	}

	// Plain users cannot resolve.
	w, _ = doRequest(t, r, http.MethodPost, "/marketplace/escrows/"+e.ID+"/resolve/", "buyer1", "",
		map[string]interface{}{"outcome": "refund_to_buyer"})
	if w.Code != http.StatusForbidden {
		t.Errorf("user resolve: status = %d, want 403", w.Code)
	}

	// Unknown outcome -> 400.
	w, _ = doRequest(t, r, http.MethodPost, "/marketplace/escrows/"+e.ID+"/resolve/", "validator1", "validator",
		map[string]interface{}{"outcome": "coin_flip"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad outcome: status = %d, want 400", w.Code)
	}

	// The assigned validator resolves.
	w, env := doRequest(t, r, http.MethodPost, "/marketplace/escrows/"+e.ID+"/resolve/", "validator1", "validator",
		map[string]interface{}{"outcome": "refund_to_buyer", "notes": "seller no-show"})
	if w.Code != http.StatusOK || !env.Success {
		t.Fatalf("resolve: status = %d, body = %s", w.Code, w.Body.String())
	}

	// A second resolve -> 409.
	w, _ = doRequest(t, r, http.MethodPost, "/marketplace/escrows/"+e.ID+"/resolve/", "validator1", "validator",
		map[string]interface{}{"outcome": "release_to_seller"})
	if w.Code != http.StatusConflict {
		t.Errorf("double resolve: status = %d, want 409", w.Code)
	}
}

func TestHandler_UnassignedValidatorCannotResolve(t *testing.T) {
	svc, _, _, _ := testService(t)
	e := createTestEscrow(t, svc)
	r := testRouter(svc)

	w, _ := doRequest(t, r, http.MethodPost, "/marketplace/escrows/"+e.ID+"/dispute/", "buyer1", "",
		map[string]string{"reason": "schema mismatch"})
	if w.Code != http.StatusOK {
		t.Fatalf("dispute: status = %d", w.Code)
	}

	// validator2 holds the role but is not assigned to this dispute.
	w, _ = doRequest(t, r, http.MethodPost, "/marketplace/escrows/"+e.ID+"/resolve/", "validator2", "validator",
		map[string]interface{}{"outcome": "refund_to_buyer"})
	if w.Code != http.StatusForbidden {
		t.Errorf("unassigned validator: status = %d, want 403", w.Code)
	}
}

func TestHandler_AdminResolvesForValidator(t *testing.T) {
	svc, _, _, _ := testService(t)
	e := createTestEscrow(t, svc)
	r := testRouter(svc)

	w, _ := doRequest(t, r, http.MethodPost, "/marketplace/escrows/"+e.ID+"/dispute/", "buyer1", "",
		map[string]string{"reason": "checksum mismatch"})
	if w.Code != http.StatusOK {
		t.Fatalf("dispute: status = %d", w.Code)
	}

	// The dispute is assigned to validator1; an admin resolves it anyway.
	w, env := doRequest(t, r, http.MethodPost, "/marketplace/escrows/"+e.ID+"/resolve/", "ops1", "admin",
		map[string]interface{}{"outcome": "release_to_seller", "notes": "validator unresponsive"})
	if w.Code != http.StatusOK || !env.Success {
		t.Fatalf("admin resolve: status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestHandler_Cancel(t *testing.T) {
	svc, _, _, _ := testService(t)
	e := createTestEscrow(t, svc)
	r := testRouter(svc)

	// Buyer cannot cancel.
	w, _ := doRequest(t, r, http.MethodPost, "/marketplace/escrows/"+e.ID+"/cancel/", "buyer1", "", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("buyer cancel: status = %d, want 403", w.Code)
	}

	w, env := doRequest(t, r, http.MethodPost, "/marketplace/escrows/"+e.ID+"/cancel/", "seller1", "", nil)
	if w.Code != http.StatusOK || !env.Success {
		t.Fatalf("seller cancel: status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestHandler_List(t *testing.T) {
	svc, _, _, _ := testService(t)
	createTestEscrow(t, svc)
	r := testRouter(svc)

	w, env := doRequest(t, r, http.MethodGet, "/marketplace/escrows/?limit=10", "buyer1", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: status = %d", w.Code)
	}
	if count, ok := env.Data["count"].(float64); !ok || count != 1 {
		t.Errorf("count = %v, want 1", env.Data["count"])
	}
}

func TestHandler_AutoReleaseEndpoint(t *testing.T) {
	svc, _, _, _ := testService(t)
	e := createTestEscrow(t, svc)
	r := testRouter(svc)

	// Not yet due -> 400.
	w, _ := doRequest(t, r, http.MethodPost, "/marketplace/escrows/"+e.ID+"/auto-release/", "admin1", "admin", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("premature auto-release: status = %d, want 400", w.Code)
	}
}
