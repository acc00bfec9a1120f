package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"bankledger/internal/config"
	"bankledger/internal/membership"
	"bankledger/internal/repository"
	"bankledger/internal/service"
	"bankledger/pkg/response"

	"github.com/gin-gonic/gin"
)

type testServer struct {
	router   *gin.Engine
	bank     *service.Bank
	registry *membership.Registry
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default()
	registry := membership.NewRegistry()
	bank := service.NewBank(repository.NewMemoryStore(),
		service.WithDefaults(cfg.Bank),
		service.WithDirectory(registry),
		service.WithLogger(logger),
	)
	if err := bank.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	return &testServer{
		router:   SetupRouter(bank, registry, cfg, logger),
		bank:     bank,
		registry: registry,
	}
}

type decoded struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func doRequest(t *testing.T, r http.Handler, method, path, userID, guildID string, body any) (int, decoded) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(HeaderUserID, userID)
		req.Header.Set(HeaderUserName, "user-"+userID)
	}
	if guildID != "" {
		req.Header.Set(HeaderGuildID, guildID)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var resp decoded
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode %s %s: %v (%s)", method, path, err, w.Body.String())
	}
	return w.Code, resp
}

func balanceOf(t *testing.T, s *testServer, userID, guildID string) int64 {
	t.Helper()
	b, err := s.bank.Accounts.GetBalance(context.Background(), service.Member{ID: userID}, guildID)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestMissingIdentity(t *testing.T) {
	s := newTestServer(t)
	status, resp := doRequest(t, s.router, http.MethodGet, "/api/v1/bank/balance", "", "g1", nil)
	if status != http.StatusBadRequest || resp.Code != response.CodeParamError {
		t.Fatalf("status=%d code=%d", status, resp.Code)
	}
}

func TestDepositAndBalance(t *testing.T) {
	s := newTestServer(t)

	_, resp := doRequest(t, s.router, http.MethodPost, "/api/v1/bank/deposit", "1", "g1", gin.H{"amount": 50})
	if resp.Code != response.CodeSuccess {
		t.Fatalf("deposit: %+v", resp)
	}

	_, resp = doRequest(t, s.router, http.MethodGet, "/api/v1/bank/balance", "1", "g1", nil)
	var data struct {
		Balance int64 `json:"balance"`
	}
	_ = json.Unmarshal(resp.Data, &data)
	if data.Balance != 150 {
		t.Fatalf("balance=%d want 150", data.Balance)
	}

	_, resp = doRequest(t, s.router, http.MethodPost, "/api/v1/bank/deposit", "1", "g1", gin.H{"amount": 0})
	if resp.Code != response.CodeInvalidAmount {
		t.Fatalf("zero deposit code=%d", resp.Code)
	}
}

func TestTransferErrors(t *testing.T) {
	s := newTestServer(t)

	_, resp := doRequest(t, s.router, http.MethodPost, "/api/v1/bank/transfer", "1", "g1", gin.H{"to_id": "2", "amount": 1000})
	if resp.Code != response.CodeInsufficientFunds {
		t.Fatalf("code=%d message=%s", resp.Code, resp.Message)
	}

	_, resp = doRequest(t, s.router, http.MethodPost, "/api/v1/bank/transfer", "1", "g1", gin.H{"to_id": "2", "amount": 60})
	if resp.Code != response.CodeSuccess {
		t.Fatalf("transfer: %+v", resp)
	}
	if a, b := balanceOf(t, s, "1", "g1"), balanceOf(t, s, "2", "g1"); a != 40 || b != 160 {
		t.Fatalf("balances %d/%d", a, b)
	}

	_, resp = doRequest(t, s.router, http.MethodGet, "/api/v1/bank/balance", "1", "", nil)
	if resp.Code != response.CodeMissingScope {
		t.Fatalf("no guild in local mode: code=%d", resp.Code)
	}
}

func TestStatementCharges(t *testing.T) {
	s := newTestServer(t)
	if _, err := s.bank.Accounts.SetBalance(context.Background(), service.Member{ID: "1"}, "g1", 100); err != nil {
		t.Fatal(err)
	}

	_, resp := doRequest(t, s.router, http.MethodGet, "/api/v1/bank/statement", "1", "g1", nil)
	if resp.Code != response.CodeSuccess {
		t.Fatalf("statement: %+v", resp)
	}
	if b := balanceOf(t, s, "1", "g1"); b != 90 {
		t.Fatalf("balance=%d want 90", b)
	}

	// 本地模式私信调用被拒绝，不扣款
	_, resp = doRequest(t, s.router, http.MethodGet, "/api/v1/bank/statement", "1", "", nil)
	if resp.Code != response.CodeRejected {
		t.Fatalf("code=%d", resp.Code)
	}
}

// 扣款前没有账户的调用者拿不到排名，扣款要退回
func TestStatementRefundsCallerWithoutAccount(t *testing.T) {
	s := newTestServer(t)

	_, resp := doRequest(t, s.router, http.MethodGet, "/api/v1/bank/statement", "9", "g1", nil)
	if resp.Code != response.CodeSuccess {
		t.Fatalf("statement: %+v", resp)
	}
	var data struct {
		Account  service.Account `json:"account"`
		Position *int            `json:"position"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.Position != nil {
		t.Fatalf("position=%d want none", *data.Position)
	}
	if b := balanceOf(t, s, "9", "g1"); b != 100 {
		t.Fatalf("balance=%d want refund to 100", b)
	}

	// 退款后账户已存在，再次调用正常收费
	_, resp = doRequest(t, s.router, http.MethodGet, "/api/v1/bank/statement", "9", "g1", nil)
	if resp.Code != response.CodeSuccess {
		t.Fatalf("second statement: %+v", resp)
	}
	if b := balanceOf(t, s, "9", "g1"); b != 90 {
		t.Fatalf("balance=%d want 90", b)
	}
}

func TestStatementInsufficientFunds(t *testing.T) {
	s := newTestServer(t)
	if _, err := s.bank.Accounts.SetBalance(context.Background(), service.Member{ID: "1"}, "g1", 3); err != nil {
		t.Fatal(err)
	}

	_, resp := doRequest(t, s.router, http.MethodGet, "/api/v1/bank/statement", "1", "g1", nil)
	if resp.Code != response.CodeRejected {
		t.Fatalf("code=%d", resp.Code)
	}
	if b := balanceOf(t, s, "1", "g1"); b != 3 {
		t.Fatalf("balance=%d want 3", b)
	}
}

func TestPaidMiddlewareRefunds(t *testing.T) {
	s := newTestServer(t)
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(IdentityMiddleware())
	r.GET("/fail", PaidMiddleware(s.bank.Guard, 25), func(c *gin.Context) {
		writeError(c, service.ErrInvalidAmount)
	})
	r.GET("/abort", PaidMiddleware(s.bank.Guard, 25), func(c *gin.Context) {
		AbortPurchase(c)
		response.Success(c, nil)
	})
	r.GET("/ok", PaidMiddleware(s.bank.Guard, 25), func(c *gin.Context) {
		response.Success(c, nil)
	})

	for _, path := range []string{"/fail", "/abort"} {
		doRequest(t, r, http.MethodGet, path, "1", "g1", nil)
		if b := balanceOf(t, s, "1", "g1"); b != 100 {
			t.Fatalf("%s: balance=%d want refund to 100", path, b)
		}
	}

	doRequest(t, r, http.MethodGet, "/ok", "1", "g1", nil)
	if b := balanceOf(t, s, "1", "g1"); b != 75 {
		t.Fatalf("ok: balance=%d want 75", b)
	}
}

func TestGuildMembersAndPrune(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	for _, id := range []string{"1", "2"} {
		if _, err := s.bank.Accounts.SetBalance(ctx, service.Member{ID: id}, "g1", 10); err != nil {
			t.Fatal(err)
		}
	}

	_, resp := doRequest(t, s.router, http.MethodPut, "/api/v1/guilds/g1/members", "", "", gin.H{"members": []string{"1"}})
	if resp.Code != response.CodeSuccess {
		t.Fatalf("put members: %+v", resp)
	}

	_, resp = doRequest(t, s.router, http.MethodPost, "/api/v1/bank/prune", "1", "g1", nil)
	var result service.PruneResult
	_ = json.Unmarshal(resp.Data, &result)
	if len(result.Deleted) != 1 || result.Deleted[0] != "2" {
		t.Fatalf("prune result %+v", result)
	}
}

func TestSettingsAndMode(t *testing.T) {
	s := newTestServer(t)

	_, resp := doRequest(t, s.router, http.MethodPut, "/api/v1/bank/settings", "1", "g1",
		gin.H{"currency": "gold", "max_balance": 5000, "default_balance": 4000})
	if resp.Code != response.CodeSuccess {
		t.Fatalf("update settings: %+v", resp)
	}
	if b := balanceOf(t, s, "9", "g1"); b != 4000 {
		t.Fatalf("default balance=%d", b)
	}

	_, resp = doRequest(t, s.router, http.MethodPut, "/api/v1/bank/mode", "1", "g1", gin.H{"global": true})
	var mode struct {
		Global bool `json:"global"`
	}
	_ = json.Unmarshal(resp.Data, &mode)
	if resp.Code != response.CodeSuccess || !mode.Global {
		t.Fatalf("set mode: %+v", resp)
	}

	// 全局模式下私信也能查余额
	_, resp = doRequest(t, s.router, http.MethodGet, "/api/v1/bank/balance", "1", "", nil)
	if resp.Code != response.CodeSuccess {
		t.Fatalf("global balance: %+v", resp)
	}
}
