package router

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"dianping/internal/cache"
	"dianping/internal/config"
	"dianping/internal/middleware"
	"dianping/internal/model"
	"dianping/internal/queue"
	"dianping/internal/seckill"
	"dianping/internal/shop"
	"dianping/internal/store"
	rediskey "dianping/pkg/redis"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
)

type testServer struct {
	r        *gin.Engine
	st       *store.Store
	pipeline *queue.Pipeline
	mr       *miniredis.Miniredis
	cfg      config.AppConfig
}

type response struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	db, err := store.Open("sqlite", filepath.Join(t.TempDir(), "router.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	cfg := config.Default()
	kv := rediskey.NewStore(rdb)
	st := store.New(db)
	pool := cache.NewPool(2, 8)
	t.Cleanup(pool.Close)

	states := seckill.NewStateRecorder(rdb, time.Hour, false)
	creator := seckill.NewOrderCreator(st, kv, time.Second, nil)
	p := queue.NewPipeline(64, creator.Handle, queue.WithObserver(states.Observe))
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("pipeline Start: %v", err)
	}
	t.Cleanup(func() { _ = p.Stop(context.Background()) })

	r := gin.New()
	Setup(r, Deps{
		Shops:   shop.NewService(st, cache.New(kv, pool, cache.Options{}), shop.StrategyMutex, time.Minute),
		Seckill: seckill.NewService(st, seckill.NewGate(kv), rediskey.NewIDWorker(kv), p),
		States:  states,
		RDB:     rdb,
		Config:  cfg,
	})
	return &testServer{r: r, st: st, pipeline: p, mr: mr, cfg: cfg}
}

func (s *testServer) do(t *testing.T, method, path string, body any, header map[string]string) (int, response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.r.ServeHTTP(w, req)

	var resp response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("%s %s: decode %q: %v", method, path, w.Body.String(), err)
	}
	return w.Code, resp
}

func (s *testServer) admin() map[string]string {
	return map[string]string{"X-Admin-Token": s.cfg.AdminToken}
}

func user(id int64) map[string]string {
	return map[string]string{middleware.UserHeader: strconv.FormatInt(id, 10)}
}

func TestRouter_Shop(t *testing.T) {
	s := newTestServer(t)
	sh := &model.Shop{Name: "103茶餐厅", TypeID: 1}
	if err := s.st.CreateShop(context.Background(), sh); err != nil {
		t.Fatal(err)
	}
	path := "/api/shop/" + strconv.FormatInt(sh.ID, 10)

	code, resp := s.do(t, http.MethodGet, path, nil, nil)
	if code != http.StatusOK || resp.Code != 0 {
		t.Fatalf("GET shop = %d %+v", code, resp)
	}
	if code, _ := s.do(t, http.MethodGet, "/api/shop/404", nil, nil); code != http.StatusNotFound {
		t.Fatalf("GET missing shop = %d", code)
	}
	if code, _ := s.do(t, http.MethodGet, "/api/shop/abc", nil, nil); code != http.StatusBadRequest {
		t.Fatalf("GET bad id = %d", code)
	}

	sh.Name = "103茶餐厅(新)"
	if code, resp := s.do(t, http.MethodPut, "/api/shop", sh, nil); code != http.StatusOK {
		t.Fatalf("PUT shop = %d %+v", code, resp)
	}
	if s.mr.Exists(rediskey.CacheShopKeyPrefix + strconv.FormatInt(sh.ID, 10)) {
		t.Fatal("cache not invalidated by update")
	}

	if code, _ := s.do(t, http.MethodPost, path+"/warm", nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("warm without token = %d", code)
	}
	if code, _ := s.do(t, http.MethodPost, path+"/warm", nil, s.admin()); code != http.StatusOK {
		t.Fatalf("warm = %d", code)
	}
}

func TestRouter_SeckillFlow(t *testing.T) {
	s := newTestServer(t)
	now := time.Now()
	body := map[string]any{
		"shopId":      1,
		"title":       "100元代金券",
		"payValue":    8000,
		"actualValue": 10000,
		"stock":       2,
		"beginTime":   now.Add(-time.Hour).Format(time.RFC3339),
		"endTime":     now.Add(time.Hour).Format(time.RFC3339),
	}
	if code, _ := s.do(t, http.MethodPost, "/api/voucher/seckill", body, nil); code != http.StatusUnauthorized {
		t.Fatalf("add voucher without token = %d", code)
	}
	code, resp := s.do(t, http.MethodPost, "/api/voucher/seckill", body, s.admin())
	if code != http.StatusOK {
		t.Fatalf("add voucher = %d %+v", code, resp)
	}
	var voucherID int64
	if err := json.Unmarshal(resp.Data, &voucherID); err != nil || voucherID == 0 {
		t.Fatalf("voucher id = %s", resp.Data)
	}
	orderPath := "/api/voucher-order/seckill/" + strconv.FormatInt(voucherID, 10)

	if code, _ := s.do(t, http.MethodPost, orderPath, nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("order without user = %d", code)
	}
	code, resp = s.do(t, http.MethodPost, orderPath, nil, user(1001))
	if code != http.StatusOK || resp.Code != 0 {
		t.Fatalf("first order = %d %+v", code, resp)
	}
	var orderID string
	if err := json.Unmarshal(resp.Data, &orderID); err != nil || orderID == "" {
		t.Fatalf("order id = %s", resp.Data)
	}
	if _, resp := s.do(t, http.MethodPost, orderPath, nil, user(1001)); resp.Code != 2 {
		t.Fatalf("duplicate order = %+v", resp)
	}
	if _, resp := s.do(t, http.MethodPost, orderPath, nil, user(1002)); resp.Code != 0 {
		t.Fatalf("second user = %+v", resp)
	}
	if _, resp := s.do(t, http.MethodPost, orderPath, nil, user(1003)); resp.Code != 1 {
		t.Fatalf("third user = %+v", resp)
	}

	stockPath := "/api/voucher/seckill/" + strconv.FormatInt(voucherID, 10) + "/stock"
	if _, resp := s.do(t, http.MethodGet, stockPath, nil, nil); string(resp.Data) != `{"stock":0}` {
		t.Fatalf("stock = %s", resp.Data)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.pipeline.Stop(ctx); err != nil {
		t.Fatalf("pipeline Stop: %v", err)
	}
	_, resp = s.do(t, http.MethodGet, "/api/voucher-order/"+orderID+"/state", nil, nil)
	var state struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(resp.Data, &state); err != nil || state.Status != seckill.OrderCreated {
		t.Fatalf("order state = %s", resp.Data)
	}
}

func TestRouter_PreloadMissingVoucher(t *testing.T) {
	s := newTestServer(t)
	if code, _ := s.do(t, http.MethodPost, "/api/voucher/seckill/404/preload", nil, s.admin()); code != http.StatusNotFound {
		t.Fatalf("preload missing = %d", code)
	}
	if code, _ := s.do(t, http.MethodGet, "/ping", nil, nil); code != http.StatusOK {
		t.Fatalf("ping = %d", code)
	}
}
