package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Result 记录单次请求的 HTTP 结果，便于聚合统计。
type Result struct {
	Status int
	Code   int
	Err    error
}

type apiResponse struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func main() {
	baseURL := flag.String("base", "http://localhost:8080", "server base url")
	voucherID := flag.Int64("voucher", 0, "existing seckill voucher id; 0 creates a new one")
	stock := flag.Int64("stock", 100, "stock of the created voucher")
	adminToken := flag.String("admin-token", "dev-admin-token", "admin token")

	// 超卖测试参数：users 个用户并发抢 stock 件
	nUsers := flag.Int("users", 1000, "distinct users")
	concurrency := flag.Int("c", 100, "max concurrency")
	sameUser := flag.Int("same-user", 50, "requests from one user for the one-per-user check")
	flag.Parse()

	client := &http.Client{Timeout: 5 * time.Second}
	admin := map[string]string{"X-Admin-Token": *adminToken}

	if *voucherID == 0 {
		now := time.Now()
		var id int64
		err := doJSON(client, http.MethodPost, *baseURL+"/api/voucher/seckill", map[string]any{
			"shopId":      1,
			"title":       "loadtest voucher",
			"payValue":    100,
			"actualValue": 1000,
			"stock":       *stock,
			"beginTime":   now.Add(-time.Minute).Format(time.RFC3339),
			"endTime":     now.Add(time.Hour).Format(time.RFC3339),
		}, admin, &id)
		if err != nil {
			fmt.Fprintln(os.Stderr, "create voucher failed:", err)
			os.Exit(1)
		}
		*voucherID = id
		fmt.Printf("created voucher %d with stock %d\n", id, *stock)
	}

	// 1) 不超卖：不同用户并发
	fmt.Printf("start oversell test: voucher=%d users=%d concurrency=%d\n", *voucherID, *nUsers, *concurrency)
	results := run(*nUsers, *concurrency, func(i int) Result {
		return seckillOnce(client, *baseURL, *voucherID, int64(100000+i))
	})
	ok := printSummary("oversell", results)
	if left, err := getStock(client, *baseURL, *voucherID); err != nil {
		fmt.Println("stock check err:", err)
	} else {
		fmt.Println("final redis stock:", left)
		if left < 0 {
			fmt.Println("OVERSOLD: redis stock below zero")
		}
	}
	fmt.Println("accepted orders:", ok)

	// 2) 一人一单：同一用户并发重复抢（同时会触发限流）
	fmt.Printf("\nstart one-per-user test: user=%d requests=%d\n", 99999, *sameUser)
	results = run(*sameUser, *sameUser, func(int) Result {
		return seckillOnce(client, *baseURL, *voucherID, 99999)
	})
	if ok := printSummary("same_user", results); ok > 1 {
		fmt.Printf("DUPLICATE: same user got %d orders\n", ok)
	}
}

func run(total, concurrency int, fn func(i int) Result) []Result {
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	results := make([]Result, total)
	for i := 0; i < total; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = fn(idx)
		}(i)
	}
	wg.Wait()
	return results
}

func seckillOnce(client *http.Client, baseURL string, voucherID, userID int64) Result {
	url := fmt.Sprintf("%s/api/voucher-order/seckill/%d", baseURL, voucherID)
	req, _ := http.NewRequest(http.MethodPost, url, nil)
	req.Header.Set("X-User-ID", strconv.FormatInt(userID, 10))

	resp, err := client.Do(req)
	if err != nil {
		return Result{Err: err}
	}
	defer resp.Body.Close()
	var out apiResponse
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return Result{Status: resp.StatusCode, Code: out.Code}
}

// printSummary 输出 HTTP 状态码与业务码分布，返回下单成功数。
func printSummary(name string, results []Result) int {
	count := map[string]int{}
	errCount, ok := 0, 0
	for _, r := range results {
		if r.Err != nil {
			errCount++
			continue
		}
		if r.Status == http.StatusOK && r.Code == 0 {
			ok++
		}
		count[fmt.Sprintf("%d/code=%d", r.Status, r.Code)]++
	}
	keys := make([]string, 0, len(count))
	for k := range count {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Printf("[%s] summary:\n", name)
	for _, k := range keys {
		fmt.Printf("  %s -> %d\n", k, count[k])
	}
	if errCount > 0 {
		fmt.Printf("  errors -> %d\n", errCount)
	}
	return ok
}

// doJSON 发送 JSON 请求，业务码非 0 视为失败，data 解析到 out。
func doJSON(client *http.Client, method, url string, body any, headers map[string]string, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(method, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var r apiResponse
	if err := json.Unmarshal(raw, &r); err != nil {
		return fmt.Errorf("status=%d body=%s", resp.StatusCode, raw)
	}
	if resp.StatusCode >= 300 || r.Code != 0 {
		return fmt.Errorf("status=%d code=%d msg=%s", resp.StatusCode, r.Code, r.Msg)
	}
	if out != nil {
		return json.Unmarshal(r.Data, out)
	}
	return nil
}

// getStock 查询 Redis 中当前库存，用于压测后校验是否出现超卖。
func getStock(client *http.Client, baseURL string, voucherID int64) (int64, error) {
	resp, err := client.Get(fmt.Sprintf("%s/api/voucher/seckill/%d/stock", baseURL, voucherID))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	var out struct {
		Data struct {
			Stock int64 `json:"stock"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	return out.Data.Stock, nil
}
