package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"async-notify/internal/config"
	"async-notify/internal/executor"
	"async-notify/internal/models"
	"async-notify/internal/queue"
	"async-notify/internal/ratelimit"
	"async-notify/internal/signature"
	"async-notify/internal/worker"
)

type harness struct {
	srv      *httptest.Server
	backend  *queue.FileQueue
	verifier *signature.Verifier
}

func newHarness(t *testing.T, limiter ratelimit.Limiter, exec executor.Executor) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Queue.StaleAfter = 0

	fq, err := queue.NewFileQueue(t.TempDir())
	require.NoError(t, err)

	verifier, err := signature.New("MD5", "merchant-key")
	require.NoError(t, err)

	reg := worker.NewRegistry()
	reg.Register("alipay", worker.Provider{Validator: verifier, Executor: exec})
	reg.Register("wxpay", worker.Provider{Executor: exec, AckSuccess: "<xml><return_code>SUCCESS</return_code></xml>"})

	proc := worker.NewProcessor(cfg, fq, nil, reg, zerolog.Nop())
	srv := httptest.NewServer(New(cfg, proc, limiter, zerolog.Nop()).Router())
	t.Cleanup(srv.Close)
	return &harness{srv: srv, backend: fq, verifier: verifier}
}

var ok = executor.Func(func(context.Context, models.Payload) executor.Result {
	return executor.Result{Success: true}
})

func (h *harness) signedForm(order string) url.Values {
	data := map[string]string{
		"out_trade_no": order,
		"trade_no":     "T-" + order,
		"trade_status": "TRADE_SUCCESS",
		"total_amount": "10.00",
	}
	form := url.Values{}
	for k, v := range data {
		form.Set(k, v)
	}
	form.Set("sign", h.verifier.Sign(data))
	return form
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestNotifyFormAccepted(t *testing.T) {
	h := newHarness(t, nil, ok)

	resp, err := http.PostForm(h.srv.URL+"/notify/alipay", h.signedForm("ORD-1"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "success", readBody(t, resp))

	id := resp.Header.Get("X-Task-ID")
	require.NotEmpty(t, id)
	task, err := h.backend.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "ORD-1", task.Payload.OrderRef)
	assert.Equal(t, 10.0, task.Payload.Amount)
}

func TestNotifyBadSignature(t *testing.T) {
	h := newHarness(t, nil, ok)

	form := h.signedForm("ORD-2")
	form.Set("total_amount", "0.01")
	resp, err := http.PostForm(h.srv.URL+"/notify/alipay", form)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "SIGN_ERROR", resp.Header.Get("X-Notify-Reason"))
	assert.Equal(t, "fail", readBody(t, resp))

	counts, err := h.backend.Status(context.Background(), "alipay")
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts.Pending)
}

func TestNotifyJSONWithCustomAck(t *testing.T) {
	h := newHarness(t, nil, ok)

	body := `{"out_trade_no":"W-1","transaction_id":"420000","result_code":"SUCCESS","total_fee":1250}`
	resp, err := http.Post(h.srv.URL+"/notify/wxpay", "application/json; charset=utf-8", strings.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<xml><return_code>SUCCESS</return_code></xml>", readBody(t, resp))

	task, err := h.backend.Get(context.Background(), resp.Header.Get("X-Task-ID"))
	require.NoError(t, err)
	assert.Equal(t, 12.5, task.Payload.Amount)
	assert.Equal(t, "1250", task.Payload.Raw["total_fee"])
}

func TestNotifyUnknownCategory(t *testing.T) {
	h := newHarness(t, nil, ok)
	resp, err := http.PostForm(h.srv.URL+"/notify/paypal", url.Values{"a": {"b"}})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestNotifyRateLimited(t *testing.T) {
	h := newHarness(t, ratelimit.NewLocalLimiter(1, 0.001), ok)

	resp, err := http.PostForm(h.srv.URL+"/notify/wxpay", url.Values{"out_trade_no": {"R1"}})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.PostForm(h.srv.URL+"/notify/wxpay", url.Values{"out_trade_no": {"R2"}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "fail", readBody(t, resp))
}

func TestDrainStatusAndClear(t *testing.T) {
	h := newHarness(t, nil, ok)

	for _, order := range []string{"D1", "D2", "D3"} {
		resp, err := http.PostForm(h.srv.URL+"/notify/alipay", h.signedForm(order))
		require.NoError(t, err)
		resp.Body.Close()
	}

	resp, err := http.Get(h.srv.URL + "/queues/alipay/status")
	require.NoError(t, err)
	var status statusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	resp.Body.Close()
	assert.Equal(t, int64(3), status.Pending)
	assert.Equal(t, int64(3), status.Backlog)
	assert.Equal(t, "file", status.Backend)

	resp, err = http.Post(h.srv.URL+"/queues/alipay/drain?limit=2", "", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var summary worker.Summary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&summary))
	resp.Body.Close()
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 2, summary.Succeeded)

	resp, err = http.Post(h.srv.URL+"/queues/alipay/drain?limit=zero", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequest(http.MethodDelete, h.srv.URL+"/queues/alipay", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	counts, err := h.backend.Status(context.Background(), "alipay")
	require.NoError(t, err)
	assert.Equal(t, models.Counts{}, counts)
}

func TestFailedListingAndTaskLookup(t *testing.T) {
	fail := executor.Func(func(context.Context, models.Payload) executor.Result {
		return executor.Result{Message: "downstream 500"}
	})
	h := newHarness(t, nil, fail)

	resp, err := http.PostForm(h.srv.URL+"/notify/wxpay", url.Values{"out_trade_no": {"F1"}})
	require.NoError(t, err)
	resp.Body.Close()
	id := resp.Header.Get("X-Task-ID")

	// Force the task straight to failed.
	task, err := h.backend.Pop(context.Background(), "wxpay")
	require.NoError(t, err)
	require.NotNil(t, task)
	task.Attempts = task.MaxAttempts
	task.SetError("downstream 500")
	require.NoError(t, h.backend.MarkFailed(context.Background(), *task))

	resp, err = http.Get(h.srv.URL + "/queues/wxpay/failed")
	require.NoError(t, err)
	var failed struct {
		Items []models.Task `json:"items"`
		Count int           `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&failed))
	resp.Body.Close()
	require.Equal(t, 1, failed.Count)
	assert.Equal(t, id, failed.Items[0].ID)

	resp, err = http.Get(h.srv.URL + "/tasks/" + id)
	require.NoError(t, err)
	var got models.Task
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	resp.Body.Close()
	assert.Equal(t, models.StatusFailed, got.Status)

	resp, err = http.Get(h.srv.URL + "/tasks/does-not-exist")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, nil, ok)
	resp, err := http.Get(h.srv.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, readBody(t, resp))
}

func TestNotifyEmptyBodyRejected(t *testing.T) {
	h := newHarness(t, nil, ok)

	resp, err := http.Post(h.srv.URL+"/notify/wxpay", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "fail", readBody(t, resp))

	resp, err = http.PostForm(h.srv.URL+"/notify/wxpay", url.Values{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "fail", readBody(t, resp))

	counts, err := h.backend.Status(context.Background(), "wxpay")
	require.NoError(t, err)
	assert.Equal(t, models.Counts{}, counts)
}

// refusingKV accepts reads but fails every write as unreachable.
type refusingKV struct {
	*queue.FileQueue
}

func (refusingKV) Name() string { return "kv" }

func (refusingKV) Push(context.Context, models.Task) error {
	return &queue.UnavailableError{Backend: "kv", Err: errors.New("connection refused")}
}

func TestDegradedTaskVisibleThroughOpsRoutes(t *testing.T) {
	cfg := config.Default()
	cfg.Queue.StaleAfter = 0
	primary, err := queue.NewFileQueue(t.TempDir())
	require.NoError(t, err)
	fallback, err := queue.NewFileQueue(t.TempDir())
	require.NoError(t, err)

	reg := worker.NewRegistry()
	reg.Register("wxpay", worker.Provider{Executor: ok})
	proc := worker.NewProcessor(cfg, refusingKV{primary}, fallback, reg, zerolog.Nop())
	srv := httptest.NewServer(New(cfg, proc, nil, zerolog.Nop()).Router())
	t.Cleanup(srv.Close)

	resp, err := http.PostForm(srv.URL+"/notify/wxpay", url.Values{"out_trade_no": {"DG-9"}})
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	id := resp.Header.Get("X-Task-ID")

	resp, err = http.Get(srv.URL + "/tasks/" + id)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var task models.Task
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&task))
	resp.Body.Close()
	assert.Equal(t, "DG-9", task.Payload.OrderRef)

	resp, err = http.Get(srv.URL + "/queues/wxpay/status")
	require.NoError(t, err)
	var status struct {
		Pending int64 `json:"pending"`
		Backlog int64 `json:"backlog"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	resp.Body.Close()
	assert.Equal(t, int64(1), status.Pending)
	assert.Equal(t, int64(1), status.Backlog)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/queues/wxpay", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/tasks/" + id)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
