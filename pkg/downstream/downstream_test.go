package downstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boa-dtp/transformat/pkg/config"
	"github.com/boa-dtp/transformat/pkg/errcode"
)

func newTestClient(baseURL string) *Client {
	return New(
		config.DownstreamConfig{BaseURL: baseURL, TimeoutSeconds: 5},
		WithBackOffFactory(func() backoff.BackOff {
			return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)
		}),
	)
}

func validRequest() MaskRequest {
	return MaskRequest{
		TaskID:         "transformat_202512060001",
		InputFilePath:  "/upload/output/customers.parquet",
		OutputFilePath: "/data/masked/customers_masked.parquet",
		FieldConfigs: []FieldConfig{
			{FieldName: "customer", TransformType: "hash"},
			{FieldName: "amount", TransformType: "plain"},
		},
	}
}

func TestSubmitMaskingSuccess(t *testing.T) {
	var got MaskRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/mask/process", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, jsonDecode(r, &got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"task_id":"transformat_202512060001","status":"accepted"}`))
	}))
	defer srv.Close()

	resp, err := newTestClient(srv.URL).SubmitMasking(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, "accepted", resp.Status)
	assert.Equal(t, "customer", got.FieldConfigs[0].FieldName)
	assert.Equal(t, "hash", got.FieldConfigs[0].TransformType)
}

func TestSubmitMaskingValidation(t *testing.T) {
	c := newTestClient("http://unused.invalid")

	req := validRequest()
	req.OutputFilePath = ""
	_, err := c.SubmitMasking(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errcode.IsProcessing(err))

	req = validRequest()
	req.FieldConfigs = nil
	_, err = c.SubmitMasking(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errcode.IsProcessing(err))
}

func TestServerErrorRetriedThenSurfaced(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "masking backend unavailable", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).SubmitMasking(context.Background(), validRequest())
	require.Error(t, err)
	assert.Equal(t, int32(3), attempts.Load(), "three attempts total")

	var e *errcode.Error
	require.True(t, errcode.AsError(err, &e))
	assert.Equal(t, errcode.DownstreamAPIError, e.Code)
	assert.Equal(t, http.StatusInternalServerError, e.Fields["status_code"])
	assert.Contains(t, e.Fields["message"], "masking backend unavailable")
}

func TestTransientErrorRecovers(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"status":"accepted"}`))
	}))
	defer srv.Close()

	resp, err := newTestClient(srv.URL).SubmitMasking(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, "accepted", resp.Status)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestConnectionFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse every connection

	_, err := newTestClient(srv.URL).SubmitMasking(context.Background(), validRequest())
	require.Error(t, err)
	code, ok := errcode.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, errcode.DownstreamConnectionFailed, code)
	assert.True(t, errcode.IsSystem(err))
}

func TestQueryStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/mask/status/transformat_202512060001", r.URL.Path)
		_, _ = w.Write([]byte(`{"task_id":"transformat_202512060001","status":"done","progress":100}`))
	}))
	defer srv.Close()

	st, err := newTestClient(srv.URL).QueryStatus(context.Background(), "transformat_202512060001")
	require.NoError(t, err)
	assert.Equal(t, "done", st.Status)
	assert.Equal(t, float64(100), st.Progress)
}

func TestQueryStatusNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).QueryStatus(context.Background(), "transformat_999")
	require.Error(t, err)
	code, ok := errcode.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, errcode.FileNotFound, code)
}

func jsonDecode(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
