package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yukia3e/userop-relayer/internal/domain/model"
	"github.com/yukia3e/userop-relayer/internal/infrastructure/metrics"
	"github.com/yukia3e/userop-relayer/internal/usecase/relay"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeRelayer answers with the request id and a fixed hash.
type fakeRelayer struct {
	requests []*model.RelayRequest
}

func (f *fakeRelayer) Handle(_ context.Context, req *model.RelayRequest) (int, *model.RelayResponse) {
	f.requests = append(f.requests, req)
	return http.StatusOK, model.NewResultResponse(req.ID, "0x1111111111111111111111111111111111111111111111111111111111111111")
}

func serve(t *testing.T, h http.Handler, method, body string) (int, string) {
	t.Helper()

	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	res, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return rec.Code, string(res)
}

func TestServer_Health(t *testing.T) {
	s := NewServer(":0", &fakeRelayer{}, Options{})

	status, body := serve(t, s.Handler(), http.MethodGet, "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Foresight Relayer is running!", body)
}

func TestServer_Relay(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "numeric id",
			body:       `{"id":1,"userOp":{},"entryPointAddress":"0x0000000071727De22E5E9d8BAf0edAc6f37da032"}`,
			wantStatus: http.StatusOK,
			wantBody:   `{"jsonrpc":"2.0","id":1,"result":"0x1111111111111111111111111111111111111111111111111111111111111111"}`,
		},
		{
			name:       "string id",
			body:       `{"id":"req-7","userOp":{}}`,
			wantStatus: http.StatusOK,
			wantBody:   `{"jsonrpc":"2.0","id":"req-7","result":"0x1111111111111111111111111111111111111111111111111111111111111111"}`,
		},
		{
			name:       "null id",
			body:       `{"id":null}`,
			wantStatus: http.StatusOK,
			wantBody:   `{"jsonrpc":"2.0","id":null,"result":"0x1111111111111111111111111111111111111111111111111111111111111111"}`,
		},
		{
			name:       "no id",
			body:       `{}`,
			wantStatus: http.StatusOK,
			wantBody:   `{"jsonrpc":"2.0","result":"0x1111111111111111111111111111111111111111111111111111111111111111"}`,
		},
		{
			name:       "invalid json",
			body:       `{"userOp":`,
			wantStatus: http.StatusBadRequest,
			wantBody:   `{"jsonrpc":"2.0","error":{"code":-32700,"message":"Parse error"}}`,
		},
		{
			name:       "not an object",
			body:       `[1,2]`,
			wantStatus: http.StatusBadRequest,
			wantBody:   `{"jsonrpc":"2.0","error":{"code":-32600,"message":"Invalid request","data":"request must be a JSON object"}}`,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := NewServer(":0", &fakeRelayer{}, Options{})
			status, body := serve(t, s.Handler(), http.MethodPost, tt.body)
			assert.Equal(t, tt.wantStatus, status)
			assert.JSONEq(t, tt.wantBody, body)
		})
	}
}

func TestServer_MissingParams(t *testing.T) {
	handler := relay.New(nil, nil, nil, relay.Options{})
	s := NewServer(":0", handler, Options{})
	want := `{"jsonrpc":"2.0","error":{"code":-32602,"message":"Invalid params: userOp and entryPointAddress are required."}}`

	for _, body := range []string{`{}`, ``, `{"userOp":null,"entryPointAddress":""}`} {
		status, got := serve(t, s.Handler(), http.MethodPost, body)
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, want, got)
	}
}

func TestServer_PassesDecodedRequest(t *testing.T) {
	relayer := &fakeRelayer{}
	s := NewServer(":0", relayer, Options{})

	serve(t, s.Handler(), http.MethodPost, `{"id":3,"userOp":{"sender":"0x01"},"entryPointAddress":"0xabc"}`)

	require.Len(t, relayer.requests, 1)
	want := &model.RelayRequest{
		ID:                json.RawMessage(`3`),
		UserOp:            json.RawMessage(`{"sender":"0x01"}`),
		EntryPointAddress: json.RawMessage(`"0xabc"`),
	}
	if diff := cmp.Diff(want, relayer.requests[0]); diff != "" {
		t.Errorf("Handle() request mismatch (-want +got):\n%s", diff)
	}
}

func TestServer_BodyLimit(t *testing.T) {
	relayer := &fakeRelayer{}
	s := NewServer(":0", relayer, Options{MaxBodyBytes: 64})

	body := `{"userOp":{"callData":"0x` + strings.Repeat("00", 64) + `"}}`
	status, got := serve(t, s.Handler(), http.MethodPost, body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, status)
	assert.JSONEq(t, `{"jsonrpc":"2.0","error":{"code":-32600,"message":"Invalid request","data":"request body too large"}}`, got)
	assert.Empty(t, relayer.requests)
}

func TestServer_RateLimit(t *testing.T) {
	recorder := metrics.New()
	s := NewServer(":0", &fakeRelayer{}, Options{RateLimitRPS: 0.001, RateLimitBurst: 1, Metrics: recorder})

	status, _ := serve(t, s.Handler(), http.MethodPost, `{}`)
	assert.Equal(t, http.StatusOK, status)

	status, body := serve(t, s.Handler(), http.MethodPost, `{}`)
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.JSONEq(t, `{"jsonrpc":"2.0","error":{"code":-32005,"message":"Limit exceeded"}}`, body)

	status, _ = serve(t, s.Handler(), http.MethodGet, "")
	assert.Equal(t, http.StatusOK, status, "health checks are not limited")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "relayer_rate_limited_total 1")
}
