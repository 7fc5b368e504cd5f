package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"routeready/internal/core"
	"routeready/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func anonymousIdentity(id string) types.Identity {
	return types.Identity{Kind: types.IdentityAnonymous, ID: id}
}

func accountIdentity(id, email string) types.Identity {
	return types.Identity{
		Kind:  types.IdentityAccount,
		ID:    id,
		Email: email,
		Role:  types.RoleMember,
	}
}

// contextWithIdentity builds a request context the way the identity
// middleware would have left it.
func contextWithIdentity(id types.Identity) context.Context {
	ctx := types.WithRequestID(context.Background(), "req_test_123")
	return types.WithIdentity(ctx, id)
}

// makeRequest creates an HTTP request with a JSON-encoded body and the given
// context.
func makeRequest(t *testing.T, method, path string, body interface{}, ctx context.Context) *http.Request {
	t.Helper()

	var reqBody *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewBuffer(data)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	if ctx != nil {
		req = req.WithContext(ctx)
	}
	return req
}

// decodeData unmarshals the Data field of a success envelope into target.
func decodeData(t *testing.T, rec *httptest.ResponseRecorder, target interface{}) *types.ResponseMeta {
	t.Helper()

	var envelope struct {
		Data json.RawMessage     `json:"data"`
		Meta *types.ResponseMeta `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, target))
	return envelope.Meta
}

// decodeErrorCode extracts the error code from an error envelope.
func decodeErrorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()

	var envelope core.APIErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return envelope.Error.Code
}
