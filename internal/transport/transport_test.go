package transport_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matt-riley/flagz-go/internal/core"
	"github.com/matt-riley/flagz-go/internal/transport"
)

const evalBody = `{"success":true,"data":{"flags":[
	{"name":"checkout","enabled":true,"variant":{"name":"blue","enabled":true,"payload":"#00f"},"payloadKind":"string","version":3,"reason":"rollout","impressionFlag":true},
	{"name":"limit","enabled":false,"variant":{"name":"default","enabled":false,"payload":"42"},"payloadKind":"number","version":1,"reason":"disabled","impressionFlag":false}
]}}`

func newTestClient(t *testing.T, handler http.HandlerFunc) *transport.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return transport.New(transport.Config{
		BaseURL:      srv.URL + "/api/",
		APIToken:     "test-token",
		AppName:      "checkout-web",
		Environment:  "production",
		ConnectionID: "conn-1",
		Headers:      map[string]string{"X-Team": "payments", "Authorization": "ignored"},
	})
}

func TestFetchFlags(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/production/eval", r.URL.Path)
		assert.Equal(t, "u-1", r.URL.Query().Get("userId"))
		assert.Equal(t, "pro", r.URL.Query().Get("properties[plan]"))
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "checkout-web", r.Header.Get("X-Application-Name"))
		assert.Equal(t, "production", r.Header.Get("X-Environment"))
		assert.Equal(t, "conn-1", r.Header.Get("X-Connection-Id"))
		assert.Equal(t, transport.SDKName, r.Header.Get("X-SDK-Name"))
		assert.Equal(t, transport.SDKVersion, r.Header.Get("X-SDK-Version"))
		assert.Equal(t, "payments", r.Header.Get("X-Team"))
		assert.Empty(t, r.Header.Get("If-None-Match"))

		w.Header().Set("ETag", `"abc"`)
		fmt.Fprint(w, evalBody)
	})

	query := url.Values{"userId": {"u-1"}, "properties[plan]": {"pro"}}
	res, err := c.FetchFlags(context.Background(), query, "")
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, `"abc"`, res.ETag)
	assert.False(t, res.NotModified)
	require.Len(t, res.Flags, 2)

	assert.Equal(t, "checkout", res.Flags[0].Name)
	s, ok := res.Flags[0].Variant.Payload.AsString()
	assert.True(t, ok)
	assert.Equal(t, "#00f", s)

	n, ok := res.Flags[1].Variant.Payload.AsNumber()
	assert.True(t, ok)
	assert.Equal(t, 42.0, n)
	assert.Equal(t, core.PayloadNumber, res.Flags[1].PayloadKind)
}

func TestFetchFlagsNotModified(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, `"abc"`, r.Header.Get("If-None-Match"))
		w.WriteHeader(http.StatusNotModified)
	})

	res, err := c.FetchFlags(context.Background(), nil, `"abc"`)
	require.NoError(t, err)
	assert.True(t, res.NotModified)
	assert.Equal(t, `"abc"`, res.ETag)
	assert.Nil(t, res.Flags)
}

func TestFetchFlagsAPIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid token", http.StatusUnauthorized)
	})

	_, err := c.FetchFlags(context.Background(), nil, "")
	var apiErr *transport.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "invalid token", apiErr.Message)
	assert.Equal(t, http.StatusUnauthorized, transport.StatusCode(err))
	assert.Contains(t, transport.Describe(err), "unauthorized")
}

func TestFetchFlagsUnsuccessful(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success":false,"data":{"flags":[]}}`)
	})

	_, err := c.FetchFlags(context.Background(), nil, "")
	require.ErrorIs(t, err, transport.ErrUnsuccessful)
	assert.Equal(t, 0, transport.StatusCode(err))
}

func TestFetchFlagsMalformedBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success":true,"data":{"flags":[{"enabled":true}]}}`)
	})

	_, err := c.FetchFlags(context.Background(), nil, "")
	require.ErrorIs(t, err, core.ErrMissingFlagName)
}

func TestFetchFlagsCanceled(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := c.FetchFlags(ctx, nil, "")
	var te *transport.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, transport.KindCanceled, te.Kind)
	assert.True(t, transport.IsCanceled(err))
}

func TestFetchFlagsConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	c := transport.New(transport.Config{BaseURL: "http://" + addr, Environment: "dev"})
	_, err = c.FetchFlags(context.Background(), nil, "")

	var te *transport.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, transport.KindConnectionRefused, te.Kind)
	assert.Equal(t, "connection refused by the service", transport.Describe(err))
}

func TestSendMetrics(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/production/metrics", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusAccepted)
	})

	err := c.SendMetrics(context.Background(), map[string]any{"appName": "checkout-web", "instanceId": "i-1"})
	require.NoError(t, err)
	assert.Equal(t, "i-1", got["instanceId"])
}

func TestSendMetricsError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	err := c.SendMetrics(context.Background(), map[string]any{})
	assert.Equal(t, http.StatusServiceUnavailable, transport.StatusCode(err))
	assert.Equal(t, "service unavailable", transport.Describe(err))
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "", transport.Describe(nil))
	assert.Equal(t, "request timed out", transport.Describe(&transport.TransportError{Kind: transport.KindTimeout, Err: context.DeadlineExceeded}))
	assert.Equal(t, "could not resolve the service host", transport.Describe(&transport.TransportError{Kind: transport.KindDNS, Err: errors.New("no such host")}))
	assert.Equal(t, "rate limited by the service", transport.Describe(&transport.APIError{StatusCode: 429}))
	assert.Equal(t, "unexpected response", transport.Describe(errors.New("boom")))
}
