package remote_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qrclock/attendcore/internal/remote"
	"github.com/qrclock/attendcore/pkg/errclass"
	"github.com/qrclock/attendcore/pkg/model"
)

var ops = []model.SyncOperation{{ID: "op-1", DataType: "clock-records", Kind: model.OpAdd, Status: model.StatusProcessing}}

func TestHTTP_SendSignsAndAuthenticates(t *testing.T) {
	var (
		path, sig, auth string
		batch           remote.Batch
		body            []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		sig = r.Header.Get(remote.SignatureHeader)
		auth = r.Header.Get("Authorization")
		body, _ = io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &batch)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := remote.NewHTTP(srv.URL+"/", remote.Options{Secret: "s3cret", Token: "tok"})
	defer c.Close()
	require.NoError(t, c.Send(context.Background(), "clock-records", ops))

	assert.Equal(t, "/v1/sync/clock-records", path)
	assert.Equal(t, "Bearer tok", auth)
	assert.True(t, remote.VerifySignature("s3cret", body, sig))
	assert.False(t, remote.VerifySignature("other", body, sig))
	assert.Equal(t, "clock-records", batch.DataType)
	require.Len(t, batch.Operations, 1)
	assert.Equal(t, "op-1", batch.Operations[0].ID)
}

func TestHTTP_ErrorClasses(t *testing.T) {
	tests := []struct {
		status int
		code   string
	}{
		{http.StatusServiceUnavailable, "E_SYNC_FAILURE"},
		{http.StatusTooManyRequests, "E_SYNC_FAILURE"},
		{http.StatusBadRequest, "E_SYNC_REJECTED"},
		{http.StatusConflict, "E_SYNC_REJECTED"},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			err := remote.NewHTTP(srv.URL, remote.Options{}).Send(context.Background(), "workers", ops)
			require.Error(t, err)
			assert.Equal(t, tt.code, errclass.Code(err))
		})
	}
}

func TestHTTP_TimeoutIsRetryable(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	err := remote.NewHTTP(srv.URL, remote.Options{Timeout: 20 * time.Millisecond}).Send(context.Background(), "workers", ops)
	require.Error(t, err)
	assert.Equal(t, "E_SYNC_FAILURE", errclass.Code(err))
	assert.True(t, errclass.Retryable(err))
}

func TestOpen(t *testing.T) {
	c, err := remote.Open("", remote.Options{})
	require.NoError(t, err)
	assert.Nil(t, c)

	c, err = remote.Open("https://sync.example.com", remote.Options{})
	require.NoError(t, err)
	assert.IsType(t, &remote.HTTPClient{}, c)

	_, err = remote.Open("ftp://example.com", remote.Options{})
	assert.Equal(t, "E_BACKEND_UNSUPPORTED", errclass.Code(err))
}

func TestNATS_RequestReply(t *testing.T) {
	url := os.Getenv("ATTENDCORE_TEST_NATS_URL")
	if url == "" {
		t.Skip("ATTENDCORE_TEST_NATS_URL not set")
	}
	nc, err := nats.Connect(url)
	require.NoError(t, err)
	defer nc.Close()

	sub, err := nc.Subscribe(remote.Subject("workers"), func(m *nats.Msg) {
		var b remote.Batch
		reply := remote.Reply{Accepted: 0}
		if err := json.Unmarshal(m.Data, &b); err != nil || !remote.VerifySignature("k", m.Data, m.Header.Get(remote.SignatureHeader)) {
			reply.Error = "bad batch"
		} else {
			reply.Accepted = len(b.Operations)
		}
		data, _ := json.Marshal(reply)
		_ = m.Respond(data)
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	c, err := remote.Open(url, remote.Options{Secret: "k", Timeout: 2 * time.Second})
	require.NoError(t, err)
	defer c.Close()
	assert.NoError(t, c.Send(context.Background(), "workers", ops))

	err = c.Send(context.Background(), "nobody-listens", ops)
	assert.Equal(t, "E_SYNC_FAILURE", errclass.Code(err))
}
