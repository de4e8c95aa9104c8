// Package remote sends sync batches to the attendance backend over HTTP or
// NATS request/reply.
package remote

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
	"time"

	"github.com/qrclock/attendcore/pkg/errclass"
	"github.com/qrclock/attendcore/pkg/model"
)

// SignatureHeader carries the HMAC of the request body.
const SignatureHeader = "X-Attend-Signature"

// Client sends batches of one data type.
type Client interface {
	Send(ctx context.Context, dataType string, ops []model.SyncOperation) error
	Close() error
}

// Batch is the wire body of one send.
type Batch struct {
	DataType   string                `json:"dataType"`
	SentAt     time.Time             `json:"sentAt"`
	Operations []model.SyncOperation `json:"operations"`
}

// Reply is the NATS responder's answer. An empty Error means accepted.
type Reply struct {
	Accepted  int    `json:"accepted"`
	Error     string `json:"error,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// Options configures either transport.
type Options struct {
	// Secret signs request bodies when set.
	Secret  string
	Token   string
	Timeout time.Duration
	// Name identifies this client to the broker.
	Name string
}

func (o *Options) timeout() time.Duration {
	if o.Timeout <= 0 {
		return 15 * time.Second
	}
	return o.Timeout
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature header value against body.
func VerifySignature(secret string, body []byte, header string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(header))
}

// Open returns the client for rawURL by scheme: http and https use the
// HTTP transport, nats and tls the NATS transport. An empty URL returns
// a nil client.
func Open(rawURL string, opts Options) (Client, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errclass.ErrConfigInvalid.WithMessagef("parse remote url: %v", err)
	}
	switch u.Scheme {
	case "http", "https":
		return NewHTTP(rawURL, opts), nil
	case "nats", "tls":
		return NewNATS(rawURL, opts)
	default:
		return nil, errclass.ErrBackendUnsupported.WithMessagef("remote scheme %q", u.Scheme)
	}
}
