package remote

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/qrclock/attendcore/pkg/errclass"
	"github.com/qrclock/attendcore/pkg/model"
)

// SubjectPrefix is followed by the data type.
const SubjectPrefix = "attendance.sync."

// NATSClient sends batches as requests and waits for a Reply.
type NATSClient struct {
	nc   *nats.Conn
	opts Options

	mu     sync.Mutex
	closed bool
}

// NewNATS connects to the broker at url.
func NewNATS(url string, opts Options) (*NATSClient, error) {
	name := opts.Name
	if name == "" {
		name = "attendcore"
	}
	natsOpts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
		nats.Timeout(opts.timeout()),
	}
	if opts.Token != "" {
		natsOpts = append(natsOpts, nats.Token(opts.Token))
	}
	nc, err := nats.Connect(url, natsOpts...)
	if err != nil {
		return nil, errclass.ErrSyncFailure.Wrap(err, "connect to NATS")
	}
	return &NATSClient{nc: nc, opts: opts}, nil
}

// Subject returns the request subject of dataType.
func Subject(dataType string) string {
	return SubjectPrefix + dataType
}

// Send implements Client.
func (c *NATSClient) Send(ctx context.Context, dataType string, ops []model.SyncOperation) error {
	data, err := json.Marshal(Batch{DataType: dataType, SentAt: time.Now().UTC(), Operations: ops})
	if err != nil {
		return errclass.ErrSyncRejected.Wrap(err, "marshal batch")
	}
	msg := nats.NewMsg(Subject(dataType))
	msg.Data = data
	if c.opts.Secret != "" {
		msg.Header.Set(SignatureHeader, Sign(c.opts.Secret, data))
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.opts.timeout())
	defer cancel()
	resp, err := c.nc.RequestMsgWithContext(reqCtx, msg)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return errclass.ErrSyncFailure.Wrap(err, "no responder for "+msg.Subject)
		}
		return errclass.ErrSyncFailure.Wrap(err, "NATS request")
	}
	var reply Reply
	if err := json.Unmarshal(resp.Data, &reply); err != nil {
		return errclass.ErrSyncFailure.Wrap(err, "decode reply")
	}
	if reply.Error == "" {
		return nil
	}
	if reply.Retryable {
		return errclass.ErrSyncFailure.WithMessage(reply.Error)
	}
	return errclass.ErrSyncRejected.WithMessage(reply.Error)
}

// Close drains and closes the connection.
func (c *NATSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.nc.Drain()
}
