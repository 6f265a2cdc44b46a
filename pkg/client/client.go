// Package client wraps the daemon's Dispatch/Subscribe gRPC surface
// in typed Go calls for CLI and test usage. It speaks the same JSON
// codec the server registers, so no generated protobuf package is
// needed.
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/chefpack/chefd/pkg/rpcsurface"
	"github.com/chefpack/chefd/pkg/security"
)

const (
	dispatchMethod  = "/chefd.v1.Transactions/Dispatch"
	subscribeMethod = "/chefd.v1.Transactions/Subscribe"

	defaultTimeout = 10 * time.Second
)

var subscribeDesc = &grpc.StreamDesc{
	StreamName:    "Subscribe",
	ServerStreams: true,
}

// Client is a thin wrapper over one connection to the daemon.
type Client struct {
	conn *grpc.ClientConn
}

// New connects to the daemon's Unix socket.
func New(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient("unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype("json")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", socketPath, err)
	}
	return &Client{conn: conn}, nil
}

// NewRemote connects to the daemon's read-only TLS listener using the
// certificate pair saved under certDir.
func NewRemote(addr, certDir string) (*Client, error) {
	if !security.CertExists(certDir) {
		return nil, fmt.Errorf("client certificate not found at %s", certDir)
	}
	cert, err := security.LoadCertFromFile(certDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load client certificate: %w", err)
	}
	caCert, err := security.LoadCACertFromFile(certDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load CA certificate: %w", err)
	}

	certPool := x509.NewCertPool()
	certPool.AddCert(caCert)

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{*cert},
		RootCAs:      certPool,
		ServerName:   host,
		MinVersion:   tls.VersionTLS13,
	}

	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype("json")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the client connection.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Client) dispatch(op string, payload, out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	req := &rpcsurface.DispatchRequest{Op: op}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encoding payload: %w", err)
		}
		req.Payload = data
	}

	resp := &rpcsurface.DispatchResponse{}
	if err := c.conn.Invoke(ctx, dispatchMethod, req, resp); err != nil {
		return err
	}
	if out != nil {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("decoding result: %w", err)
		}
	}
	return nil
}

// Install submits an install transaction and returns its id.
func (c *Client) Install(publisher, pkg, revision string) (uint64, error) {
	var res rpcsurface.SubmitResult
	err := c.dispatch(rpcsurface.OpInstall, rpcsurface.SubmitPayload{
		Publisher: publisher, Package: pkg, Revision: revision,
	}, &res)
	return res.TransactionID, err
}

// Uninstall submits an uninstall transaction and returns its id.
func (c *Client) Uninstall(publisher, pkg, revision string) (uint64, error) {
	var res rpcsurface.SubmitResult
	err := c.dispatch(rpcsurface.OpUninstall, rpcsurface.SubmitPayload{
		Publisher: publisher, Package: pkg, Revision: revision,
	}, &res)
	return res.TransactionID, err
}

// Update submits an update transaction and returns its id.
func (c *Client) Update(publisher, pkg, revision string) (uint64, error) {
	var res rpcsurface.SubmitResult
	err := c.dispatch(rpcsurface.OpUpdate, rpcsurface.SubmitPayload{
		Publisher: publisher, Package: pkg, Revision: revision,
	}, &res)
	return res.TransactionID, err
}

// Cancel requests cancellation of a transaction. The returned outcome
// is "ok", "not-found" or "already-terminal".
func (c *Client) Cancel(id uint64) (string, error) {
	var res rpcsurface.CancelResult
	err := c.dispatch(rpcsurface.OpCancel, rpcsurface.CancelPayload{TransactionID: id}, &res)
	return res.Outcome, err
}

// Status returns one transaction's summary.
func (c *Client) Status(id uint64) (*rpcsurface.TransactionSummary, error) {
	var res rpcsurface.StatusResult
	if err := c.dispatch(rpcsurface.OpStatus, rpcsurface.StatusPayload{TransactionID: id}, &res); err != nil {
		return nil, err
	}
	return &res.Transaction, nil
}

// List returns every retained transaction summary.
func (c *Client) List() ([]rpcsurface.TransactionSummary, error) {
	var res rpcsurface.ListResult
	if err := c.dispatch(rpcsurface.OpList, nil, &res); err != nil {
		return nil, err
	}
	return res.Transactions, nil
}

// Logs returns a transaction's retained log entries.
func (c *Client) Logs(id uint64) ([]rpcsurface.LogEntry, error) {
	var res rpcsurface.LogsResult
	if err := c.dispatch(rpcsurface.OpLogs, rpcsurface.LogsPayload{TransactionID: id}, &res); err != nil {
		return nil, err
	}
	return res.Entries, nil
}

// Subscribe opens the event stream. A zero transactionID subscribes
// to every transaction. The returned cancel function closes the
// stream; the channel closes when the stream ends.
func (c *Client) Subscribe(transactionID uint64) (<-chan *rpcsurface.StreamEvent, func(), error) {
	ctx, cancel := context.WithCancel(context.Background())

	stream, err := c.conn.NewStream(ctx, subscribeDesc, subscribeMethod)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("opening event stream: %w", err)
	}
	if err := stream.SendMsg(&rpcsurface.SubscribeRequest{TransactionID: transactionID}); err != nil {
		cancel()
		return nil, nil, fmt.Errorf("sending subscription: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return nil, nil, fmt.Errorf("closing send side: %w", err)
	}

	ch := make(chan *rpcsurface.StreamEvent, 50)
	go func() {
		defer close(ch)
		for {
			ev := &rpcsurface.StreamEvent{}
			if err := stream.RecvMsg(ev); err != nil {
				return
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, cancel, nil
}
