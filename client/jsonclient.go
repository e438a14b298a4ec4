package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/hooksync/hooksync/cli"
)

// ControlError is a non-200 response of the daemon's control socket.
type ControlError struct {
	Endpoint string
	Code     int
	Msg      string
}

func (e *ControlError) Error() string {
	return fmt.Sprintf("%s: %s (%d)", e.Endpoint, e.Msg, e.Code)
}

func IsNotFound(err error) bool {
	var ce *ControlError
	return errors.As(err, &ce) && ce.Code == http.StatusNotFound
}

type controlClient struct {
	httpc http.Client
}

func newControlClient(sockpath string) *controlClient {
	return &controlClient{http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", sockpath)
			},
		},
	}}
}

func controlClientFor(subcommand *cli.Subcommand) (*controlClient, error) {
	sockpath, err := subcommand.ControlSockPath()
	if err != nil {
		return nil, err
	}
	return newControlClient(sockpath), nil
}

func (c *controlClient) jsonRequestResponse(ctx context.Context, endpoint string, req interface{}, res interface{}) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(req); err != nil {
		return err
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://unix"+endpoint, &buf)
	if err != nil {
		return err
	}
	hreq.Header.Set("Content-Type", "application/json")
	resp, err := c.httpc.Do(hreq)
	if err != nil {
		return errors.Wrap(err, "cannot reach daemon")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var msg bytes.Buffer
		io.CopyN(&msg, resp.Body, 4096)
		return &ControlError{Endpoint: endpoint, Code: resp.StatusCode, Msg: strings.TrimSpace(msg.String())}
	}

	if res == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(res); err != nil {
		return errors.Wrap(err, "cannot decode response")
	}
	return nil
}
