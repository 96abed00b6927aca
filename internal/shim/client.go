package shim

import (
	"fmt"
	"net"

	"github.com/stemjail/stemjail/internal/jailerr"
	"github.com/stemjail/stemjail/internal/policy"
	"github.com/stemjail/stemjail/internal/wire"
)

// Client is the in-jail shim's connection to the monitor socket.
type Client struct {
	conn  net.Conn
	cache *AccessCache
}

func Dial(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, jailerr.IOf("dial monitor socket", err)
	}
	return &Client{conn: conn, cache: NewAccessCache()}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

// RequestAccess implements the client side of the AccessRequest FSM
// (Init -> send -> RecvAcl -> terminal), consulting the cache first:
// a cached grant short-circuits, a cached denial short-circuits,
// otherwise the request is sent and the cache is updated from the
// response.
func (c *Client) RequestAccess(path string, write bool) ([]policy.FileAccess, error) {
	want := policy.FileAccess{Path: path, Write: write}
	if c.cache.Allowed(want) {
		return nil, nil
	}
	if c.cache.Denied(want) {
		return nil, nil
	}

	call := wire.MonitorCall{Access: &wire.AccessRequest{Path: path, Write: write}}
	payload, err := call.Encode()
	if err != nil {
		return nil, err
	}
	if err := wire.WriteFrame(c.conn, payload); err != nil {
		return nil, err
	}
	resp, err := wire.ReadFrame(c.conn)
	if err != nil {
		return nil, err
	}
	access, err := wire.DecodeAccessResponse(resp)
	if err != nil {
		return nil, err
	}

	if len(access.Granted) == 0 {
		c.cache.RecordDenied(want)
		return nil, nil
	}
	c.cache.RecordGranted(access.Granted)
	return access.Granted, nil
}

// List implements the ListRequest FSM for a cooperating program that
// wants to enumerate a parent-side directory.
func (c *Client) List(path string) ([]string, error) {
	call := wire.MonitorCall{List: &wire.ListRequest{Path: path}}
	payload, err := call.Encode()
	if err != nil {
		return nil, err
	}
	if err := wire.WriteFrame(c.conn, payload); err != nil {
		return nil, err
	}
	resp, err := wire.ReadFrame(c.conn)
	if err != nil {
		return nil, err
	}
	lr, err := wire.DecodeListResponse(resp)
	if err != nil {
		return nil, err
	}
	if lr.Error != "" {
		return nil, jailerr.Permissionf("list", fmt.Errorf("%s", lr.Error))
	}
	return lr.Entries, nil
}
