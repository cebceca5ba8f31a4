package ipc

import (
	"fmt"
	"net"
	"time"
)

// Client dials a Server and performs single-request/single-response
// round trips, mirroring the teacher's control.Client.
type Client struct {
	socketPath string
}

func NewClient(socketPath string) *Client {
	if socketPath == "" {
		socketPath = DefaultSocketPath()
	}
	return &Client{socketPath: socketPath}
}

// RoundTrip sends req and returns the worker's (or coordinator's) reply.
func (c *Client) RoundTrip(req Message) (Message, error) {
	conn, err := net.Dial("unix", c.socketPath)
	if err != nil {
		return Message{}, fmt.Errorf("ipc: connecting to %q: %w (is the daemon running?)", c.socketPath, err)
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(30 * time.Second))

	req.Version = ProtocolVersion
	if err := writeFrame(conn, req); err != nil {
		return Message{}, err
	}

	var resp Message
	if err := readFrame(conn, &resp); err != nil {
		return Message{}, err
	}
	if resp.Version != ProtocolVersion {
		return Message{}, fmt.Errorf("ipc: server replied with protocol version %d, want %d", resp.Version, ProtocolVersion)
	}
	return resp, nil
}
