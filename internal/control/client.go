// Package control implements the client side of the sync client's local
// materialization protocol: a single command line over a UNIX stream
// socket, with a short bounded read to drain the advisory reply.
package control

import (
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"time"
)

// Client talks to the sync client's control socket.
type Client struct {
	SocketPath string
	Timeout    time.Duration
}

// New creates a Client for the given socket path and read/connect timeout.
func New(socketPath string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 200 * time.Millisecond
	}
	return &Client{SocketPath: socketPath, Timeout: timeout}
}

// RequestMaterialize asks the sync client to download the file currently
// at absPath (the placeholder's own on-disk, suffixed name). A connect or
// write failure is returned so the caller can record a metric; a timeout
// draining the reply is logged but not returned as an error, since the
// client is not required to answer promptly and the caller's xattr write
// must still report success to the kernel.
func (c *Client) RequestMaterialize(ctx context.Context, absPath string) error {
	var dialer net.Dialer
	dialCtx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	conn, err := dialer.DialContext(dialCtx, "unix", c.SocketPath)
	if err != nil {
		return fmt.Errorf("control: connect %s: %w", c.SocketPath, err)
	}
	defer conn.Close()

	cmd := fmt.Sprintf("DOWNLOAD_VIRTUAL_FILE:%s\n", absPath)
	if _, err := conn.Write([]byte(cmd)); err != nil {
		return fmt.Errorf("control: send to %s: %w", c.SocketPath, err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(c.Timeout)); err != nil {
		return fmt.Errorf("control: set read deadline: %w", err)
	}
	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil {
		log.Printf("control: no reply from %s within %v: %v", c.SocketPath, c.Timeout, err)
		return nil
	}
	reply := strings.TrimRight(string(buf[:n]), "\n")
	log.Printf("control: materialize reply for %s: %q", absPath, reply)
	return nil
}
