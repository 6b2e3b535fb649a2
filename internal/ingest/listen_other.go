//go:build !unix

package ingest

import (
	"context"
	"net"
	"strconv"
)

// listenTCP falls back to the portable listener. The backlog cannot be
// pinned here; Accept still hands out a single producer connection.
func listenTCP(host string, port, _ int) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(context.Background(), "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
}
