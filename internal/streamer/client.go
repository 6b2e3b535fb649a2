// Package streamer is the producer side of the ingest protocol. It sends
// encoded still images, each behind a 4-byte big-endian length.
package streamer

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"net"
	"sync"
	"time"

	"github.com/dj-oyu/vitals-bridge/internal/framing"
	"github.com/dj-oyu/vitals-bridge/internal/logger"
)

// DefaultQuality is the JPEG quality used by SendImage.
const DefaultQuality = 80

// Options tune the client.
type Options struct {
	Quality     int           // JPEG quality for SendImage, 1..100
	DialTimeout time.Duration // Zero means only the context bounds Dial
}

// Client holds one producer connection.
type Client struct {
	opts Options
	log  *logger.Scope

	mu     sync.Mutex
	conn   net.Conn
	writer *framing.Writer
	buf    bytes.Buffer
	frames uint64
	sent   uint64
}

// Dial connects to the ingest server at addr.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = DefaultQuality
	}
	d := net.Dialer{Timeout: opts.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ingest server %s: %w", addr, err)
	}
	c := &Client{
		opts:   opts,
		log:    logger.For("Streamer"),
		conn:   conn,
		writer: framing.NewWriter(conn, framing.MaxFrameSize),
	}
	c.log.Info("Connected to ingest server %s", addr)
	return c, nil
}

// SendEncoded sends an already encoded image.
func (c *Client) SendEncoded(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendLocked(data)
}

func (c *Client) sendLocked(data []byte) error {
	if c.conn == nil {
		return net.ErrClosed
	}
	if err := c.writer.WriteFrame(data); err != nil {
		return fmt.Errorf("failed to send frame: %w", err)
	}
	c.frames++
	c.sent += uint64(len(data))
	return nil
}

// SendImage JPEG-encodes img and sends it.
func (c *Client) SendImage(img image.Image) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.buf.Reset()
	if err := jpeg.Encode(&c.buf, img, &jpeg.Options{Quality: c.opts.Quality}); err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	return c.sendLocked(c.buf.Bytes())
}

// Stats returns the number of frames and payload bytes sent.
func (c *Client) Stats() (frames, sent uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames, c.sent
}

// Close closes the connection. It is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.log.Info("Sent %d frames (%d bytes)", c.frames, c.sent)
	return err
}
