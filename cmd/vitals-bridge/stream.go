package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/dj-oyu/vitals-bridge/internal/logger"
	"github.com/dj-oyu/vitals-bridge/internal/streamer"
)

var streamOpts struct {
	addr     string
	input    string
	fps      float64
	loop     bool
	quality  int
	reencode bool
}

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Send image files to a bridge's ingest port as a video stream",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if streamOpts.fps <= 0 {
			return fmt.Errorf("--fps must be positive")
		}
		addr := streamOpts.addr
		if addr == "" {
			addr = net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.Ingest.Port))
		}
		return runStream(cmd.Context(), addr)
	},
}

func init() {
	f := streamCmd.Flags()
	f.StringVar(&streamOpts.addr, "addr", "", "Ingest address (default 127.0.0.1 and the configured ingest port)")
	f.StringVarP(&streamOpts.input, "input", "i", "", "Image file or directory of images")
	f.Float64Var(&streamOpts.fps, "fps", 10, "Frames per second")
	f.BoolVar(&streamOpts.loop, "loop", false, "Repeat the input until interrupted")
	f.IntVar(&streamOpts.quality, "quality", streamer.DefaultQuality, "JPEG quality when re-encoding")
	f.BoolVar(&streamOpts.reencode, "reencode", false, "Decode each file and send it as JPEG instead of its original bytes")
	streamCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(streamCmd)
}

func runStream(ctx context.Context, addr string) error {
	log := logger.For("Main")

	paths, err := streamer.ListFrames(streamOpts.input)
	if err != nil {
		return err
	}

	client, err := streamer.Dial(ctx, addr, streamer.Options{
		Quality:     streamOpts.quality,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return err
	}
	defer client.Close()
	// Closing the socket unblocks a write stuck on a stalled server.
	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	total := int64(len(paths))
	if streamOpts.loop {
		total = -1
	}
	bar := progressbar.NewOptions64(total,
		progressbar.OptionSetDescription("Streaming"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("frames"),
	)
	defer bar.Finish()

	ticker := time.NewTicker(time.Duration(float64(time.Second) / streamOpts.fps))
	defer ticker.Stop()

	for {
		for _, path := range paths {
			select {
			case <-ctx.Done():
				return reportStream(client, nil)
			case <-ticker.C:
			}

			if err := sendFile(client, path); err != nil {
				if ctx.Err() != nil {
					return reportStream(client, nil)
				}
				return reportStream(client, err)
			}
			_ = bar.Add(1)
		}
		if !streamOpts.loop {
			log.Info("All %d frames sent", len(paths))
			return reportStream(client, nil)
		}
	}
}

func sendFile(client *streamer.Client, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if !streamOpts.reencode {
		return client.SendEncoded(data)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return client.SendImage(img)
}

func reportStream(client *streamer.Client, err error) error {
	frames, sent := client.Stats()
	fmt.Fprintln(os.Stderr)
	logger.For("Main").Info("Sent %d frames (%d bytes)", frames, sent)
	if errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("ingest connection closed: %w", err)
	}
	return err
}
