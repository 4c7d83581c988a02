// placectl is a terminal canvas client: paint a pixel, or watch a viewport's
// tiles update live.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"

	"github.com/opencanvas/placed/internal/client"
	"github.com/opencanvas/placed/internal/delta"
	"github.com/opencanvas/placed/internal/grid"
	"github.com/opencanvas/placed/internal/logging"
	"github.com/opencanvas/placed/internal/observability"
	"github.com/opencanvas/placed/internal/protocol"
)

var (
	okColor   = color.New(color.FgGreen)
	warnColor = color.New(color.FgYellow)
	errColor  = color.New(color.FgRed)
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "placectl: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", "http://localhost:9300", "placed node base URL")
	user := flag.String("user", "", "user id (random when empty)")
	paint := flag.String("paint", "", "paint one pixel: x,y,colorIndex")
	paletteID := flag.String("palette", "", "palette id for -paint (default palette when empty)")
	view := flag.String("view", "", "watch a viewport: x0,y0,x1,y1")
	flag.Parse()

	logging.ConfigureRuntime()
	logger := observability.InitLogger("placectl")

	handlers := client.Handlers{
		OnTile: func(t grid.Tile, state *delta.TileState) {
			okColor.Printf("tile %s seq=%d\n", t.Key(), state.LastSeq())
		},
		OnPop: func(p protocol.PopPayload) {
			fmt.Printf("tile %d:%d watchers=%d\n", p.TX, p.TY, p.Count)
		},
		OnUserCount: func(p protocol.UserCountPayload) {
			fmt.Printf("online=%d\n", p.Count)
		},
		OnError: func(f protocol.ErrorFrame) {
			errColor.Printf("error %s: %s\n", f.Code, f.Message)
		},
		OnRateLimit: func(h protocol.RateLimitHint) {
			warnColor.Printf("rate limited, retry in %dms\n", h.RetryAfterMs)
		},
		OnPong: func(p protocol.PongPayload) {
			fmt.Printf("pong server_ts=%d\n", p.ServerTS)
		},
	}

	c, err := client.Dial(*addr, *user, handlers, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	if *paint != "" {
		p, colorIdx, err := parsePaint(*paint)
		if err != nil {
			return err
		}
		// Subscribe first so the accepted paint comes back as a delta.
		if err := c.Subscribe([]grid.Tile{grid.TileOf(p)}); err != nil {
			return err
		}
		if err := c.Paint(p, colorIdx, *paletteID); err != nil {
			return err
		}
		return c.Run()
	}

	if *view != "" {
		min, max, err := parseView(*view)
		if err != nil {
			return err
		}
		tiles, err := c.SubscribeView(min, max)
		if err != nil {
			return err
		}
		fmt.Printf("watching %d tiles\n", len(tiles))
		return c.Run()
	}

	flag.Usage()
	return fmt.Errorf("one of -paint or -view is required")
}

func parsePaint(raw string) (grid.Pixel, int, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 3 {
		return grid.Pixel{}, 0, fmt.Errorf("malformed -paint %q, want x,y,colorIndex", raw)
	}
	nums, err := atoiAll(parts)
	if err != nil {
		return grid.Pixel{}, 0, fmt.Errorf("malformed -paint %q: %w", raw, err)
	}
	return grid.Pixel{X: nums[0], Y: nums[1]}, nums[2], nil
}

func parseView(raw string) (grid.Pixel, grid.Pixel, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return grid.Pixel{}, grid.Pixel{}, fmt.Errorf("malformed -view %q, want x0,y0,x1,y1", raw)
	}
	nums, err := atoiAll(parts)
	if err != nil {
		return grid.Pixel{}, grid.Pixel{}, fmt.Errorf("malformed -view %q: %w", raw, err)
	}
	return grid.Pixel{X: nums[0], Y: nums[1]}, grid.Pixel{X: nums[2], Y: nums[3]}, nil
}

func atoiAll(parts []string) ([]int, error) {
	nums := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		nums[i] = n
	}
	return nums, nil
}
