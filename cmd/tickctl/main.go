// Command tickctl is a debugging client for tickproxy.
//
//	tickctl watch   -url ws://127.0.0.1:8765/ -key alice-key -topics NSE:INFY:LTP,NSE:TCS:QUOTE
//	tickctl publish -bus 127.0.0.1:7070 -broker ZERODHA -topics NSE:INFY:LTP -rate 20
//
// watch authenticates, subscribes and prints every frame it receives.
// publish streams synthetic ticks to the embedded bus endpoint.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"tickproxy/internal/bus"
	"tickproxy/internal/lifecycle"
	"tickproxy/internal/protocol"
	"tickproxy/logger"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "watch":
		err = watch(ctx, os.Args[2:])
	case "publish":
		err = publish(ctx, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "tickctl:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: tickctl watch|publish [flags]")
}

type command struct {
	Type       string              `json:"type"`
	Credential string              `json:"credential,omitempty"`
	Topics     []protocol.TopicRef `json:"topics,omitempty"`
}

func watch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	url := fs.String("url", "ws://127.0.0.1:8765/", "proxy websocket url")
	key := fs.String("key", os.Getenv("TICKPROXY_API_KEY"), "api key")
	topics := fs.String("topics", "", "comma separated EXCHANGE:SYMBOL:MODE list")
	pretty := fs.Bool("pretty", false, "indent frames")
	fs.Parse(args)

	refs, err := parseTopics(*topics)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, *url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", *url, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	})
	defer stop()

	if err := conn.WriteJSON(command{Type: string(protocol.TypeAuth), Credential: *key}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}
	if len(refs) > 0 {
		if err := conn.WriteJSON(command{Type: string(protocol.TypeSubscribe), Topics: refs}); err != nil {
			return fmt.Errorf("send subscribe: %w", err)
		}
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		fmt.Println(formatFrame(data, *pretty))
	}
}

func formatFrame(data []byte, pretty bool) string {
	if !pretty {
		return string(data)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(data)
	}
	return string(out)
}

func publish(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("publish", flag.ExitOnError)
	addr := fs.String("bus", "127.0.0.1:7070", "bus endpoint address, or unix:///path")
	broker := fs.String("broker", "PAPER", "broker the ticks belong to")
	topics := fs.String("topics", "", "comma separated EXCHANGE:SYMBOL:MODE list")
	rate := fs.Float64("rate", 10, "ticks per second per topic")
	count := fs.Int("count", 0, "stop after this many ticks per topic (0 = until interrupted)")
	price := fs.Float64("price", 100, "starting price")
	fs.Parse(args)

	refs, err := parseTopics(*topics)
	if err != nil {
		return err
	}
	if len(refs) == 0 {
		return fmt.Errorf("publish needs at least one topic")
	}
	if *rate <= 0 {
		return fmt.Errorf("rate must be positive")
	}

	network, address := lifecycle.SplitAddr(*addr)

	log := logger.GetLogger()
	client := bus.NewClient(ctx, network, address, 1024, log)
	defer func() {
		client.Close()
		log.WithComponent("tickctl").WithFields(logger.Fields{
			"sent":    client.Sent(),
			"dropped": client.Dropped(),
		}).Info("publisher stopped")
	}()

	prices := make([]float64, len(refs))
	for i := range prices {
		prices[i] = *price
	}

	ticker := time.NewTicker(time.Duration(float64(time.Second) / *rate))
	defer ticker.Stop()

	for n := 0; *count == 0 || n < *count; n++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		now := time.Now()
		for i, ref := range refs {
			prices[i] *= 1 + (rand.Float64()-0.5)/500
			client.Publish(syntheticTick(ref.Topic(*broker), prices[i], now))
		}
	}
	// let the writer drain before Close cancels it
	time.Sleep(200 * time.Millisecond)
	return nil
}
