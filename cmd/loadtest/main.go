// Command loadtest drives a running server with simulated users.
//
//	loadtest saturate [options]   open N idle hub connections and hold them
//	loadtest chat [options]       match pairs over REST, then exchange messages
//	loadtest e2e [options]        run the match-to-chat scenario once and verify it
//
// Tokens are signed locally, so -secret must match the server's JWT secret.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cinematch/chat-app/internal/api"
	"github.com/cinematch/chat-app/internal/protocol"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "chat":
		runChat(os.Args[2:])
	case "e2e":
		runE2E(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    open N idle hub connections and hold them")
	fmt.Println("  chat        match user pairs, join their rooms and exchange messages")
	fmt.Println("  e2e         verify match, join, send, leave and history end to end")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}

func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("ws", "ws://localhost:8080/ws", "hub URL")
	secret := fs.String("secret", os.Getenv("JWT_SECRET"), "JWT signing secret")
	connections := fs.Int("connections", 1000, "number of connections to open")
	concurrency := fs.Int("concurrency", 50, "simultaneous connection attempts")
	hold := fs.Duration("hold", 30*time.Second, "hold duration after ramp-up")
	metricsURL := fs.String("metrics", "http://localhost:8080/metrics", "server metrics URL (empty disables scraping)")
	scrapeEvery := fs.Duration("scrape-interval", 5*time.Second, "metrics scrape interval")
	_ = fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Saturate: %d connections to %s (concurrency=%d, hold=%s)\n", *connections, *url, *concurrency, *hold)
	col := newCollector()
	srv := startScraper(ctx, *metricsURL, *scrapeEvery)

	var mu sync.Mutex
	clients := make([]*client, 0, *connections)
	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup

	for i := 0; i < *connections && ctx.Err() == nil; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			user := fmt.Sprintf("lt-sat-%d", i)
			c, err := connect(ctx, *url, *secret, user)
			if err != nil {
				col.addError()
				return
			}
			col.addConnect(c.connectLatency)
			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	conns, errs := col.counts()
	fmt.Printf("Ramp-up done: %d connected, %d errors\n", conns, errs)

	select {
	case <-ctx.Done():
	case <-time.After(*hold):
	}

	dropped := 0
	for _, c := range clients {
		if c.closed() {
			dropped++
		}
		_ = c.Close()
	}
	fmt.Printf("Dropped during hold: %d\n", dropped)
	srv.stop()
	col.report(srv)
}

func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	apiURL := fs.String("api", "http://localhost:8080", "REST base URL")
	url := fs.String("ws", "ws://localhost:8080/ws", "hub URL")
	secret := fs.String("secret", os.Getenv("JWT_SECRET"), "JWT signing secret")
	pairs := fs.Int("pairs", 50, "number of matched user pairs")
	messages := fs.Int("messages", 20, "messages each user sends")
	interval := fs.Duration("interval", 100*time.Millisecond, "delay between a user's messages")
	movieID := fs.Int64("movie", 27205, "movie id both users request on")
	metricsURL := fs.String("metrics", "http://localhost:8080/metrics", "server metrics URL (empty disables scraping)")
	scrapeEvery := fs.Duration("scrape-interval", 5*time.Second, "metrics scrape interval")
	_ = fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Chat: %d pairs, %d messages per user, interval=%s\n", *pairs, *messages, *interval)
	col := newCollector()
	srv := startScraper(ctx, *metricsURL, *scrapeEvery)
	run := fmt.Sprintf("%d", time.Now().Unix())

	var wg sync.WaitGroup
	for i := 0; i < *pairs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a := fmt.Sprintf("lt-%s-%d-a", run, i)
			b := fmt.Sprintf("lt-%s-%d-b", run, i)
			if err := chatPair(ctx, col, *apiURL, *url, *secret, a, b, *movieID, *messages, *interval); err != nil {
				fmt.Fprintf(os.Stderr, "pair %d: %v\n", i, err)
				col.addError()
			}
		}(i)
	}
	wg.Wait()
	srv.stop()
	col.report(srv)
}

// startScraper returns nil when url is empty; a nil scraper is a no-op.
func startScraper(ctx context.Context, url string, interval time.Duration) *scraper {
	if url == "" {
		return nil
	}
	s := newScraper(url, interval)
	s.start(ctx)
	return s
}

func chatPair(ctx context.Context, col *collector, apiURL, wsURL, secret, a, b string, movieID int64, messages int, interval time.Duration) error {
	if _, err := requestMatch(ctx, apiURL, secret, a, b, movieID); err != nil {
		return err
	}
	roomID, err := requestMatch(ctx, apiURL, secret, b, a, movieID)
	if err != nil {
		return err
	}
	if roomID == "" {
		return fmt.Errorf("reciprocal request did not open a room")
	}

	users := []string{a, b}
	clients := make([]*client, 0, 2)
	defer func() {
		for _, c := range clients {
			col.addErrors(c.errorCount())
			_ = c.Close()
		}
	}()

	var wg sync.WaitGroup
	for _, u := range users {
		c, err := connect(ctx, wsURL, secret, u)
		if err != nil {
			return err
		}
		col.addConnect(c.connectLatency)
		clients = append(clients, c)

		joined := make(chan struct{})
		var once sync.Once
		c.on(protocol.TypeRoomJoined, func(json.RawMessage) { once.Do(func() { close(joined) }) })

		var sentMu sync.Mutex
		sent := make(map[string]time.Time)
		c.on(protocol.TypeMessageSent, func(raw json.RawMessage) {
			var m protocol.MessageSentMsg
			if json.Unmarshal(raw, &m) != nil {
				return
			}
			sentMu.Lock()
			if at, ok := sent[m.ClientMsgID]; ok {
				col.addAck(time.Since(at))
				delete(sent, m.ClientMsgID)
			}
			sentMu.Unlock()
		})
		self := u
		c.on(protocol.TypeReceiveMessage, func(raw json.RawMessage) {
			var m protocol.ReceiveMessageMsg
			if json.Unmarshal(raw, &m) == nil && m.Message.SenderID != self {
				col.addDelivery()
			}
		})

		if err := c.join(roomID); err != nil {
			return err
		}
		select {
		case <-joined:
		case <-time.After(5 * time.Second):
			return fmt.Errorf("%s: no room_joined", u)
		case <-ctx.Done():
			return ctx.Err()
		}

		wg.Add(1)
		go func(c *client) {
			defer wg.Done()
			for n := 0; n < messages && ctx.Err() == nil && !c.closed(); n++ {
				ref := fmt.Sprintf("%s-%d", c.userID, n)
				sentMu.Lock()
				sent[ref] = time.Now()
				sentMu.Unlock()
				if err := c.sendText(roomID, fmt.Sprintf("message %d from %s", n, c.userID), ref); err != nil {
					col.addError()
					return
				}
				time.Sleep(interval)
			}
		}(c)
	}
	wg.Wait()
	// Let in-flight deliveries land before closing.
	time.Sleep(time.Second)
	return nil
}

func connect(ctx context.Context, wsURL, secret, userID string) (*client, error) {
	tok, err := api.IssueToken(secret, userID, userID, time.Hour)
	if err != nil {
		return nil, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return dial(dialCtx, wsURL, tok, userID)
}

// requestMatch posts a match request and returns the room id when it opened
// one.
func requestMatch(ctx context.Context, apiURL, secret, from, to string, movieID int64) (string, error) {
	tok, err := api.IssueToken(secret, from, from, time.Hour)
	if err != nil {
		return "", err
	}
	body, _ := json.Marshal(map[string]interface{}{"target_user_id": to, "movie_id": movieID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL+"/matches/request", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("request %s -> %s: status %d", from, to, resp.StatusCode)
	}
	var out struct {
		Matched bool   `json:"matched"`
		RoomID  string `json:"room_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.RoomID, nil
}
