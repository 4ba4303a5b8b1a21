package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cinematch/chat-app/internal/api"
	"github.com/cinematch/chat-app/internal/protocol"
)

// resultKind categorises a scenario outcome.
type resultKind int

const (
	resultPass resultKind = iota
	resultFail
	resultInfo // non-fatal
)

type scenarioResult struct {
	name   string
	kind   resultKind
	detail string
}

func (r scenarioResult) tag() string {
	switch r.kind {
	case resultPass:
		return "PASS"
	case resultFail:
		return "FAIL"
	default:
		return "INFO"
	}
}

// runE2E walks one pair of fresh users through request, match, join, send,
// leave and history against a running server. Exit code 1 on any failure.
func runE2E(args []string) {
	fs := flag.NewFlagSet("e2e", flag.ExitOnError)
	apiURL := fs.String("api", "http://localhost:8080", "REST base URL")
	url := fs.String("ws", "ws://localhost:8080/ws", "hub URL")
	secret := fs.String("secret", os.Getenv("JWT_SECRET"), "JWT signing secret")
	movieID := fs.Int64("movie", 27205, "movie id both users request on")
	timeout := fs.Duration("timeout", 60*time.Second, "overall timeout")
	_ = fs.Parse(args)

	fmt.Println("=== MovieMatch E2E ===")
	fmt.Printf("API: %s  Hub: %s\n\n", *apiURL, *url)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	run := fmt.Sprintf("%d", time.Now().UnixNano())
	e := &e2e{
		apiURL:  *apiURL,
		wsURL:   *url,
		secret:  *secret,
		movieID: *movieID,
		a:       "e2e-" + run + "-a",
		b:       "e2e-" + run + "-b",
	}
	results := e.run(ctx)

	fmt.Println()
	passed, failed, info := 0, 0, 0
	for _, r := range results {
		fmt.Printf("[%s] %s", r.tag(), r.name)
		if r.detail != "" {
			fmt.Printf(" (%s)", r.detail)
		}
		fmt.Println()
		switch r.kind {
		case resultPass:
			passed++
		case resultFail:
			failed++
		case resultInfo:
			info++
		}
	}
	fmt.Printf("\n=== Results: %d/%d passed", passed, passed+failed)
	if info > 0 {
		fmt.Printf(", %d info", info)
	}
	fmt.Println(" ===")
	if failed > 0 {
		os.Exit(1)
	}
}

type e2e struct {
	apiURL, wsURL, secret string
	movieID               int64
	a, b                  string
}

// run executes the scenarios in order. A failed step skips the ones that
// depend on it.
func (e *e2e) run(ctx context.Context) []scenarioResult {
	var results []scenarioResult
	add := func(r scenarioResult) bool {
		results = append(results, r)
		return r.kind != resultFail
	}

	if !add(e.health(ctx)) {
		return results
	}
	roomID, r := e.match(ctx)
	if !add(r) || !add(e.status(ctx, roomID)) {
		return results
	}

	ca, err := connect(ctx, e.wsURL, e.secret, e.a)
	if err != nil {
		add(scenarioResult{"Hub join", resultFail, err.Error()})
		return results
	}
	defer ca.Close()
	cb, err := connect(ctx, e.wsURL, e.secret, e.b)
	if err != nil {
		add(scenarioResult{"Hub join", resultFail, err.Error()})
		return results
	}
	defer cb.Close()
	ia, ib := newInbox(ca), newInbox(cb)

	if !add(e.join(roomID, ca, ia, cb, ib)) {
		return results
	}
	if !add(e.echo(roomID, ca, ia, ib)) {
		return results
	}
	if !add(e.leave(roomID, ca, ia, cb, ib)) {
		return results
	}
	add(e.history(ctx, roomID))
	return results
}

func (e *e2e) health(ctx context.Context) scenarioResult {
	name := "Health and metrics"
	if err := httpGetExpectOK(ctx, e.apiURL+"/health"); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/health: %v", err)}
	}
	body, err := httpGetBody(ctx, e.apiURL+"/metrics", "")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/metrics: %v", err)}
	}
	if !strings.Contains(string(body), "moviematch_messages_total") {
		return scenarioResult{name, resultInfo, "/metrics has no moviematch_messages_total yet"}
	}
	return scenarioResult{name, resultPass, ""}
}

func (e *e2e) match(ctx context.Context) (string, scenarioResult) {
	name := "Mutual request opens a room"
	roomID, err := requestMatch(ctx, e.apiURL, e.secret, e.a, e.b, e.movieID)
	if err != nil {
		return "", scenarioResult{name, resultFail, err.Error()}
	}
	if roomID != "" {
		return "", scenarioResult{name, resultFail, "first request already matched"}
	}
	roomID, err = requestMatch(ctx, e.apiURL, e.secret, e.b, e.a, e.movieID)
	if err != nil {
		return "", scenarioResult{name, resultFail, err.Error()}
	}
	if roomID == "" {
		return "", scenarioResult{name, resultFail, "reciprocal request did not open a room"}
	}
	return roomID, scenarioResult{name, resultPass, "room=" + truncateID(roomID)}
}

func (e *e2e) status(ctx context.Context, roomID string) scenarioResult {
	name := "Status reports matched"
	tok, err := api.IssueToken(e.secret, e.a, e.a, time.Hour)
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	body, err := httpGetBody(ctx, e.apiURL+"/matches/status/"+e.b, tok)
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	var st struct {
		Status string `json:"status"`
		RoomID string `json:"room_id"`
	}
	if err := json.Unmarshal(body, &st); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("decode: %v", err)}
	}
	if st.Status != "matched" || st.RoomID != roomID {
		return scenarioResult{name, resultFail, fmt.Sprintf("got status=%s room=%s", st.Status, truncateID(st.RoomID))}
	}
	return scenarioResult{name, resultPass, ""}
}

func (e *e2e) join(roomID string, ca *client, ia *inbox, cb *client, ib *inbox) scenarioResult {
	name := "Hub join"
	for _, p := range []struct {
		c  *client
		in *inbox
	}{{ca, ia}, {cb, ib}} {
		if err := p.c.join(roomID); err != nil {
			return scenarioResult{name, resultFail, err.Error()}
		}
		if _, err := p.in.await(protocol.TypeRoomJoined, 5*time.Second); err != nil {
			return scenarioResult{name, resultFail, p.c.userID + ": " + err.Error()}
		}
	}
	return scenarioResult{name, resultPass, ""}
}

func (e *e2e) echo(roomID string, ca *client, ia, ib *inbox) scenarioResult {
	name := "2000-character Unicode message"
	text := strings.Repeat("🎬", 1000) + strings.Repeat("é", 1000)
	if err := ca.sendText(roomID, text, "e2e-long"); err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	for who, in := range map[string]*inbox{"sender": ia, "peer": ib} {
		raw, err := in.await(protocol.TypeReceiveMessage, 5*time.Second)
		if err != nil {
			return scenarioResult{name, resultFail, who + ": " + err.Error()}
		}
		var m protocol.ReceiveMessageMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			return scenarioResult{name, resultFail, who + ": " + err.Error()}
		}
		if m.Text != text {
			return scenarioResult{name, resultFail, who + " got altered text"}
		}
	}
	raw, err := ia.await(protocol.TypeMessageSent, 5*time.Second)
	if err != nil {
		return scenarioResult{name, resultFail, "ack: " + err.Error()}
	}
	var ack protocol.MessageSentMsg
	if err := json.Unmarshal(raw, &ack); err != nil || ack.ClientMsgID != "e2e-long" {
		return scenarioResult{name, resultFail, "ack does not carry client_msg_id"}
	}
	return scenarioResult{name, resultPass, ""}
}

func (e *e2e) leave(roomID string, ca *client, ia *inbox, cb *client, ib *inbox) scenarioResult {
	name := "Leave stops delivery"
	if err := cb.send(protocol.LeaveRoomMsg{Type: protocol.TypeLeaveRoom, RoomID: roomID}); err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	if _, err := ib.await(protocol.TypeRoomLeft, 5*time.Second); err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	if err := ca.sendText(roomID, "are you still there?", "e2e-after-leave"); err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	if _, err := ia.await(protocol.TypeMessageSent, 5*time.Second); err != nil {
		return scenarioResult{name, resultFail, "ack: " + err.Error()}
	}
	if _, err := ib.await(protocol.TypeReceiveMessage, 2*time.Second); err == nil {
		return scenarioResult{name, resultFail, "message delivered after leave"}
	}
	if err := cb.sendText(roomID, "one more", "e2e-left-send"); err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	raw, err := ib.await(protocol.TypeError, 5*time.Second)
	if err != nil {
		return scenarioResult{name, resultFail, "send after leave: " + err.Error()}
	}
	var em protocol.ErrorMsg
	if json.Unmarshal(raw, &em) != nil || em.Code != "forbidden" {
		return scenarioResult{name, resultFail, "send after leave: expected forbidden, got " + em.Code}
	}
	return scenarioResult{name, resultPass, ""}
}

func (e *e2e) history(ctx context.Context, roomID string) scenarioResult {
	name := "History readable after leave"
	tok, err := api.IssueToken(e.secret, e.b, e.b, time.Hour)
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	body, err := httpGetBody(ctx, e.apiURL+"/chats/"+roomID+"/messages?take=10", tok)
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	var msgs []protocol.Message
	if err := json.Unmarshal(body, &msgs); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("decode: %v", err)}
	}
	if len(msgs) != 2 || msgs[0].Text != "are you still there?" {
		return scenarioResult{name, resultFail, fmt.Sprintf("got %d messages", len(msgs))}
	}
	return scenarioResult{name, resultPass, fmt.Sprintf("%d messages", len(msgs))}
}

// inbox queues server messages of the types a scenario waits on.
type inbox struct {
	queues map[string]chan json.RawMessage
}

func newInbox(c *client) *inbox {
	in := &inbox{queues: make(map[string]chan json.RawMessage)}
	for _, t := range []string{
		protocol.TypeRoomJoined, protocol.TypeRoomLeft, protocol.TypeReceiveMessage,
		protocol.TypeMessageSent, protocol.TypeError,
	} {
		q := make(chan json.RawMessage, 16)
		in.queues[t] = q
		c.on(t, func(raw json.RawMessage) {
			select {
			case q <- raw:
			default:
			}
		})
	}
	return in
}

func (in *inbox) await(msgType string, timeout time.Duration) (json.RawMessage, error) {
	select {
	case raw := <-in.queues[msgType]:
		return raw, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("no %s within %s", msgType, timeout)
	}
}

func httpGetExpectOK(ctx context.Context, url string) error {
	_, err := httpGetBody(ctx, url, "")
	return err
}

// httpGetBody fetches url, with a bearer token when tok is set, and fails on
// any status but 200.
func httpGetBody(ctx context.Context, url, tok string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return body, nil
}

func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
