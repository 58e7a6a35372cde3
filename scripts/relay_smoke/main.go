// Command relay_smoke exercises a running relay end to end: create a
// session over REST, fetch two admission tokens, connect two websocket
// peers and verify a signaling message crosses between them.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/vovakirdan/meshmeet/internal/signal"
	"github.com/vovakirdan/meshmeet/internal/utils"
)

func main() {
	if err := run(); err != nil {
		log.Printf("relay_smoke: %v", err)
		os.Exit(1)
	}
}

func run() error {
	relay := flag.String("relay", "http://localhost:8080", "relay base URL")
	secret := flag.String("secret", "", "session secret to provision with")
	timeout := flag.Duration("timeout", 10*time.Second, "total timeout for the run")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	sessionID, err := createSession(ctx, *relay, *secret)
	if err != nil {
		return err
	}
	fmt.Printf("created session %s\n", sessionID)

	hostID, guestID := utils.NewID(), utils.NewID()
	host, err := connect(ctx, *relay, sessionID, hostID, "smoke-host", *secret)
	if err != nil {
		return fmt.Errorf("connect host: %w", err)
	}
	defer host.Close()
	guest, err := connect(ctx, *relay, sessionID, guestID, "smoke-guest", *secret)
	if err != nil {
		return fmt.Errorf("connect guest: %w", err)
	}
	defer guest.Close()

	req, err := signal.NewMessage(signal.TypeJoinRequest, "", sessionID, signal.JoinRequest{Name: "smoke-guest"})
	if err != nil {
		return err
	}
	if err := guest.Send(ctx, req); err != nil {
		return fmt.Errorf("send join request: %w", err)
	}

	select {
	case msg, ok := <-host.Recv():
		if !ok {
			return fmt.Errorf("host channel closed before delivery")
		}
		if msg.Type != signal.TypeJoinRequest || msg.From != guestID {
			return fmt.Errorf("unexpected message: type=%s from=%s", msg.Type, msg.From)
		}
		fmt.Printf("host received %s from %s\n", msg.Type, msg.From)
	case <-ctx.Done():
		return fmt.Errorf("waiting for relay delivery: %w", ctx.Err())
	}

	fmt.Println("relay smoke test passed")
	return nil
}

func createSession(ctx context.Context, relay, secret string) (string, error) {
	body, _ := json.Marshal(map[string]any{"name": "Smoke", "secret": secret})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, relay+"/api/sessions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("create session: %s", resp.Status)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode session: %w", err)
	}
	return out.ID, nil
}

func connect(ctx context.Context, relay, sessionID, peerID, name, secret string) (*signal.WSClient, error) {
	body, _ := json.Marshal(map[string]string{
		"session_id": sessionID,
		"peer_id":    peerID,
		"name":       name,
		"secret":     secret,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, relay+"/api/token", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch token: %s", resp.Status)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}

	wsBase := strings.Replace(relay, "http", "ws", 1)
	return signal.Dial(ctx, wsBase+"/ws", out.Token, nil)
}
