package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/model/chat"
)

// chatcli pokes a running parley backend: create a session, send a message,
// dump the transcript, delete, or tail the live feed.
func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	addr := flag.String("addr", "http://localhost:8080", "base URL of the parley backend")
	session := flag.String("session", "", "existing session id (empty creates a new session)")
	message := flag.String("message", "", "message to send")
	del := flag.Bool("delete", false, "delete the session and exit")
	watch := flag.Bool("watch", false, "stay on the session feed and print events")
	timeout := flag.Duration("timeout", 90*time.Second, "request timeout")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	client := &http.Client{Timeout: *timeout}
	base := strings.TrimRight(*addr, "/")

	if *del {
		if *session == "" {
			log.Fatal("-delete requires -session")
		}
		if _, err := doJSON(ctx, client, http.MethodDelete, base+"/chats/"+*session, nil); err != nil {
			log.Fatalf("delete failed: %v", err)
		}
		log.Printf("session %s deleted", *session)
		return
	}

	sessionID := *session

	switch {
	case sessionID == "":
		payload := map[string]string{}
		if *message != "" {
			payload["message"] = *message
		}
		resp, err := doJSON(ctx, client, http.MethodPost, base+"/chats", payload)
		if err != nil {
			log.Fatalf("create chat failed: %v", err)
		}
		sessionID = resp.SessionID
		log.Printf("created session %s", sessionID)
		printTranscript(resp.Messages)
	case *message != "":
		resp, err := doJSON(ctx, client, http.MethodPost, base+"/chats/"+sessionID+"/messages", map[string]string{"message": *message})
		if err != nil {
			log.Fatalf("send message failed: %v", err)
		}
		printTranscript(resp.Messages)
	default:
		resp, err := doJSON(ctx, client, http.MethodGet, base+"/chats/"+sessionID, nil)
		if err != nil {
			log.Fatalf("fetch transcript failed: %v", err)
		}
		printTranscript(resp.Messages)
	}

	if *watch {
		if err := watchFeed(ctx, base, sessionID); err != nil {
			log.Fatalf("feed closed: %v", err)
		}
	}
}

type apiResponse struct {
	SessionID string      `json:"session_id"`
	Reply     string      `json:"reply"`
	Messages  []chat.Turn `json:"messages"`
	Status    string      `json:"status"`
	Error     string      `json:"error"`
	Code      string      `json:"code"`
}

func doJSON(ctx context.Context, client *http.Client, method, url string, payload any) (*apiResponse, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response (http %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s (%s, http %d)", out.Error, out.Code, resp.StatusCode)
	}
	return &out, nil
}

func printTranscript(turns []chat.Turn) {
	for _, turn := range turns {
		fmt.Printf("[%3d] %-5s %s\n", turn.Seq, turn.Role, turn.Content)
	}
}

func watchFeed(ctx context.Context, base, sessionID string) error {
	wsURL := "ws" + strings.TrimPrefix(base, "http") + "/chats/" + sessionID + "/feed"

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	defer conn.Close()

	log.Printf("watching feed for session %s, ctrl-c to stop", sessionID)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var event events.TurnEvent
		if err := conn.ReadJSON(&event); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		switch event.Type {
		case events.TypeDeleted:
			log.Printf("session %s deleted, feed over", sessionID)
			return nil
		case events.TypeTurn:
			if event.Turn != nil {
				fmt.Printf("[%3d] %-5s %s\n", event.Turn.Seq, event.Turn.Role, event.Turn.Content)
			}
		}
	}
}
