// Package main runs a demo client: it subscribes, watches the subscription's
// counters over WebSocket and publishes a few messages.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type event struct {
	Type           string            `json:"type"`
	SubscriptionID string            `json:"subscriptionId"`
	Counters       map[string]uint64 `json:"counters"`
}

func main() {
	port := os.Getenv("HTTP_PORT")
	if port == "" {
		port = "8080"
	}
	base := fmt.Sprintf("http://localhost:%s", port)
	const sub = "demo"
	const messageType = "order.created"

	body := []byte(`{"messageTypes":["` + messageType + `"]}`)
	req, _ := http.NewRequest(http.MethodPut, base+"/subscriptions/"+sub, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		log.Fatalf("subscribe: %s", resp.Status)
	}
	log.Printf("Subscribed %s to %s", sub, messageType)

	// Connect WS
	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/subscriptions/" + sub + "/ws"}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var e event
			if err := c.ReadJSON(&e); err != nil {
				log.Printf("read: %v", err)
				return
			}
			log.Printf("WS <- %s %s %v", e.Type, e.SubscriptionID, e.Counters)
		}
	}()

	for i := 0; i < 3; i++ {
		time.Sleep(300 * time.Millisecond)
		msg, _ := json.Marshal(map[string]string{"messageType": messageType, "messageBody": fmt.Sprintf("hello %d", i)})
		resp, err := http.Post(base+"/messages", "application/json", bytes.NewReader(msg))
		if err != nil {
			log.Fatal(err)
		}
		_ = resp.Body.Close()
		log.Printf("POST /messages -> %s", resp.Status)
	}

	// Wait briefly to receive the updates
	select {
	case <-time.After(2 * time.Second):
	case <-done:
	}
}
