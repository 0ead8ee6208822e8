package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var (
	baseURL   = flag.String("base", "http://localhost:8080", "server base URL")
	pairCount = flag.Int("pairs", 250, "clients to pair with the manager")
	msgCount  = flag.Int("messages", 20, "messages per user")

	// Promote the manager first: go run ./cmd/admin promote <name>
	managerName = flag.String("manager", "loadtest_manager", "pre-provisioned manager username")
	managerPass = flag.String("manager-password", "password123", "manager password")
)

type authResponse struct {
	Token   string `json:"access_token"`
	ID      int    `json:"id"`
	IsStaff bool   `json:"is_staff"`
}

type frame struct {
	Notification bool   `json:"notification"`
	Error        string `json:"error"`
}

var (
	sent          atomic.Int64
	roomEvents    atomic.Int64
	notifications atomic.Int64
	errorFrames   atomic.Int64
)

func main() {
	flag.Parse()
	log.Printf("starting load test: %d pairs, %d messages each", *pairCount, *msgCount)
	start := time.Now()

	mgr, err := login(*managerName, *managerPass)
	if err != nil {
		log.Fatalf("manager login: %v", err)
	}
	if !mgr.IsStaff {
		log.Fatalf("%s is not a manager; promote it with cmd/admin", *managerName)
	}

	var wg sync.WaitGroup
	for i := 0; i < *pairCount; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(pairID, mgr)
		}(i)
	}
	wg.Wait()

	log.Printf("done in %s: sent=%d room=%d notifications=%d errors=%d",
		time.Since(start).Round(time.Millisecond),
		sent.Load(), roomEvents.Load(), notifications.Load(), errorFrames.Load())
}

func runPair(pairID int, mgr *authResponse) {
	client := fmt.Sprintf("c_%d", pairID)

	cl, err := authenticate(client, "password123")
	if err != nil {
		log.Printf("auth %s: %v", client, err)
		return
	}

	if err := createRelation(mgr.Token, mgr.ID, cl.ID); err != nil {
		log.Printf("relation %d: %v", pairID, err)
		return
	}

	room := fmt.Sprintf("/ws/chat/%d/%d/", mgr.ID, cl.ID)
	var wsWg sync.WaitGroup
	wsWg.Add(2)
	go chatter(&wsWg, mgr.Token, room, *managerName)
	go chatter(&wsWg, cl.Token, room, client)
	wsWg.Wait()
}

// authenticate registers (ignoring "already exists") and logs in.
func authenticate(username, password string) (*authResponse, error) {
	resp, err := postJSON("/register", "", map[string]string{"username": username, "password": password})
	if err == nil {
		resp.Body.Close()
	}
	return login(username, password)
}

func login(username, password string) (*authResponse, error) {
	resp, err := postJSON("/login", "", map[string]string{"username": username, "password": password})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("login status %d", resp.StatusCode)
	}

	var data authResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

func createRelation(token string, managerID, clientID int) error {
	resp, err := postJSON("/api/relations", token, map[string]int{"manager_id": managerID, "client_id": clientID})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// Conflict means an earlier run already related the pair.
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusConflict {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func chatter(wg *sync.WaitGroup, token, room, user string) {
	defer wg.Done()

	wsURL := "ws" + strings.TrimPrefix(*baseURL, "http") + room + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		log.Printf("ws connect %s: %v", user, err)
		return
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f frame
			if json.Unmarshal(data, &f) != nil {
				continue
			}
			switch {
			case f.Error != "":
				errorFrames.Add(1)
			case f.Notification:
				notifications.Add(1)
			default:
				roomEvents.Add(1)
			}
		}
	}()

	for i := 0; i < *msgCount; i++ {
		msg := map[string]string{"message": fmt.Sprintf("load test %d from %s", i, user)}
		if err := conn.WriteJSON(msg); err != nil {
			log.Printf("send %s: %v", user, err)
			break
		}
		sent.Add(1)
		time.Sleep(10 * time.Millisecond)
	}

	// Give in-flight fanout a moment before hanging up.
	time.Sleep(500 * time.Millisecond)
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
}

func postJSON(endpoint, token string, data any) (*http.Response, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, *baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return http.DefaultClient.Do(req)
}
