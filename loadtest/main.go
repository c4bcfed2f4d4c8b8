package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()

type AuthResponse struct {
	Token string `json:"access_token"`
	ID    string `json:"id"`
}

type stats struct {
	sent, failed, events, splitPairs atomic.Int64
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "server base url")
	pairs := flag.Int("pairs", 50, "number of user pairs (⚠️ start small, the DB pool is 25 connections)")
	msgCount := flag.Int("messages", 20, "messages per user")
	flag.Parse()

	log.Info().Int("users", *pairs*2).Int("messages", *msgCount).Msg("🔥 STARTING STRESS TEST")
	wsURL := "ws" + strings.TrimPrefix(*baseURL, "http") + "/ws"
	run := time.Now().UnixNano()

	var st stats
	var wg sync.WaitGroup
	// User 0 talks to user 1, user 2 to user 3...
	for i := 0; i < *pairs; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(*baseURL, wsURL, fmt.Sprintf("u%d_%d", run%1e6, pairID), *msgCount, &st)
		}(i)
	}
	wg.Wait()

	log.Info().
		Int64("sent", st.sent.Load()).
		Int64("failed", st.failed.Load()).
		Int64("events", st.events.Load()).
		Int64("split_pairs", st.splitPairs.Load()).
		Msg("✅ LOAD TEST COMPLETE")
	if st.splitPairs.Load() > 0 {
		os.Exit(1)
	}
}

func runPair(baseURL, wsURL, prefix string, msgCount int, st *stats) {
	a, b := prefix+"_a", prefix+"_b"
	pass := "password123"

	authA, okA := authenticate(baseURL, a, pass)
	authB, okB := authenticate(baseURL, b, pass)
	if !okA || !okB {
		return
	}

	// Both users send first, concurrently: the server must still settle on one conversation
	var wg sync.WaitGroup
	wg.Add(2)
	go spamChat(&wg, baseURL, wsURL, authA, authB.ID, a, msgCount, st)
	go spamChat(&wg, baseURL, wsURL, authB, authA.ID, b, msgCount, st)
	wg.Wait()

	for _, auth := range []AuthResponse{authA, authB} {
		var convs []struct {
			ID string `json:"id"`
		}
		if err := getJSON(baseURL+"/api/conversations", auth.Token, &convs); err != nil {
			log.Error().Err(err).Str("pair", prefix).Msg("❌ List conversations failed")
			continue
		}
		if len(convs) != 1 {
			st.splitPairs.Add(1)
			log.Error().Str("pair", prefix).Int("conversations", len(convs)).Msg("❌ Pair split across conversations")
		}
	}
}

// authenticate registers (ignores error if exists) and logs in
func authenticate(baseURL, username, password string) (AuthResponse, bool) {
	creds := map[string]string{"username": username, "password": password}
	if resp, err := postJSON(baseURL+"/register", "", creds); err == nil {
		resp.Body.Close()
	}

	resp, err := postJSON(baseURL+"/login", "", creds)
	if err != nil {
		log.Error().Err(err).Str("user", username).Msg("❌ Login failed")
		return AuthResponse{}, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Error().Int("status", resp.StatusCode).Str("user", username).Msg("❌ Login failed")
		return AuthResponse{}, false
	}

	var data AuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return AuthResponse{}, false
	}
	return data, true
}

func spamChat(wg *sync.WaitGroup, baseURL, wsURL string, me AuthResponse, peerID, user string, msgCount int, st *stats) {
	defer wg.Done()

	// Listen for event hints while sending; sends themselves go over REST
	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("%s?token=%s", wsURL, me.Token), nil)
	if err != nil {
		log.Warn().Err(err).Str("user", user).Msg("⚠️ WS connect failed, sending without events")
	} else {
		defer conn.Close()
		go func() {
			for {
				_, raw, err := conn.ReadMessage()
				if err != nil {
					return
				}
				st.events.Add(int64(bytes.Count(raw, []byte{'\n'}) + 1))
			}
		}()
	}

	for i := 0; i < msgCount; i++ {
		resp, err := postJSON(baseURL+"/api/messages", me.Token, map[string]string{
			"recipient_id": peerID,
			"text":         fmt.Sprintf("LoadTest Msg %d from %s 🚀", i, user),
		})
		if err != nil {
			st.failed.Add(1)
			log.Error().Err(err).Str("user", user).Msg("❌ Send failed")
			break
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			st.failed.Add(1)
			continue
		}
		st.sent.Add(1)
		// Small sleep to prevent instant localhost bottleneck (simulate real network)
		time.Sleep(10 * time.Millisecond)
	}

	// Drain the inbox the way a client would: poll, then acknowledge
	var unread []struct {
		ID string `json:"id"`
	}
	if err := getJSON(baseURL+"/api/messages/poll", me.Token, &unread); err == nil {
		for _, m := range unread {
			if resp, err := doRequest(http.MethodPut, baseURL+"/api/messages/"+m.ID+"/read", me.Token, nil); err == nil {
				resp.Body.Close()
			}
		}
	}
	log.Info().Str("user", user).Int("acked", len(unread)).Msg("✅ finished")
}

func postJSON(url, token string, data any) (*http.Response, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return doRequest(http.MethodPost, url, token, bytes.NewReader(jsonData))
}

func getJSON(url, token string, out any) error {
	resp, err := doRequest(http.MethodGet, url, token, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func doRequest(method, url, token string, body *bytes.Reader) (*http.Response, error) {
	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequest(method, url, body)
	} else {
		req, err = http.NewRequest(method, url, nil)
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return http.DefaultClient.Do(req)
}
