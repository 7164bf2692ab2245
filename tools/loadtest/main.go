// Command loadtest opens many concurrent client connections against a World
// server and measures how long each takes to receive a redirect.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type authMessage struct {
	AccountID int64  `json:"account_id"`
	Token     string `json:"token"`
}

type serverMessage struct {
	Type    string `json:"type"`
	Address string `json:"address,omitempty"`
	Port    uint16 `json:"port,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

type result struct {
	latency time.Duration
	outcome string
}

func main() {
	var (
		url          = flag.String("url", "ws://localhost:7100/connect", "World server connect URL")
		clients      = flag.Int("clients", 100, "Number of concurrent clients")
		firstAccount = flag.Int64("first-account", 1, "First account id to use")
		token        = flag.String("token", "loadtest", "Session ticket to present")
		timeout      = flag.Duration("timeout", 30*time.Second, "Per-client wait for a redirect")
	)
	flag.Parse()

	results := make([]result, *clients)
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = runClient(*url, *firstAccount+int64(i), *token, *timeout)
		}(i)
	}
	wg.Wait()

	report(results, time.Since(start))
}

func runClient(url string, accountID int64, token string, timeout time.Duration) result {
	start := time.Now()

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return result{outcome: "dial_error"}
	}
	defer ws.Close()

	if err := ws.WriteJSON(authMessage{AccountID: accountID, Token: token}); err != nil {
		return result{outcome: "write_error"}
	}

	ws.SetReadDeadline(time.Now().Add(timeout))
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return result{outcome: "timeout"}
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "redirect":
			return result{latency: time.Since(start), outcome: "redirect"}
		case "kick":
			return result{outcome: "kick:" + msg.Reason}
		}
	}
}

func report(results []result, elapsed time.Duration) {
	outcomes := make(map[string]int)
	var latencies []time.Duration
	for _, r := range results {
		outcomes[r.outcome]++
		if r.outcome == "redirect" {
			latencies = append(latencies, r.latency)
		}
	}

	fmt.Printf("clients: %d, elapsed: %v\n", len(results), elapsed.Round(time.Millisecond))
	keys := make([]string, 0, len(outcomes))
	for k := range outcomes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %-20s %d\n", k, outcomes[k])
	}

	if len(latencies) == 0 {
		os.Exit(1)
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	pct := func(p float64) time.Duration {
		idx := int(p * float64(len(latencies)-1))
		return latencies[idx]
	}
	fmt.Printf("redirect latency: p50=%v p90=%v p99=%v max=%v\n",
		pct(0.50).Round(time.Millisecond),
		pct(0.90).Round(time.Millisecond),
		pct(0.99).Round(time.Millisecond),
		latencies[len(latencies)-1].Round(time.Millisecond),
	)
}
