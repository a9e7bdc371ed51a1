package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// event is the wire shape for inbound game events
type event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

type joinPayload struct {
	DisplayName string `json:"display_name"`
	IsBot       bool   `json:"is_bot"`
}

type progressPayload struct {
	Score     int64  `json:"score"`
	Status    string `json:"status"`
	TotalTime int64  `json:"total_time_ms"`
}

type roundItem struct {
	SubRoundID   string `json:"sub_round_id"`
	TargetPhrase string `json:"target_phrase"`
	Prompt       string `json:"prompt"`
	Output       string `json:"output"`
	Score        int64  `json:"score"`
	TimeTaken    int64  `json:"time_taken_ms"`
}

type roundPayload struct {
	Round     int         `json:"round"`
	Items     []roundItem `json:"items"`
	Score     int64       `json:"score"`
	TimeTaken int64       `json:"time_taken_ms"`
}

type completionPayload struct {
	TotalScore int64 `json:"total_score"`
	TotalTime  int64 `json:"total_time_ms"`
}

var botPrefixes = []string{
	"Phoenix", "Shadow", "Thunder", "Storm", "Blaze", "Ninja", "Dragon", "Wolf", "Hawk", "Viper",
	"Ghost", "Titan", "Frost", "Cyber", "Nova", "Raven", "Omega", "Alpha", "Delta", "Sigma",
}

func botName(idx int) string {
	prefixIdx := idx % len(botPrefixes)
	suffix := idx/len(botPrefixes) + 1
	return fmt.Sprintf("%sBot%d", botPrefixes[prefixIdx], suffix)
}

func main() {
	serverURL := flag.String("url", "ws://localhost:8080/ws", "WebSocket endpoint")
	totalBots := flag.Int("bots", 10, "Number of simulated players")
	progressInterval := flag.Duration("interval", 2*time.Second, "Delay between progress updates")
	rounds := flag.Int("rounds", 3, "Rounds each bot plays before finishing")
	flag.Parse()

	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println("  🤖 promptduel bot simulator")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("  Server:   %s\n", *serverURL)
	fmt.Printf("  Bots:     %d\n", *totalBots)
	fmt.Printf("  Interval: %s\n", *progressInterval)
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	done := make(chan struct{})
	var sent, received int64
	var wg sync.WaitGroup

	for i := 0; i < *totalBots; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			if err := runBot(idx, *serverURL, *progressInterval, *rounds, done, &sent, &received); err != nil {
				log.Printf("bot %s stopped: %v", botName(idx), err)
			}
		}(i)
		// Stagger connects so joins interleave with broadcasts.
		time.Sleep(50 * time.Millisecond)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	statsTicker := time.NewTicker(5 * time.Second)
	defer statsTicker.Stop()

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	for {
		select {
		case <-sigChan:
			fmt.Println("\nShutting down...")
			close(done)
			wg.Wait()
			fmt.Printf("✓ Done. Sent: %d, Received: %d\n", atomic.LoadInt64(&sent), atomic.LoadInt64(&received))
			return

		case <-finished:
			fmt.Printf("✓ All bots finished. Sent: %d, Received: %d\n", atomic.LoadInt64(&sent), atomic.LoadInt64(&received))
			return

		case <-statsTicker.C:
			fmt.Printf("[%s] Sent: %d | Received: %d\n",
				time.Now().Format("15:04:05"),
				atomic.LoadInt64(&sent),
				atomic.LoadInt64(&received),
			)
		}
	}
}

// runBot plays one complete game: join, a few progress updates per round,
// round completions, and a final game_complete.
func runBot(idx int, serverURL string, interval time.Duration, rounds int, done <-chan struct{}, sent, received *int64) error {
	conn, _, err := websocket.DefaultDialer.Dial(serverURL, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", serverURL, err)
	}
	defer conn.Close()

	name := botName(idx)

	// Drain server broadcasts for the lifetime of the connection.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			atomic.AddInt64(received, 1)
		}
	}()

	send := func(e event) error {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return err
		}
		atomic.AddInt64(sent, 1)
		return nil
	}

	if err := send(event{Type: "join", Payload: joinPayload{DisplayName: name, IsBot: true}}); err != nil {
		return err
	}

	var score, elapsed int64
	for round := 1; round <= rounds; round++ {
		roundScore := int64(0)
		roundTime := int64(0)
		items := make([]roundItem, 0, 3)

		for sub := 1; sub <= 3; sub++ {
			select {
			case <-done:
				return nil
			case <-time.After(interval):
			}

			itemScore := int64(rand.Intn(20) + 1)
			itemTime := int64(rand.Intn(4000) + 1000)
			roundScore += itemScore
			roundTime += itemTime
			score += itemScore
			elapsed += itemTime

			items = append(items, roundItem{
				SubRoundID:   fmt.Sprintf("r%d-%d", round, sub),
				TargetPhrase: fmt.Sprintf("target phrase %d", sub),
				Prompt:       fmt.Sprintf("%s prompt for round %d", name, round),
				Output:       "generated output",
				Score:        itemScore,
				TimeTaken:    itemTime,
			})

			if err := send(event{Type: "update_progress", Payload: progressPayload{
				Score:     score,
				Status:    fmt.Sprintf("Round %d", round),
				TotalTime: elapsed,
			}}); err != nil {
				return err
			}
		}

		if err := send(event{Type: "round_complete", Payload: roundPayload{
			Round:     round,
			Items:     items,
			Score:     roundScore,
			TimeTaken: roundTime,
		}}); err != nil {
			return err
		}
	}

	return send(event{Type: "game_complete", Payload: completionPayload{
		TotalScore: score,
		TotalTime:  elapsed,
	}})
}
