package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/IBM/sarama"
)

// scoreMessage is what the relay's Kafka consumer expects. Score is sent as a
// number or as a numeric string, both of which the relay accepts.
type scoreMessage struct {
	Name  string `json:"name"`
	Score any    `json:"score"`
}

var playerNames = []string{
	"Phoenix", "Shadow", "Thunder", "Storm", "Blaze", "Ninja", "Dragon", "Wolf", "Hawk", "Viper",
	"Ghost", "Titan", "Frost", "Cyber", "Nova", "Raven", "Omega", "Alpha", "Delta", "Sigma",
}

func playerName(idx int) string {
	base := playerNames[idx%len(playerNames)]
	if idx < len(playerNames) {
		return base
	}
	return fmt.Sprintf("%s%d", base, idx/len(playerNames)+1)
}

func main() {
	brokers := flag.String("brokers", "localhost:9092", "Kafka brokers (comma-separated)")
	topic := flag.String("topic", "leaderboard-scores", "Kafka topic")
	totalPlayers := flag.Int("players", 20, "Number of distinct player names")
	updatesPerSecond := flag.Int("rate", 5, "Updates per second")
	duration := flag.Duration("duration", 0, "Duration to run (0 = forever)")
	flag.Parse()

	if *totalPlayers <= 0 || *updatesPerSecond <= 0 {
		log.Fatal("players and rate must be positive")
	}

	brokerList := strings.Split(*brokers, ",")
	fmt.Printf("Producing to %s on %s: %d players, %d updates/sec\n", *topic, *brokers, *totalPlayers, *updatesPerSecond)

	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Flush.Frequency = 100 * time.Millisecond
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(brokerList, config)
	if err != nil {
		log.Fatalf("Failed to create producer: %v", err)
	}

	var successCount, errorCount int64
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for range producer.Successes() {
			atomic.AddInt64(&successCount, 1)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for err := range producer.Errors() {
			atomic.AddInt64(&errorCount, 1)
			log.Printf("Producer error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	shutdown := func(reason string) {
		fmt.Printf("\n%s, shutting down...\n", reason)
		producer.AsyncClose()
		wg.Wait()
		fmt.Printf("Completed. Sent: %d, Errors: %d\n", atomic.LoadInt64(&successCount), atomic.LoadInt64(&errorCount))
	}

	ticker := time.NewTicker(time.Second / time.Duration(*updatesPerSecond))
	defer ticker.Stop()

	statsTicker := time.NewTicker(5 * time.Second)
	defer statsTicker.Stop()

	var endTime time.Time
	if *duration > 0 {
		endTime = time.Now().Add(*duration)
	}

	var updateCount int64
	for {
		select {
		case <-sigChan:
			shutdown("Interrupted")
			return

		case <-ticker.C:
			if *duration > 0 && time.Now().After(endTime) {
				shutdown("Duration reached")
				return
			}

			msg := scoreMessage{Name: playerName(rand.Intn(*totalPlayers))}
			score := rand.Intn(1000)
			if rand.Intn(2) == 0 {
				msg.Score = strconv.Itoa(score)
			} else {
				msg.Score = score
			}

			data, err := json.Marshal(msg)
			if err != nil {
				log.Printf("Failed to marshal message: %v", err)
				continue
			}

			producer.Input() <- &sarama.ProducerMessage{
				Topic: *topic,
				Key:   sarama.StringEncoder(strings.ToLower(msg.Name)),
				Value: sarama.ByteEncoder(data),
			}
			updateCount++

		case <-statsTicker.C:
			fmt.Printf("[%s] Updates: %d | Sent: %d | Errors: %d\n",
				time.Now().Format("15:04:05"),
				updateCount,
				atomic.LoadInt64(&successCount),
				atomic.LoadInt64(&errorCount),
			)
		}
	}
}
