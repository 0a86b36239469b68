package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

type scanPayload struct {
	Code          string `json:"code"`
	ScanTimestamp int64  `json:"scan_timestamp"`
}

func main() {
	brokerAddr := flag.String("broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	sessionID := flag.String("session", "", "Session to scan into (random when empty)")
	scanners := flag.Int("scanners", 1, "Number of concurrent simulated scanners")
	interval := flag.Duration("interval", 2*time.Second, "Interval between scans per scanner")
	codePrefix := flag.String("code-prefix", "QR", "Prefix of generated scan codes")
	watch := flag.Bool("watch", true, "Subscribe to the session's realtime events and log them")

	flag.Parse()

	if *scanners < 1 {
		log.Fatalf("scanners must be at least 1")
	}
	if *sessionID == "" {
		*sessionID = uuid.NewString()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *watch {
		watcher, err := connect(*brokerAddr, "watch-"+uuid.NewString())
		if err != nil {
			log.Fatalf("failed to connect watcher: %v", err)
		}
		defer watcher.Disconnect(250)

		topic := fmt.Sprintf("sessions/%s/events", *sessionID)
		token := watcher.Subscribe(topic, 0, func(_ mqtt.Client, m mqtt.Message) {
			log.Printf("event %s", m.Payload())
		})
		token.Wait()
		if err := token.Error(); err != nil {
			log.Fatalf("subscribe %s: %v", topic, err)
		}
	}

	log.Printf("scanning into session %s with %d scanner(s)", *sessionID, *scanners)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < *scanners; i++ {
		n := i + 1
		g.Go(func() error {
			return runScanner(gctx, *brokerAddr, *sessionID, fmt.Sprintf("%s-%d", *codePrefix, n), *interval)
		})
	}

	if err := g.Wait(); err != nil {
		log.Fatalf("scanner failed: %v", err)
	}
	log.Print("received shutdown signal, disconnected")
}

func connect(brokerAddr, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().AddBroker(brokerAddr).SetClientID(clientID)
	opts = opts.SetOrderMatters(false)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	return client, nil
}

func runScanner(ctx context.Context, brokerAddr, sessionID, codePrefix string, interval time.Duration) error {
	clientID := fmt.Sprintf("scanner-%s", uuid.NewString())
	client, err := connect(brokerAddr, clientID)
	if err != nil {
		return fmt.Errorf("connect %s: %w", clientID, err)
	}
	defer client.Disconnect(250)
	log.Printf("connected to MQTT broker %s as %s", brokerAddr, clientID)

	topic := fmt.Sprintf("scanners/%s/scans", sessionID)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	seq := 0
	publish := func() error {
		seq++
		payload := scanPayload{
			Code:          fmt.Sprintf("%s-%04d-%06d", codePrefix, seq, rand.Intn(1_000_000)),
			ScanTimestamp: time.Now().UnixMilli(),
		}

		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}

		token := client.Publish(topic, 0, false, data)
		token.Wait()
		if err := token.Error(); err != nil {
			log.Printf("publish error: %v", err)
			return nil
		}
		log.Printf("published %s code=%s", topic, payload.Code)
		return nil
	}

	if err := publish(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := publish(); err != nil {
				return err
			}
		}
	}
}
