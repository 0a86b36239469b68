package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"scanbridge/go-scan-server/internal/model"
	"scanbridge/go-scan-server/internal/mqttbroker"
)

const (
	sourceMQTT = "mqtt"
	sourceHTTP = "http"

	maxCodeLength = 4096
)

var errMissingCode = errors.New("scan code is required")

// scanTopicSession extracts the session id from scanners/<sessionId>/scans.
func scanTopicSession(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "scanners" || parts[2] != "scans" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func eventTopic(sessionID string) string {
	return "sessions/" + sessionID + "/events"
}

func (a *App) handleMQTTPublish(ctx context.Context, msg mqttbroker.Message) {
	sessionID, ok := scanTopicSession(msg.Topic)
	if !ok {
		// event fan-out and unrelated topics are left to the broker
		return
	}

	in, err := decodeScanPayload(msg.Payload)
	if err != nil {
		a.logger.Warn("scan payload decode failed", "topic", msg.Topic, "client", msg.ClientID, "error", err)
		a.recordIngestionError(ctx, sourceMQTT, msg.Payload, err)
		return
	}

	if _, err := a.ingestScan(sessionID, in); err != nil {
		a.logger.Warn("scan rejected", "topic", msg.Topic, "client", msg.ClientID, "error", err)
		a.recordIngestionError(ctx, sourceMQTT, msg.Payload, err)
	}
}

// decodeScanPayload accepts either a JSON ScanInput or the bare scanned text.
func decodeScanPayload(payload []byte) (model.ScanInput, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return model.ScanInput{}, errMissingCode
	}
	if trimmed[0] != '{' {
		return model.ScanInput{Code: string(trimmed)}, nil
	}

	var in model.ScanInput
	if err := json.Unmarshal(trimmed, &in); err != nil {
		return model.ScanInput{}, fmt.Errorf("decode payload: %w", err)
	}
	return in, nil
}

// ingestScan validates a scan, stores it and announces it to subscribers.
func (a *App) ingestScan(sessionID string, in model.ScanInput) (model.ScanData, error) {
	if strings.TrimSpace(in.Code) == "" {
		return model.ScanData{}, errMissingCode
	}
	if len(in.Code) > maxCodeLength {
		return model.ScanData{}, fmt.Errorf("scan code exceeds %d bytes", maxCodeLength)
	}
	if in.ScanTimestamp < 0 {
		return model.ScanData{}, fmt.Errorf("invalid scan_timestamp %d", in.ScanTimestamp)
	}

	scan, err := a.registry.Insert(sessionID, in)
	if err != nil {
		return model.ScanData{}, err
	}

	a.logger.Info("ingested scan", "session", scan.SessionID, "id", scan.ID)
	a.publishEvent(model.SessionEvent{Type: model.EventScanNew, SessionID: scan.SessionID, Scan: &scan})
	return scan, nil
}

func (a *App) handleExpired(ids []string) {
	for _, id := range ids {
		a.publishEvent(model.SessionEvent{Type: model.EventSessionExpired, SessionID: id})
	}
	a.logger.Info("expired idle sessions", "count", len(ids), "ttl", a.SessionTTL())
}

func (a *App) publishEvent(ev model.SessionEvent) {
	if a.events == nil {
		return
	}
	if ev.At == "" {
		ev.At = time.Now().UTC().Format(time.RFC3339Nano)
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		a.logger.Error("encode session event", "type", ev.Type, "error", err)
		return
	}

	if err := a.events.Publish(eventTopic(ev.SessionID), payload); err != nil {
		a.logger.Warn("publish session event", "session", ev.SessionID, "type", ev.Type, "error", err)
	}
}

func (a *App) recordIngestionError(ctx context.Context, source string, payload []byte, cause error) {
	if a.store == nil {
		return
	}

	recCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	entry := model.IngestionError{
		Source:  source,
		Payload: truncateString(string(payload), 4096),
		Error:   cause.Error(),
	}

	if err := a.store.InsertIngestionError(recCtx, entry); err != nil {
		a.logger.Error("failed to persist ingestion error", "error", err)
	}
}

func truncateString(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
