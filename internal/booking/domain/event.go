package domain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// DomainEvent es un hecho inmutable de la historia de un agregado.
// Cada evento encadena el hash de su predecesor.
type DomainEvent struct {
	ID            uuid.UUID       `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     string          `json:"event_type"`
	Version       int             `json:"version"`
	Payload       json.RawMessage `json:"payload"`
	HashPrevious  string          `json:"hash_previous"`
	HashCurrent   string          `json:"hash_current"`
	CreatedAt     time.Time       `json:"created_at"`
}

// CanonicalJSON reescribe un documento JSON con las claves de objeto ordenadas
// y sin espacios. Los números se conservan tal cual llegaron.
func CanonicalJSON(raw []byte) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return []byte("null"), nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonical json: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("canonical json: trailing data")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canonical json: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// ComputeEventHash = hex(SHA-256(prev ‖ payload ‖ version)).
// payload debe venir ya en forma canónica.
func ComputeEventHash(prev string, payload []byte, version int) string {
	h := sha256.New()
	h.Write([]byte(prev))
	h.Write(payload)
	h.Write([]byte(strconv.Itoa(version)))
	return hex.EncodeToString(h.Sum(nil))
}

// NewDomainEvent canonicaliza el payload y sella el evento contra su predecesor.
func NewDomainEvent(aggregateID, aggregateType, eventType string, version int, payload []byte, prevHash string, now time.Time) (DomainEvent, error) {
	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return DomainEvent{}, err
	}
	return DomainEvent{
		ID:            uuid.New(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		Version:       version,
		Payload:       canonical,
		HashPrevious:  prevHash,
		HashCurrent:   ComputeEventHash(prevHash, canonical, version),
		CreatedAt:     now.UTC(),
	}, nil
}

// ChainReport es el resultado de auditar la cadena de un agregado.
type ChainReport struct {
	AggregateID    string `json:"aggregate_id"`
	Events         int    `json:"events"`
	Valid          bool   `json:"valid"`
	BrokenVersions []int  `json:"broken_versions,omitempty"`
	HeadHash       string `json:"head_hash,omitempty"`
}

// VerifyChain recorre los eventos (ordenados por versión) recalculando cada
// hash a partir del predecesor recalculado. Si se altera el evento k, quedan
// marcados k y todos los posteriores.
func VerifyChain(aggregateID string, events []DomainEvent) ChainReport {
	report := ChainReport{AggregateID: aggregateID, Events: len(events), Valid: true}

	prev := ""
	for i, evt := range events {
		recomputed := ComputeEventHash(prev, evt.Payload, evt.Version)
		if evt.Version != i+1 || evt.HashPrevious != prev || evt.HashCurrent != recomputed {
			report.Valid = false
			report.BrokenVersions = append(report.BrokenVersions, evt.Version)
		}
		prev = recomputed
	}

	if len(events) > 0 {
		report.HeadHash = events[len(events)-1].HashCurrent
	}
	return report
}
