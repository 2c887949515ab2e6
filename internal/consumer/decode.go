package consumer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/urbanevents/metricas/internal/domain"
)

// metadata is the envelope every upstream event carries.
type metadata struct {
	EventID       string `json:"eventId"`
	EventType     string `json:"eventType"`
	SourceService string `json:"sourceService"`
}

// peekMetadata extracts the envelope for log fields. Malformed envelopes yield
// zero values.
func peekMetadata(data []byte) metadata {
	var envelope struct {
		Metadata metadata `json:"metadata"`
	}
	_ = json.Unmarshal(data, &envelope)
	return envelope.Metadata
}

// instant accepts RFC 3339 strings and epoch seconds with an optional fraction.
type instant struct {
	time.Time
}

func (i *instant) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		var raw string
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		if strings.TrimSpace(raw) == "" {
			return nil
		}
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return fmt.Errorf("parse instant %q: %w", raw, err)
		}
		i.Time = t.UTC()
		return nil
	}
	seconds, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("parse epoch instant %s: %w", data, err)
	}
	whole, frac := math.Modf(seconds)
	i.Time = time.Unix(int64(whole), int64(math.Round(frac*1e9))).UTC()
	return nil
}

type createdPayload struct {
	IncidentID *int64  `json:"incidenciaId"`
	Type       string  `json:"tipo"`
	CreatedAt  instant `json:"creadaEn"`
}

type prioritizedPayload struct {
	IncidentID    *int64  `json:"incidenciaId"`
	Priority      string  `json:"prioridad"`
	PrioritizedAt instant `json:"priorizadaEn"`
}

type notifiedPayload struct {
	IncidentID *int64  `json:"incidenciaId"`
	Channel    string  `json:"canal"`
	NotifiedAt instant `json:"notificadaEn"`
}

type changedPayload struct {
	IncidentID *int64  `json:"incidenciaId"`
	NewState   string  `json:"nuevoEstado"`
	ChangedAt  instant `json:"cambiadoEn"`
}

var errMissingIncidentID = errors.New("incidenciaId required")

// DecodeCreated parses an incidencias.creadas payload.
func DecodeCreated(data []byte) (domain.IncidentCreated, error) {
	var p createdPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return domain.IncidentCreated{}, err
	}
	if p.IncidentID == nil {
		return domain.IncidentCreated{}, errMissingIncidentID
	}
	if strings.TrimSpace(p.Type) == "" {
		return domain.IncidentCreated{}, errors.New("tipo required")
	}
	return domain.IncidentCreated{IncidentID: *p.IncidentID, Type: p.Type, CreatedAt: p.CreatedAt.Time}, nil
}

// DecodePrioritized parses an incidencias.priorizadas payload.
func DecodePrioritized(data []byte) (domain.IncidentPrioritized, error) {
	var p prioritizedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return domain.IncidentPrioritized{}, err
	}
	if p.IncidentID == nil {
		return domain.IncidentPrioritized{}, errMissingIncidentID
	}
	if strings.TrimSpace(p.Priority) == "" {
		return domain.IncidentPrioritized{}, errors.New("prioridad required")
	}
	return domain.IncidentPrioritized{IncidentID: *p.IncidentID, Priority: p.Priority, PrioritizedAt: p.PrioritizedAt.Time}, nil
}

// DecodeNotified parses an incidencias.notificadas payload.
func DecodeNotified(data []byte) (domain.IncidentNotified, error) {
	var p notifiedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return domain.IncidentNotified{}, err
	}
	if p.IncidentID == nil {
		return domain.IncidentNotified{}, errMissingIncidentID
	}
	return domain.IncidentNotified{IncidentID: *p.IncidentID, Channel: p.Channel, NotifiedAt: p.NotifiedAt.Time}, nil
}

// DecodeChanged parses an incidencias.modificadas payload. An empty state label
// is accepted and classifies as pending.
func DecodeChanged(data []byte) (domain.IncidentChanged, error) {
	var p changedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return domain.IncidentChanged{}, err
	}
	if p.IncidentID == nil {
		return domain.IncidentChanged{}, errMissingIncidentID
	}
	return domain.IncidentChanged{IncidentID: *p.IncidentID, NewState: p.NewState, ChangedAt: p.ChangedAt.Time}, nil
}
