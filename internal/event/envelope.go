package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope wraps an Event with transport metadata. It is the unit that
// flows through the bus broadcast channel, the recent-events ring, the
// offline queue, and the cloud/local WebSocket wire protocol.
type Envelope struct {
	ID        uuid.UUID
	Timestamp time.Time
	ClientID  string
	Event     Event
}

// wireEnvelope is the on-the-wire shape fixed by the cloud WebSocket
// protocol: {"type":"event","id":...,"timestamp":...,"client_id":...,"event":{...}}.
type wireEnvelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Timestamp string          `json:"timestamp"`
	ClientID  string          `json:"client_id"`
	Event     json.RawMessage `json:"event"`
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	payload, err := marshalEvent(e.Event)
	if err != nil {
		return nil, fmt.Errorf("event: marshal envelope %s: %w", e.ID, err)
	}
	return json.Marshal(wireEnvelope{
		Type:      "event",
		ID:        e.ID.String(),
		Timestamp: e.Timestamp.Format(time.RFC3339Nano),
		ClientID:  e.ClientID,
		Event:     payload,
	})
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("event: unmarshal envelope: %w", err)
	}
	id, err := uuid.Parse(w.ID)
	if err != nil {
		return fmt.Errorf("event: invalid envelope id %q: %w", w.ID, err)
	}
	ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
	if err != nil {
		return fmt.Errorf("event: invalid envelope timestamp %q: %w", w.Timestamp, err)
	}
	ev, err := unmarshalEvent(w.Event)
	if err != nil {
		return fmt.Errorf("event: unmarshal envelope event: %w", err)
	}
	e.ID = id
	e.Timestamp = ts
	e.ClientID = w.ClientID
	e.Event = ev
	return nil
}

func encodeDuration(d *time.Duration) *float64 {
	if d == nil {
		return nil
	}
	s := d.Seconds()
	return &s
}

func decodeDuration(s *float64) *time.Duration {
	if s == nil {
		return nil
	}
	d := time.Duration(*s * float64(time.Second))
	return &d
}

func marshalEvent(ev Event) (json.RawMessage, error) {
	switch v := ev.(type) {
	case UserArm:
		return json.Marshal(struct {
			Type      Kind    `json:"type"`
			Origin    Origin  `json:"origin"`
			ExitDelay *float64 `json:"exit_delay_s,omitempty"`
		}{KindUserArm, v.Origin, encodeDuration(v.ExitDelay)})
	case UserDisarm:
		return json.Marshal(struct {
			Type      Kind     `json:"type"`
			Origin    Origin   `json:"origin"`
			AutoRearm *float64 `json:"auto_rearm_s,omitempty"`
		}{KindUserDisarm, v.Origin, encodeDuration(v.AutoRearm)})
	case DoorOpen:
		return json.Marshal(struct {
			Type Kind `json:"type"`
		}{KindDoorOpen})
	case DoorClose:
		return json.Marshal(struct {
			Type Kind `json:"type"`
		}{KindDoorClose})
	case TimerExitExpired:
		return json.Marshal(struct {
			Type       Kind   `json:"type"`
			Generation uint64 `json:"generation"`
		}{KindTimerExitExpired, v.Generation})
	case TimerEntryExpired:
		return json.Marshal(struct {
			Type       Kind   `json:"type"`
			Generation uint64 `json:"generation"`
		}{KindTimerEntryExpired, v.Generation})
	case TimerAutoRearmExpired:
		return json.Marshal(struct {
			Type       Kind   `json:"type"`
			Generation uint64 `json:"generation"`
		}{KindTimerAutoRearmExpired, v.Generation})
	case TimerSirenExpired:
		return json.Marshal(struct {
			Type       Kind   `json:"type"`
			Generation uint64 `json:"generation"`
		}{KindTimerSirenExpired, v.Generation})
	case ConnectivityOnline:
		return json.Marshal(struct {
			Type Kind `json:"type"`
		}{KindConnectivityOnline})
	case ConnectivityOffline:
		return json.Marshal(struct {
			Type Kind `json:"type"`
		}{KindConnectivityOffline})
	case SirenControl:
		return json.Marshal(struct {
			Type     Kind     `json:"type"`
			On       bool     `json:"on"`
			Duration *float64 `json:"duration_s,omitempty"`
		}{KindSirenControl, v.On, encodeDuration(v.Duration)})
	case FloodlightControl:
		return json.Marshal(struct {
			Type     Kind     `json:"type"`
			On       bool     `json:"on"`
			Duration *float64 `json:"duration_s,omitempty"`
		}{KindFloodlightControl, v.On, encodeDuration(v.Duration)})
	case RfCodeReceived:
		return json.Marshal(struct {
			Type Kind   `json:"type"`
			Code string `json:"code"`
		}{KindRfCodeReceived, v.Code})
	default:
		return nil, fmt.Errorf("event: unknown event type %T", ev)
	}
}

func unmarshalEvent(raw json.RawMessage) (Event, error) {
	var head struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, err
	}
	switch head.Type {
	case KindUserArm:
		var v struct {
			Origin    Origin   `json:"origin"`
			ExitDelay *float64 `json:"exit_delay_s"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return UserArm{Origin: v.Origin, ExitDelay: decodeDuration(v.ExitDelay)}, nil
	case KindUserDisarm:
		var v struct {
			Origin    Origin   `json:"origin"`
			AutoRearm *float64 `json:"auto_rearm_s"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return UserDisarm{Origin: v.Origin, AutoRearm: decodeDuration(v.AutoRearm)}, nil
	case KindDoorOpen:
		return DoorOpen{}, nil
	case KindDoorClose:
		return DoorClose{}, nil
	case KindTimerExitExpired:
		var v struct {
			Generation uint64 `json:"generation"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return TimerExitExpired{Generation: v.Generation}, nil
	case KindTimerEntryExpired:
		var v struct {
			Generation uint64 `json:"generation"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return TimerEntryExpired{Generation: v.Generation}, nil
	case KindTimerAutoRearmExpired:
		var v struct {
			Generation uint64 `json:"generation"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return TimerAutoRearmExpired{Generation: v.Generation}, nil
	case KindTimerSirenExpired:
		var v struct {
			Generation uint64 `json:"generation"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return TimerSirenExpired{Generation: v.Generation}, nil
	case KindConnectivityOnline:
		return ConnectivityOnline{}, nil
	case KindConnectivityOffline:
		return ConnectivityOffline{}, nil
	case KindSirenControl:
		var v struct {
			On       bool     `json:"on"`
			Duration *float64 `json:"duration_s"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return SirenControl{On: v.On, Duration: decodeDuration(v.Duration)}, nil
	case KindFloodlightControl:
		var v struct {
			On       bool     `json:"on"`
			Duration *float64 `json:"duration_s"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return FloodlightControl{On: v.On, Duration: decodeDuration(v.Duration)}, nil
	case KindRfCodeReceived:
		var v struct {
			Code string `json:"code"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return RfCodeReceived{Code: v.Code}, nil
	default:
		return nil, fmt.Errorf("event: unknown event type %q", head.Type)
	}
}
