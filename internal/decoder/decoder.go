// Package decoder turns an opaque client payload into typed telemetry events.
package decoder

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const schemaURL = "kestrel://events.schema.json"

// eventsSchema describes the structural contract of a decoded batch.
// Kind-specific fields are checked when each event is built. Timestamps are
// bounded to the exactly representable integer range so that the int64
// conversion is always defined.
const eventsSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "array",
  "items": {
    "type": "object",
    "required": ["type", "timestamp"],
    "properties": {
      "type": {"type": "string", "minLength": 1},
      "timestamp": {"type": "number", "minimum": -9007199254740991, "maximum": 9007199254740991},
      "keyCode": {"type": ["integer", "null"]},
      "x": {"type": ["number", "null"]},
      "y": {"type": ["number", "null"]},
      "z": {"type": ["number", "null"]},
      "speed": {"type": ["number", "null"]},
      "swipeSpeed": {"type": ["number", "null"]}
    }
  }
}`

var (
	ErrEncoding = errors.New("payload is not valid base64")
	ErrSyntax   = errors.New("payload is not a JSON event array")
	ErrSchema   = errors.New("payload does not match event schema")
)

var batchSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, strings.NewReader(eventsSchema)); err != nil {
		panic(fmt.Sprintf("add event schema: %v", err))
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		panic(fmt.Sprintf("compile event schema: %v", err))
	}
	return schema
}

// wireEvent is the JSON shape emitted by the browser and mobile collectors.
type wireEvent struct {
	Type       string   `json:"type"`
	Timestamp  float64  `json:"timestamp"`
	KeyCode    *int     `json:"keyCode,omitempty"`
	X          *float64 `json:"x,omitempty"`
	Y          *float64 `json:"y,omitempty"`
	Z          *float64 `json:"z,omitempty"`
	Speed      *float64 `json:"speed,omitempty"`
	SwipeSpeed *float64 `json:"swipeSpeed,omitempty"`
}

var kindAliases = map[string]domain.EventKind{
	"key_down":      domain.KindKeyDown,
	"keydown":       domain.KindKeyDown,
	"key_up":        domain.KindKeyUp,
	"keyup":         domain.KindKeyUp,
	"pointer_move":  domain.KindPointerMove,
	"mousemove":     domain.KindPointerMove,
	"pointer_click": domain.KindPointerClick,
	"click":         domain.KindPointerClick,
	"swipe":         domain.KindSwipe,
	"touchmove":     domain.KindSwipe,
	"gyroscope":     domain.KindGyroscope,
	"gyro":          domain.KindGyroscope,
	"accelerometer": domain.KindAccelerometer,
	"accel":         domain.KindAccelerometer,
}

// Decode returns the events in payload, or an empty slice when the payload
// cannot be decoded. It never fails: an undecodable batch simply yields no
// features downstream.
func Decode(payload string) []domain.RawEvent {
	events, err := DecodeStrict(payload)
	if err != nil {
		slog.Warn("failed to decode behavioral payload",
			"error", err,
			"payload_bytes", len(payload),
		)
		return []domain.RawEvent{}
	}
	return events
}

// DecodeStrict is Decode with the failure cause exposed.
func DecodeStrict(payload string) ([]domain.RawEvent, error) {
	raw, err := decodeBase64(strings.TrimSpace(payload))
	if err != nil {
		return nil, err
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	if err := batchSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}

	var wire []wireEvent
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
	}

	events := make([]domain.RawEvent, 0, len(wire))
	for i, w := range wire {
		ev, ok := w.toEvent()
		if !ok {
			slog.Debug("dropping malformed event", "index", i, "type", w.Type)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func decodeBase64(s string) ([]byte, error) {
	if s == "" {
		return nil, ErrEncoding
	}
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, ErrEncoding
}

func (w wireEvent) toEvent() (domain.RawEvent, bool) {
	kind, ok := kindAliases[strings.ToLower(w.Type)]
	if !ok {
		return domain.RawEvent{}, false
	}

	ev := domain.RawEvent{Kind: kind, Timestamp: int64(w.Timestamp)}
	switch {
	case kind.IsKey():
		if w.KeyCode == nil {
			return domain.RawEvent{}, false
		}
		ev.Key = &domain.KeyData{KeyCode: *w.KeyCode}
	case kind.IsPointer():
		ev.Pointer = &domain.PointerData{X: w.X, Y: w.Y}
	case kind == domain.KindSwipe:
		speed := w.Speed
		if speed == nil {
			speed = w.SwipeSpeed
		}
		if speed == nil {
			return domain.RawEvent{}, false
		}
		ev.Swipe = &domain.SwipeData{Speed: *speed}
	default:
		ev.Motion = &domain.MotionData{X: w.X, Y: w.Y, Z: w.Z}
	}
	return ev, true
}

// Encode serializes events into the collector wire format.
func Encode(events []domain.RawEvent) (string, error) {
	wire := make([]wireEvent, 0, len(events))
	for _, ev := range events {
		w := wireEvent{Type: string(ev.Kind), Timestamp: float64(ev.Timestamp)}
		switch {
		case ev.Key != nil:
			code := ev.Key.KeyCode
			w.KeyCode = &code
		case ev.Pointer != nil:
			w.X, w.Y = ev.Pointer.X, ev.Pointer.Y
		case ev.Swipe != nil:
			speed := ev.Swipe.Speed
			w.Speed = &speed
		case ev.Motion != nil:
			w.X, w.Y, w.Z = ev.Motion.X, ev.Motion.Y, ev.Motion.Z
		}
		wire = append(wire, w)
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(wire); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(bytes.TrimSpace(buf.Bytes())), nil
}
