package domain

// EventKind identifies the variant carried by a RawEvent.
type EventKind string

const (
	KindKeyDown       EventKind = "key_down"
	KindKeyUp         EventKind = "key_up"
	KindPointerMove   EventKind = "pointer_move"
	KindPointerClick  EventKind = "pointer_click"
	KindSwipe         EventKind = "swipe"
	KindGyroscope     EventKind = "gyroscope"
	KindAccelerometer EventKind = "accelerometer"
)

// IsKey reports whether the kind is a keyboard event.
func (k EventKind) IsKey() bool {
	return k == KindKeyDown || k == KindKeyUp
}

// IsPointer reports whether the kind is a pointer event.
func (k EventKind) IsPointer() bool {
	return k == KindPointerMove || k == KindPointerClick
}

// RawEvent is one decoded telemetry sample. Exactly one of the payload
// fields is set, matching Kind.
type RawEvent struct {
	Kind      EventKind `json:"type"`
	Timestamp int64     `json:"timestamp"` // ms since epoch

	Key     *KeyData     `json:"key,omitempty"`
	Pointer *PointerData `json:"pointer,omitempty"`
	Swipe   *SwipeData   `json:"swipe,omitempty"`
	Motion  *MotionData  `json:"motion,omitempty"`
}

// KeyData is the payload of key_down and key_up events.
type KeyData struct {
	KeyCode int `json:"keyCode"`
}

// PointerData is the payload of pointer events. Coordinates are optional;
// a click reported without a position still counts as a click.
type PointerData struct {
	X *float64 `json:"x,omitempty"`
	Y *float64 `json:"y,omitempty"`
}

// HasPosition reports whether both coordinates are present.
func (p *PointerData) HasPosition() bool {
	return p != nil && p.X != nil && p.Y != nil
}

// SwipeData is the payload of touch swipe events.
type SwipeData struct {
	Speed float64 `json:"speed"`
}

// MotionData is the payload of gyroscope and accelerometer readings.
// An axis the device did not report is nil.
type MotionData struct {
	X *float64 `json:"x,omitempty"`
	Y *float64 `json:"y,omitempty"`
	Z *float64 `json:"z,omitempty"`
}

// KeyEvent builds a key_down or key_up event.
func KeyEvent(kind EventKind, keyCode int, ts int64) RawEvent {
	return RawEvent{Kind: kind, Timestamp: ts, Key: &KeyData{KeyCode: keyCode}}
}

// PointerEvent builds a pointer_move or pointer_click event at (x, y).
func PointerEvent(kind EventKind, x, y float64, ts int64) RawEvent {
	return RawEvent{Kind: kind, Timestamp: ts, Pointer: &PointerData{X: &x, Y: &y}}
}

// SwipeEvent builds a swipe event.
func SwipeEvent(speed float64, ts int64) RawEvent {
	return RawEvent{Kind: KindSwipe, Timestamp: ts, Swipe: &SwipeData{Speed: speed}}
}

// MotionEvent builds a gyroscope or accelerometer event with all three axes.
func MotionEvent(kind EventKind, x, y, z float64, ts int64) RawEvent {
	return RawEvent{Kind: kind, Timestamp: ts, Motion: &MotionData{X: &x, Y: &y, Z: &z}}
}
