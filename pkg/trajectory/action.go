package trajectory

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/droidlab/droidlab/pkg/util"
)

// Kind tags the variant of a normalized Action.
type Kind string

const (
	KindClick          Kind = "click"
	KindDoubleTap      Kind = "double_tap"
	KindLongPress      Kind = "long_press"
	KindInputText      Kind = "input_text"
	KindNavigateBack   Kind = "navigate_back"
	KindNavigateHome   Kind = "navigate_home"
	KindKeyboardEnter  Kind = "keyboard_enter"
	KindScroll         Kind = "scroll"
	KindSwipe          Kind = "swipe"
	KindSwipeRaw       Kind = "swipe_raw"
	KindOpenApp        Kind = "open_app"
	KindAnswer         Kind = "answer"
	KindWait           Kind = "wait"
	KindKeycode        Kind = "keycode"
	KindScreenshot     Kind = "screenshot"
)

// Action is the normalized tagged-sum representation every input shape
// (typed record, JSON object, JSON string, terse DSL string) is parsed into.
type Action struct {
	Kind Kind `json:"kind"`

	X int `json:"x,omitempty"`
	Y int `json:"y,omitempty"`

	Text string `json:"text,omitempty"`

	Direction string `json:"direction,omitempty"`

	AppName string `json:"app_name,omitempty"`

	Duration float64 `json:"duration,omitempty"`

	Code string `json:"code,omitempty"`

	X1 int `json:"x1,omitempty"`
	Y1 int `json:"y1,omitempty"`
	X2 int `json:"x2,omitempty"`
	Y2 int `json:"y2,omitempty"`

	SwipeDuration time.Duration `json:"-"`
}

// keycodeMap translates friendly key names to Android keycode constants.
// Unknown names pass through verbatim (upper-cased is NOT forced — the
// device-bridge accepts raw KEYCODE_* strings).
var keycodeMap = map[string]string{
	"back":         "KEYCODE_BACK",
	"home":         "KEYCODE_HOME",
	"menu":         "KEYCODE_MENU",
	"power":        "KEYCODE_POWER",
	"enter":        "KEYCODE_ENTER",
	"delete":       "KEYCODE_DEL",
	"recents":      "KEYCODE_APP_SWITCH",
	"volume_up":    "KEYCODE_VOLUME_UP",
	"volume_down":  "KEYCODE_VOLUME_DOWN",
}

func mapKeycode(name string) string {
	overridesMu.RLock()
	defer overridesMu.RUnlock()
	if code, ok := keycodeMap[strings.ToLower(name)]; ok {
		return code
	}
	return name
}

// ParseAction normalizes one of: *Action, map[string]interface{} (JSON
// object), string (JSON-encoded object or terse DSL), into a validated
// Action. Any shape the spec does not recognize yields InvalidAction.
func ParseAction(input interface{}) (*Action, error) {
	switch v := input.(type) {
	case *Action:
		return validateAction(v)
	case Action:
		return validateAction(&v)
	case map[string]interface{}:
		return parseActionMap(v)
	case string:
		return parseActionString(v)
	default:
		return nil, util.NewInvalidAction(fmt.Sprintf("unsupported action input type %T", input))
	}
}

func parseActionMap(m map[string]interface{}) (*Action, error) {
	kind, _ := m["action_type"].(string)
	if kind == "" {
		kind, _ = m["kind"].(string)
	}
	if kind == "" {
		return nil, util.NewInvalidAction("action object missing action_type/kind")
	}

	a := &Action{Kind: Kind(kind)}
	if x, ok := toInt(m["x"]); ok {
		a.X = x
	}
	if y, ok := toInt(m["y"]); ok {
		a.Y = y
	}
	if s, ok := m["text"].(string); ok {
		a.Text = s
	}
	if s, ok := m["direction"].(string); ok {
		a.Direction = s
	}
	if s, ok := m["app_name"].(string); ok {
		a.AppName = s
	}
	if s, ok := m["code"].(string); ok {
		a.Code = s
	}
	if x1, ok := toInt(m["x1"]); ok {
		a.X1 = x1
	}
	if y1, ok := toInt(m["y1"]); ok {
		a.Y1 = y1
	}
	if x2, ok := toInt(m["x2"]); ok {
		a.X2 = x2
	}
	if y2, ok := toInt(m["y2"]); ok {
		a.Y2 = y2
	}
	switch d := m["duration"].(type) {
	case float64:
		a.Duration = d
	case string:
		if f, err := strconv.ParseFloat(d, 64); err == nil {
			a.Duration = f
		}
	}
	switch d := m["swipe_duration_ms"].(type) {
	case float64:
		a.SwipeDuration = time.Duration(d) * time.Millisecond
	case string:
		if f, err := strconv.ParseFloat(d, 64); err == nil {
			a.SwipeDuration = time.Duration(f) * time.Millisecond
		}
	}

	return validateAction(a)
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	default:
		return 0, false
	}
}

// parseActionString handles terse DSL strings and JSON-encoded objects
// wrapped in braces, per §4.4 of the action translation contract.
func parseActionString(s string) (*Action, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, util.NewInvalidAction("empty action string")
	}

	if strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}") {
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			return nil, util.NewInvalidAction(fmt.Sprintf("invalid action JSON: %v", err))
		}
		return parseActionMap(m)
	}

	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil, util.NewInvalidAction("empty action string")
	}

	verb := strings.ToLower(fields[0])
	rest := fields[1:]

	switch verb {
	case "click":
		return parseXYVerb(KindClick, rest)
	case "double_tap":
		return parseXYVerb(KindDoubleTap, rest)
	case "long_press":
		return parseXYVerb(KindLongPress, rest)
	case "text":
		text := strings.TrimSpace(strings.TrimPrefix(s, fields[0]))
		text = strings.Trim(text, "\"")
		return validateAction(&Action{Kind: KindInputText, Text: text})
	case "swipe":
		return parseSwipe(rest)
	case "key":
		if len(rest) == 0 {
			return nil, util.NewInvalidAction("key requires a name")
		}
		name := strings.ToLower(rest[0])
		switch name {
		case "back":
			return validateAction(&Action{Kind: KindNavigateBack})
		case "home":
			return validateAction(&Action{Kind: KindNavigateHome})
		case "enter":
			return validateAction(&Action{Kind: KindKeyboardEnter})
		default:
			return validateAction(&Action{Kind: KindKeycode, Code: mapKeycode(rest[0])})
		}
	case "screenshot":
		return validateAction(&Action{Kind: KindScreenshot})
	case "wait":
		dur := 1.0
		if len(rest) > 0 {
			if f, err := strconv.ParseFloat(rest[0], 64); err == nil {
				dur = f
			}
		}
		return validateAction(&Action{Kind: KindWait, Duration: dur})
	case "open_app":
		if len(rest) == 0 {
			return nil, util.NewInvalidAction("open_app requires an app name")
		}
		return validateAction(&Action{Kind: KindOpenApp, AppName: strings.Join(rest, " ")})
	case "answer":
		return validateAction(&Action{Kind: KindAnswer})
	default:
		return nil, util.NewInvalidAction(fmt.Sprintf("unrecognized action verb %q", verb))
	}
}

func parseXYVerb(kind Kind, rest []string) (*Action, error) {
	if len(rest) < 2 {
		return nil, util.NewInvalidAction(fmt.Sprintf("%s requires x y", kind))
	}
	x, err1 := strconv.Atoi(rest[0])
	y, err2 := strconv.Atoi(rest[1])
	if err1 != nil || err2 != nil {
		return nil, util.NewInvalidAction(fmt.Sprintf("%s requires integer x y", kind))
	}
	return validateAction(&Action{Kind: kind, X: x, Y: y})
}

// parseSwipe handles `swipe x1 y1 x2 y2 [dur]`, deriving the directional
// swipe per Testable Property 6: horizontal wins only when |dx|>|dy|;
// ties resolve toward the vertical axis.
func parseSwipe(rest []string) (*Action, error) {
	if len(rest) < 4 {
		return nil, util.NewInvalidAction("swipe requires x1 y1 x2 y2")
	}
	var coords [4]int
	for i := 0; i < 4; i++ {
		n, err := strconv.Atoi(rest[i])
		if err != nil {
			return nil, util.NewInvalidAction("swipe requires integer coordinates")
		}
		coords[i] = n
	}
	x1, y1, x2, y2 := coords[0], coords[1], coords[2], coords[3]

	durMs := 300
	if len(rest) >= 5 {
		if d, err := strconv.Atoi(rest[4]); err == nil {
			durMs = d
		}
	}

	dx := x2 - x1
	dy := y2 - y1

	var direction string
	absDx, absDy := abs(dx), abs(dy)
	if absDx > absDy {
		if dx > 0 {
			direction = "right"
		} else {
			direction = "left"
		}
	} else {
		if dy > 0 {
			direction = "down"
		} else {
			direction = "up"
		}
	}

	return validateAction(&Action{
		Kind:          KindSwipe,
		Direction:     direction,
		X1:            x1,
		Y1:            y1,
		X2:            x2,
		Y2:            y2,
		SwipeDuration: time.Duration(durMs) * time.Millisecond,
	})
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// validateAction enforces the per-kind field constraints of §4.4, rejecting
// with InvalidAction before any device-control command is ever issued.
func validateAction(a *Action) (*Action, error) {
	switch a.Kind {
	case KindClick, KindDoubleTap, KindLongPress:
		// x, y are always present as ints (zero value is a legal screen coordinate).
		return a, nil
	case KindInputText:
		return a, nil // blank text allowed
	case KindScroll, KindSwipe:
		switch a.Direction {
		case "up", "down", "left", "right":
			return a, nil
		default:
			return nil, util.NewInvalidAction(fmt.Sprintf("%s requires direction in {up,down,left,right}", a.Kind))
		}
	case KindSwipeRaw:
		return a, nil
	case KindOpenApp:
		if a.AppName == "" {
			return nil, util.NewInvalidAction("open_app requires a non-empty app_name")
		}
		return a, nil
	case KindWait:
		if a.Duration <= 0 {
			a.Duration = 1.0
		}
		return a, nil
	case KindKeycode:
		if a.Code == "" {
			return nil, util.NewInvalidAction("keycode requires a non-empty code")
		}
		return a, nil
	case KindNavigateBack, KindNavigateHome, KindKeyboardEnter, KindAnswer, KindScreenshot:
		return a, nil
	default:
		return nil, util.NewInvalidAction(fmt.Sprintf("unknown action kind %q", a.Kind))
	}
}

// Normalize re-parses an already-normalized Action, which must be a no-op:
// translate(translate(a)) = translate(a) (Testable Property 5).
func Normalize(a *Action) (*Action, error) {
	return ParseAction(a)
}
