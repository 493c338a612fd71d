package trajectory

import (
	"testing"

	"github.com/droidlab/droidlab/pkg/util"
)

func TestParseAction_TypedRecord(t *testing.T) {
	in := Action{Kind: KindClick, X: 10, Y: 20}
	a, err := ParseAction(in)
	if err != nil {
		t.Fatalf("ParseAction: %v", err)
	}
	if a.Kind != KindClick || a.X != 10 || a.Y != 20 {
		t.Errorf("got %+v", a)
	}
}

func TestParseAction_JSONObject(t *testing.T) {
	m := map[string]interface{}{"action_type": "click", "x": float64(5), "y": float64(6)}
	a, err := ParseAction(m)
	if err != nil {
		t.Fatalf("ParseAction: %v", err)
	}
	if a.X != 5 || a.Y != 6 {
		t.Errorf("got x=%d y=%d", a.X, a.Y)
	}
}

func TestParseAction_JSONString(t *testing.T) {
	a, err := ParseAction(`{"action_type":"open_app","app_name":"Chrome"}`)
	if err != nil {
		t.Fatalf("ParseAction: %v", err)
	}
	if a.Kind != KindOpenApp || a.AppName != "Chrome" {
		t.Errorf("got %+v", a)
	}
}

func TestParseAction_TerseDSL(t *testing.T) {
	cases := []struct {
		input string
		kind  Kind
	}{
		{"click 100 200", KindClick},
		{"double_tap 1 2", KindDoubleTap},
		{"long_press 1 2", KindLongPress},
		{"text hello world", KindInputText},
		{"key back", KindNavigateBack},
		{"key home", KindNavigateHome},
		{"key enter", KindKeyboardEnter},
		{"screenshot", KindScreenshot},
		{"wait 2", KindWait},
		{"open_app Settings", KindOpenApp},
		{"answer", KindAnswer},
	}
	for _, c := range cases {
		a, err := ParseAction(c.input)
		if err != nil {
			t.Errorf("ParseAction(%q): %v", c.input, err)
			continue
		}
		if a.Kind != c.kind {
			t.Errorf("ParseAction(%q).Kind = %q, want %q", c.input, a.Kind, c.kind)
		}
	}
}

func TestParseAction_UnsupportedType(t *testing.T) {
	_, err := ParseAction(42)
	if util.KindOf(err) != util.KindInvalidAction {
		t.Errorf("got kind %v, want InvalidAction", util.KindOf(err))
	}
}

func TestParseAction_UnrecognizedVerb(t *testing.T) {
	_, err := ParseAction("moonwalk 1 2")
	if util.KindOf(err) != util.KindInvalidAction {
		t.Errorf("got kind %v, want InvalidAction", util.KindOf(err))
	}
}

// TestSwipeTieRule exercises Testable Property 6: horizontal wins only
// when |dx| > |dy|; a tie resolves to the vertical axis.
func TestSwipeTieRule(t *testing.T) {
	cases := []struct {
		name           string
		x1, y1, x2, y2 int
		wantDirection  string
	}{
		{"pure horizontal", 0, 0, 100, 0, "right"},
		{"pure vertical", 0, 0, 0, 100, "down"},
		{"horizontal wins", 0, 0, 100, 50, "right"},
		{"vertical wins", 0, 0, 50, 100, "down"},
		{"tie resolves vertical (down)", 0, 0, 50, 50, "down"},
		{"tie resolves vertical (up)", 0, 0, -50, -50, "up"},
		{"left", 0, 0, -100, 10, "left"},
		{"up", 0, 0, 10, -100, "up"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			a, err := parseSwipe([]string{itoa(c.x1), itoa(c.y1), itoa(c.x2), itoa(c.y2)})
			if err != nil {
				t.Fatalf("parseSwipe: %v", err)
			}
			if a.Direction != c.wantDirection {
				t.Errorf("direction = %q, want %q", a.Direction, c.wantDirection)
			}
		})
	}
}

func TestValidateAction_RejectsBeforeAnyCommand(t *testing.T) {
	// Testable Property: an action that fails validation must be rejected
	// with InvalidAction before any device command is ever constructed.
	_, err := ParseAction(map[string]interface{}{"action_type": "open_app"})
	if err == nil {
		t.Fatal("expected error for open_app with no app_name")
	}
	if util.KindOf(err) != util.KindInvalidAction {
		t.Errorf("got kind %v, want InvalidAction", util.KindOf(err))
	}

	_, err = ParseAction(map[string]interface{}{"action_type": "scroll"})
	if util.KindOf(err) != util.KindInvalidAction {
		t.Errorf("scroll without direction: got kind %v, want InvalidAction", util.KindOf(err))
	}
}

// TestNormalizeIdempotent exercises Testable Property 5:
// translate(translate(a)) = translate(a).
func TestNormalizeIdempotent(t *testing.T) {
	a, err := ParseAction("click 10 20")
	if err != nil {
		t.Fatalf("ParseAction: %v", err)
	}
	b, err := Normalize(a)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if *a != *b {
		t.Errorf("Normalize changed action: %+v != %+v", a, b)
	}
}

// TestParseAction_SwipeRawPreservesCoordinates exercises the coordinate-
// preserving swipe_raw variant from a JSON object: unlike the directional
// `swipe` DSL form, all four coordinates and the duration survive parsing
// and execution unchanged.
func TestParseAction_SwipeRawPreservesCoordinates(t *testing.T) {
	m := map[string]interface{}{
		"action_type":       "swipe_raw",
		"x1":                float64(10),
		"y1":                float64(20),
		"x2":                float64(110),
		"y2":                float64(220),
		"swipe_duration_ms": float64(450),
	}
	a, err := ParseAction(m)
	if err != nil {
		t.Fatalf("ParseAction: %v", err)
	}
	if a.Kind != KindSwipeRaw {
		t.Fatalf("Kind = %q, want swipe_raw", a.Kind)
	}
	if a.X1 != 10 || a.Y1 != 20 || a.X2 != 110 || a.Y2 != 220 {
		t.Errorf("got x1=%d y1=%d x2=%d y2=%d, want 10,20,110,220", a.X1, a.Y1, a.X2, a.Y2)
	}
	if a.SwipeDuration.Milliseconds() != 450 {
		t.Errorf("SwipeDuration = %v, want 450ms", a.SwipeDuration)
	}
}

func TestMapKeycode(t *testing.T) {
	if mapKeycode("back") != "KEYCODE_BACK" {
		t.Errorf("mapKeycode(back) = %q", mapKeycode("back"))
	}
	if mapKeycode("KEYCODE_CUSTOM") != "KEYCODE_CUSTOM" {
		t.Errorf("unknown keycode should pass through verbatim")
	}
}
