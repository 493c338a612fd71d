package trajectory

import (
	"context"
	"encoding/base64"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/droidlab/droidlab/pkg/bridge"
	"github.com/droidlab/droidlab/pkg/util"
)

// UIElement is one node parsed out of a uiautomator window dump.
type UIElement struct {
	Bounds     [4]int `json:"bounds"`
	Text       string `json:"text,omitempty"`
	ResourceID string `json:"resource_id,omitempty"`
	Class      string `json:"class,omitempty"`
}

// Observation is the structured result of a step: an echo of the action
// taken plus best-effort device state readouts.
type Observation struct {
	ActionEcho     string      `json:"action"`
	Success        bool        `json:"success"`
	ImageBase64    string      `json:"image_base64,omitempty"`
	UIElements     []UIElement `json:"ui_elements,omitempty"`
	CurrentActivity string     `json:"current_activity,omitempty"`
	ScreenWidth    int         `json:"-"`
	ScreenHeight   int         `json:"-"`
	Direction      string      `json:"direction,omitempty"`
	AppName        string      `json:"app_name,omitempty"`
}

var (
	focusRe     = regexp.MustCompile(`m(?:CurrentFocus|FocusedApp)=.*?([a-zA-Z0-9_.]+)/([a-zA-Z0-9_.$]+)`)
	screenSizeRe = regexp.MustCompile(`(\d+)x(\d+)`)
	boundsRe     = regexp.MustCompile(`\[(\d+),(\d+)\]\[(\d+),(\d+)\]`)
	textRe       = regexp.MustCompile(`text="([^"]*)"`)
	resourceIDRe = regexp.MustCompile(`resource-id="([^"]*)"`)
	classRe      = regexp.MustCompile(`class="([^"]*)"`)
)

// Builder gathers screen pixels, UI hierarchy, and foreground activity into
// an Observation. Every sub-call is best-effort: failures are logged and the
// corresponding field is simply omitted.
type Builder struct {
	bridge *bridge.Client
}

// NewBuilder constructs an observation Builder around a bridge client.
func NewBuilder(b *bridge.Client) *Builder {
	return &Builder{bridge: b}
}

// Build gathers all observation fields for deviceID. actionEcho and success
// come from the action that was just executed.
func (b *Builder) Build(ctx context.Context, deviceID, actionEcho string, success bool) *Observation {
	obs := &Observation{ActionEcho: actionEcho, Success: success}
	logger := util.WithField("device", deviceID)

	if activity, err := b.currentActivity(ctx, deviceID); err != nil {
		logger.Warnf("observation: current_activity failed: %v", err)
	} else {
		obs.CurrentActivity = activity
	}

	if w, h, err := b.screenSize(ctx, deviceID); err != nil {
		logger.Warnf("observation: screen_size failed: %v", err)
	} else {
		obs.ScreenWidth, obs.ScreenHeight = w, h
	}

	if elements, err := b.uiElements(ctx, deviceID); err != nil {
		logger.Warnf("observation: ui_elements failed: %v", err)
	} else {
		obs.UIElements = elements
	}

	return obs
}

// Screenshot captures a raw PNG via exec-out and base64-encodes it.
func (b *Builder) Screenshot(ctx context.Context, deviceID string) (string, error) {
	raw, err := b.bridge.ExecRaw(ctx, deviceID, []string{"exec-out", "screencap", "-p"}, 15*time.Second)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func (b *Builder) currentActivity(ctx context.Context, deviceID string) (string, error) {
	out, err := b.bridge.Shell(ctx, deviceID, "dumpsys", "window", "windows")
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(out, "\n") {
		if m := focusRe.FindStringSubmatch(line); m != nil {
			return m[1] + "/" + m[2], nil
		}
	}
	return "", util.NewInternal("current_activity", errNotFound("mCurrentFocus/mFocusedApp"))
}

func (b *Builder) screenSize(ctx context.Context, deviceID string) (int, int, error) {
	out, err := b.bridge.Shell(ctx, deviceID, "wm", "size")
	if err != nil {
		return 0, 0, err
	}
	m := screenSizeRe.FindStringSubmatch(out)
	if m == nil {
		return 0, 0, util.NewInternal("screen_size", errNotFound("WIDTHxHEIGHT"))
	}
	w, _ := strconv.Atoi(m[1])
	h, _ := strconv.Atoi(m[2])
	return w, h, nil
}

// uiElements dumps /sdcard/window_dump.xml via uiautomator, waits 500ms,
// then cats and deletes it. If the dump file never appears it falls back to
// dumpsys activity top wrapped as a single opaque element.
func (b *Builder) uiElements(ctx context.Context, deviceID string) ([]UIElement, error) {
	const dumpPath = "/sdcard/window_dump.xml"
	if _, err := b.bridge.Shell(ctx, deviceID, "uiautomator", "dump", dumpPath); err != nil {
		return nil, err
	}
	time.Sleep(500 * time.Millisecond)

	content, err := b.bridge.Shell(ctx, deviceID, "cat", dumpPath)
	if err != nil || strings.Contains(content, "No such file") || strings.TrimSpace(content) == "" {
		top, terr := b.bridge.Shell(ctx, deviceID, "dumpsys", "activity", "top")
		if terr != nil {
			return nil, terr
		}
		return []UIElement{{Class: "activity_info", Text: top}}, nil
	}
	b.bridge.Shell(ctx, deviceID, "rm", "-f", dumpPath)

	return parseUIDump(content), nil
}

// parseUIDump extracts an ordered list of element records from uiautomator
// XML via regex matching, avoiding a full XML parser for a best-effort
// field (matching the teacher's own light-touch parsing style).
func parseUIDump(xml string) []UIElement {
	var elements []UIElement
	for _, nodeStr := range strings.Split(xml, "<node") {
		if !strings.Contains(nodeStr, "bounds=") {
			continue
		}
		el := UIElement{}
		if m := boundsRe.FindStringSubmatch(nodeStr); m != nil {
			for i := 0; i < 4; i++ {
				n, _ := strconv.Atoi(m[i+1])
				el.Bounds[i] = n
			}
		}
		if m := textRe.FindStringSubmatch(nodeStr); m != nil {
			el.Text = m[1]
		}
		if m := resourceIDRe.FindStringSubmatch(nodeStr); m != nil {
			el.ResourceID = m[1]
		}
		if m := classRe.FindStringSubmatch(nodeStr); m != nil {
			el.Class = m[1]
		}
		elements = append(elements, el)
	}
	return elements
}

type notFoundError string

func (e notFoundError) Error() string { return "pattern not found: " + string(e) }

func errNotFound(pattern string) error { return notFoundError(pattern) }
