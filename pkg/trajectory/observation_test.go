package trajectory

import "testing"

func TestParseUIDump_ExtractsFields(t *testing.T) {
	xml := `<hierarchy><node index="0" text="Login" resource-id="com.app:id/login" class="android.widget.Button" bounds="[10,20][110,60]" /><node index="1" text="" resource-id="" class="android.widget.TextView" bounds="[0,0][50,30]" /></hierarchy>`

	elements := parseUIDump(xml)
	if len(elements) != 2 {
		t.Fatalf("got %d elements, want 2", len(elements))
	}

	if elements[0].Text != "Login" {
		t.Errorf("Text = %q, want Login", elements[0].Text)
	}
	if elements[0].ResourceID != "com.app:id/login" {
		t.Errorf("ResourceID = %q", elements[0].ResourceID)
	}
	if elements[0].Class != "android.widget.Button" {
		t.Errorf("Class = %q", elements[0].Class)
	}
	if elements[0].Bounds != [4]int{10, 20, 110, 60} {
		t.Errorf("Bounds = %v", elements[0].Bounds)
	}
}

func TestParseUIDump_SkipsNodesWithoutBounds(t *testing.T) {
	xml := `<node index="0" text="no bounds here" />`
	elements := parseUIDump(xml)
	if len(elements) != 0 {
		t.Errorf("got %d elements, want 0", len(elements))
	}
}

func TestParseUIDump_EmptyInput(t *testing.T) {
	if elements := parseUIDump(""); elements != nil {
		t.Errorf("got %v, want nil", elements)
	}
}

func TestErrNotFound(t *testing.T) {
	err := errNotFound("mCurrentFocus")
	if err.Error() != "pattern not found: mCurrentFocus" {
		t.Errorf("Error() = %q", err.Error())
	}
}
