package audit

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestEvent_New(t *testing.T) {
	event := NewEvent("traj-1", "emulator-5554", "step")

	if event.TrajectoryID != "traj-1" {
		t.Errorf("TrajectoryID = %q, want %q", event.TrajectoryID, "traj-1")
	}
	if event.DeviceID != "emulator-5554" {
		t.Errorf("DeviceID = %q, want %q", event.DeviceID, "emulator-5554")
	}
	if event.Operation != "step" {
		t.Errorf("Operation = %q, want %q", event.Operation, "step")
	}
	if event.ID == "" {
		t.Error("ID should not be empty")
	}
	if event.Timestamp.IsZero() {
		t.Error("Timestamp should be set")
	}
}

func TestEvent_Chaining(t *testing.T) {
	event := NewEvent("traj-1", "emulator-5554", "step").
		WithActionKind("click").
		WithSuccess().
		WithDuration(time.Second)

	if event.ActionKind != "click" {
		t.Errorf("ActionKind = %q", event.ActionKind)
	}
	if !event.Success {
		t.Error("Success should be true")
	}
	if event.Duration != time.Second {
		t.Errorf("Duration = %v", event.Duration)
	}
}

func TestEvent_WithError(t *testing.T) {
	event := NewEvent("traj-1", "emulator-5554", "step").WithError(errors.New("command failed"))

	if event.Success {
		t.Error("Success should be false")
	}
	if event.Error != "command failed" {
		t.Errorf("Error = %q", event.Error)
	}

	event2 := NewEvent("traj-1", "emulator-5554", "step").WithError(nil)
	if event2.Success {
		t.Error("Success should be false even with nil error")
	}
	if event2.Error != "" {
		t.Errorf("Error should be empty with nil error, got %q", event2.Error)
	}
}

func TestFileLogger_Basic(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "audit.log")
	logger, err := NewFileLogger(logPath, RotationConfig{})
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	defer logger.Close()

	event := NewEvent("traj-1", "emulator-5554", "step").WithActionKind("click").WithSuccess()
	if err := logger.Log(event); err != nil {
		t.Fatalf("Log failed: %v", err)
	}

	events, err := logger.Query(Filter{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	if events[0].TrajectoryID != "traj-1" {
		t.Errorf("TrajectoryID = %q, want %q", events[0].TrajectoryID, "traj-1")
	}
}

func TestFileLogger_QueryFilters(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "audit.log")
	logger, err := NewFileLogger(logPath, RotationConfig{})
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	defer logger.Close()

	events := []*Event{
		NewEvent("traj-1", "emulator-5554", "step").WithActionKind("click").WithSuccess(),
		NewEvent("traj-2", "emulator-5554", "save").WithSuccess(),
		NewEvent("traj-1", "emulator-5556", "step").WithError(errors.New("failed")),
		NewEvent("traj-3", "emulator-5558", "step").WithActionKind("swipe").WithSuccess(),
	}
	for _, e := range events {
		if err := logger.Log(e); err != nil {
			t.Fatalf("Log failed: %v", err)
		}
	}

	t.Run("filter by trajectory", func(t *testing.T) {
		results, _ := logger.Query(Filter{TrajectoryID: "traj-1"})
		if len(results) != 2 {
			t.Errorf("Expected 2 events for traj-1, got %d", len(results))
		}
	})

	t.Run("filter by device", func(t *testing.T) {
		results, _ := logger.Query(Filter{DeviceID: "emulator-5554"})
		if len(results) != 2 {
			t.Errorf("Expected 2 events for emulator-5554, got %d", len(results))
		}
	})

	t.Run("filter by operation", func(t *testing.T) {
		results, _ := logger.Query(Filter{Operation: "step"})
		if len(results) != 3 {
			t.Errorf("Expected 3 step events, got %d", len(results))
		}
	})

	t.Run("filter success only", func(t *testing.T) {
		results, _ := logger.Query(Filter{SuccessOnly: true})
		if len(results) != 3 {
			t.Errorf("Expected 3 successful events, got %d", len(results))
		}
	})

	t.Run("filter failure only", func(t *testing.T) {
		results, _ := logger.Query(Filter{FailureOnly: true})
		if len(results) != 1 {
			t.Errorf("Expected 1 failed event, got %d", len(results))
		}
	})

	t.Run("filter with limit", func(t *testing.T) {
		results, _ := logger.Query(Filter{Limit: 2})
		if len(results) != 2 {
			t.Errorf("Expected 2 events with limit, got %d", len(results))
		}
	})

	t.Run("filter with offset", func(t *testing.T) {
		results, _ := logger.Query(Filter{Offset: 2})
		if len(results) != 2 {
			t.Errorf("Expected 2 events with offset, got %d", len(results))
		}
	})
}

func TestFileLogger_QueryTimeFilter(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "audit.log")
	logger, err := NewFileLogger(logPath, RotationConfig{})
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	defer logger.Close()

	logger.Log(NewEvent("traj-1", "emulator-5554", "step").WithSuccess())

	results, _ := logger.Query(Filter{
		StartTime: time.Now().Add(-time.Hour),
		EndTime:   time.Now().Add(time.Hour),
	})
	if len(results) != 1 {
		t.Errorf("Expected 1 event in time range, got %d", len(results))
	}

	results, _ = logger.Query(Filter{StartTime: time.Now().Add(time.Hour)})
	if len(results) != 0 {
		t.Errorf("Expected 0 events outside time range, got %d", len(results))
	}
}

func TestFileLogger_NonExistentFile(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "nonexistent", "audit.log")
	logger, err := NewFileLogger(logPath, RotationConfig{})
	if err != nil {
		t.Fatalf("NewFileLogger should create directories: %v", err)
	}
	defer logger.Close()
}

func TestDefaultLogger(t *testing.T) {
	SetDefaultLogger(nil)

	if err := Log(NewEvent("t", "d", "op")); err != nil {
		t.Errorf("Log with nil default should not error: %v", err)
	}
	results, err := Query(Filter{})
	if err != nil {
		t.Errorf("Query with nil default should not error: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("Expected 0 results, got %d", len(results))
	}

	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "audit.log")
	logger, err := NewFileLogger(logPath, RotationConfig{})
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	defer logger.Close()

	SetDefaultLogger(logger)

	if err := Log(NewEvent("traj-1", "emulator-5554", "step").WithSuccess()); err != nil {
		t.Errorf("Log failed: %v", err)
	}

	results, err = Query(Filter{})
	if err != nil {
		t.Errorf("Query failed: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("Expected 1 result, got %d", len(results))
	}

	SetDefaultLogger(nil)
}

func TestEventTypes(t *testing.T) {
	types := []EventType{
		EventTypeCreate,
		EventTypeStep,
		EventTypeSave,
		EventTypeLoad,
		EventTypeRemove,
		EventTypeReset,
	}
	for _, et := range types {
		if et == "" {
			t.Error("EventType should not be empty")
		}
	}
}

func TestSeverities(t *testing.T) {
	severities := []Severity{SeverityInfo, SeverityWarning, SeverityError}
	for _, s := range severities {
		if s == "" {
			t.Error("Severity should not be empty")
		}
	}
}

func TestFileLogger_LogRotation(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "audit.log")
	logger, err := NewFileLogger(logPath, RotationConfig{MaxSize: 100, MaxBackups: 2})
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	defer logger.Close()

	for i := 0; i < 5; i++ {
		event := NewEvent("traj-1", "emulator-5554", "step").WithActionKind("click").WithSuccess()
		if err := logger.Log(event); err != nil {
			t.Fatalf("Log failed on iteration %d: %v", i, err)
		}
	}

	matches, err := filepath.Glob(filepath.Join(tmpDir, "audit.log.*"))
	if err != nil {
		t.Fatalf("Glob failed: %v", err)
	}
	if len(matches) == 0 {
		t.Error("Expected rotation to create backup files")
	}
}

func TestFileLogger_RotationWithCleanup(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "audit.log")
	logger, err := NewFileLogger(logPath, RotationConfig{MaxSize: 50, MaxBackups: 2})
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	defer logger.Close()

	for i := 0; i < 10; i++ {
		if err := logger.Log(NewEvent("traj-1", "emulator-5554", "step")); err != nil {
			t.Fatalf("Log failed on iteration %d: %v", i, err)
		}
	}

	matches, err := filepath.Glob(filepath.Join(tmpDir, "audit.log.*"))
	if err != nil {
		t.Fatalf("Glob failed: %v", err)
	}
	if len(matches) > 2 {
		t.Errorf("Expected at most 2 backup files, got %d", len(matches))
	}
}

func TestFileLogger_NewFileLoggerOpenError(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "audit.log")
	if err := os.Mkdir(logPath, 0755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}

	_, err := NewFileLogger(logPath, RotationConfig{})
	if err == nil {
		t.Error("NewFileLogger should fail when log path is a directory")
	}
}

func TestFileLogger_QueryMalformedJSON(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "audit.log")

	content := `{"trajectory_id":"traj-1","device_id":"emulator-5554","operation":"step","success":true}
invalid json line
{"trajectory_id":"traj-2","device_id":"emulator-5556","operation":"step","success":true}
`
	if err := os.WriteFile(logPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test data: %v", err)
	}

	logger, err := NewFileLogger(logPath, RotationConfig{})
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	defer logger.Close()

	results, err := logger.Query(Filter{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("Expected 2 valid events (skipping malformed), got %d", len(results))
	}
}

func TestFileLogger_CloseNilFile(t *testing.T) {
	logger := &FileLogger{path: "/tmp/test.log", file: nil}
	if err := logger.Close(); err != nil {
		t.Errorf("Close() with nil file should not error: %v", err)
	}
}
