package scheduledtask

import (
	"testing"
	"time"
)

func TestComputeNextRunDailyUTC(t *testing.T) {
	after := time.Date(2026, 7, 30, 8, 0, 0, 0, time.UTC)
	next, err := ComputeNextRun("0 9 * * *", "UTC", after)
	if err != nil {
		t.Fatalf("compute next run: %v", err)
	}
	want := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("expected %v, got %v", want, next)
	}
}

func TestComputeNextRunHonorsTimezone(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	after := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	next, err := ComputeNextRun("0 9 * * *", "America/New_York", after)
	if err != nil {
		t.Fatalf("compute next run: %v", err)
	}
	wantLocal := time.Date(2026, 7, 30, 9, 0, 0, 0, loc)
	if !next.Equal(wantLocal) {
		t.Errorf("expected %v (%v UTC), got %v", wantLocal, wantLocal.UTC(), next)
	}
}

func TestParseScheduleRejectsInvalidCron(t *testing.T) {
	if _, _, err := ParseSchedule("not a cron", "UTC"); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestParseScheduleRejectsUnknownTimezone(t *testing.T) {
	if _, _, err := ParseSchedule("0 9 * * *", "Nowhere/Imaginary"); err == nil {
		t.Fatal("expected error for unknown timezone")
	}
}
