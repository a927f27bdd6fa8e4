package summary

import (
	"testing"
	"time"

	"howbehind/internal/model"
)

var brisbane = time.FixedZone("AEST", 10*60*60)

func session(course, day, clock string, minutes int) model.Session {
	start, err := time.ParseInLocation("2006-01-02 15:04", day+" "+clock, brisbane)
	if err != nil {
		panic(err)
	}
	return model.NewSession(course, "Lecture", start, start.Add(time.Duration(minutes)*time.Minute), brisbane)
}

func TestComputeTotals(t *testing.T) {
	behind := []model.Session{
		session("X", "2024-03-04", "09:00", 60),
		session("X", "2024-03-04", "11:00", 30),
		session("Y", "2024-03-05", "09:00", 45),
	}
	sum := Compute(behind)

	if sum.TotalMinutes != 135 {
		t.Errorf("TotalMinutes = %d, want 135", sum.TotalMinutes)
	}
	want := []CourseTotal{{90, "X"}, {45, "Y"}}
	if len(sum.PerCourse) != len(want) {
		t.Fatalf("PerCourse = %+v", sum.PerCourse)
	}
	for i := range want {
		if sum.PerCourse[i] != want[i] {
			t.Errorf("PerCourse[%d] = %+v, want %+v", i, sum.PerCourse[i], want[i])
		}
	}
	if sum.Severity != Slightly {
		t.Errorf("Severity = %s", sum.Severity)
	}
}

func TestComputeTiesKeepFirstSeenCourse(t *testing.T) {
	behind := []model.Session{
		session("B", "2024-03-04", "09:00", 60),
		session("A", "2024-03-04", "10:00", 60),
		session("C", "2024-03-04", "11:00", 120),
	}
	sum := Compute(behind)
	got := []string{sum.PerCourse[0].Course, sum.PerCourse[1].Course, sum.PerCourse[2].Course}
	if got[0] != "C" || got[1] != "B" || got[2] != "A" {
		t.Fatalf("course order = %v", got)
	}
}

func TestComputeGroupsByDay(t *testing.T) {
	behind := []model.Session{
		session("A", "2024-03-05", "09:00", 60),
		session("B", "2024-03-04", "13:00", 30),
		session("C", "2024-03-04", "09:00", 60),
	}
	sum := Compute(behind)

	if len(sum.Days) != 2 || sum.Days[0].DayKey != "2024-03-04" || sum.Days[1].DayKey != "2024-03-05" {
		t.Fatalf("Days = %+v", sum.Days)
	}
	mon := sum.ByDay["2024-03-04"]
	if len(mon) != 2 || mon[0].Course != "C" || mon[1].Course != "B" {
		t.Fatalf("ByDay[monday] = %+v", mon)
	}
	if sum.Days[0].Minutes != 90 {
		t.Errorf("monday minutes = %d", sum.Days[0].Minutes)
	}
}

func TestComputeEmpty(t *testing.T) {
	sum := Compute(nil)
	if sum.TotalMinutes != 0 || len(sum.PerCourse) != 0 || len(sum.Days) != 0 || sum.Severity != UpToDate {
		t.Fatalf("Compute(nil) = %+v", sum)
	}
}

func TestSeverityOf(t *testing.T) {
	tests := map[int]Severity{
		0:    UpToDate,
		1:    Slightly,
		120:  Slightly,
		121:  Behind,
		360:  Behind,
		600:  FarBehind,
		601:  VeryBehind,
		5000: VeryBehind,
	}
	for minutes, want := range tests {
		if got := SeverityOf(minutes); got != want {
			t.Errorf("SeverityOf(%d) = %s, want %s", minutes, got, want)
		}
	}
}
