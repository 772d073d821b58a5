package streamconf

import (
	"errors"
	"testing"

	"github.com/cjeanneret/camsession/internal/hw/camera"
)

func mustCaps(t *testing.T, entries ...string) camera.Capabilities {
	t.Helper()
	caps, err := camera.ParseCapabilities(entries)
	if err != nil {
		t.Fatalf("ParseCapabilities: %v", err)
	}
	return caps
}

func TestSelect_ScenarioCapabilities(t *testing.T) {
	sel, err := Select(mustCaps(t, "4000x3000 JPEG", "1920x1080 preview"))
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Preview != (camera.Size{Width: 1920, Height: 1080}) {
		t.Errorf("preview = %v, want 1920x1080", sel.Preview)
	}
	if sel.Still != (camera.Size{Width: 4000, Height: 3000}) {
		t.Errorf("still = %v, want 4000x3000", sel.Still)
	}
}

func TestSelect_FirstMatchWins(t *testing.T) {
	sel, err := Select(mustCaps(t,
		"640x480 YUV",
		"1280x720 preview",
		"3264x2448 JPEG",
		"1920x1080 preview",
		"4000x3000 JPEG",
	))
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Preview.String() != "1280x720" || sel.Still.String() != "3264x2448" {
		t.Errorf("selection = %+v, want first preview and first JPEG", sel)
	}
}

func TestSelect_Deterministic(t *testing.T) {
	caps := mustCaps(t, "4000x3000 JPEG", "1920x1080 preview", "800x600 JPEG")
	want, _ := Select(caps)
	for i := 0; i < 10; i++ {
		got, err := Select(caps)
		if err != nil || got != want {
			t.Fatalf("run %d: got %+v, %v; want %+v", i, got, err, want)
		}
	}
}

func TestSelect_NoSupportedFormat(t *testing.T) {
	cases := []struct {
		name    string
		entries []string
	}{
		{"empty", nil},
		{"no_preview", []string{"4000x3000 JPEG"}},
		{"no_jpeg", []string{"1920x1080 preview", "640x480 YUV"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Select(mustCaps(t, tc.entries...))
			if !errors.Is(err, ErrNoSupportedFormat) {
				t.Errorf("err = %v, want ErrNoSupportedFormat", err)
			}
		})
	}
}
