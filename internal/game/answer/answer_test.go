package answer

import (
	"reflect"
	"testing"
)

func TestParse(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		text string
		want map[string]int
	}{
		{
			name: "code tokens",
			text: "FT2 BC1",
			want: map[string]int{"firetrucks": 2, "battalion_chief_vehicles": 1},
		},
		{
			name: "count before name",
			text: "2 fire trucks, 1 chief",
			want: map[string]int{"firetrucks": 2, "battalion_chief_vehicles": 1},
		},
		{
			name: "count after name",
			text: "ambulance 3",
			want: map[string]int{"ambulances": 3},
		},
		{
			name: "bare name counts as one",
			text: "send a tanker",
			want: map[string]int{"water_tankers": 1},
		},
		{
			name: "codes accumulate",
			text: "ft1 ft2",
			want: map[string]int{"firetrucks": 3},
		},
		{
			name: "mixed codes and names",
			text: "FT1 and 2 police cars",
			want: map[string]int{"firetrucks": 1, "police_cars": 2},
		},
		{
			name: "plural and singular",
			text: "3 ambulances",
			want: map[string]int{"ambulances": 3},
		},
		{
			// "2 police cars" also matches the bare "police" synonym; the
			// longer reading must claim the text alone.
			name: "overlapping synonyms count once",
			text: "2 police cars",
			want: map[string]int{"police_cars": 2},
		},
		{
			// "command vehicle" and "command" belong to different keys.
			name: "overlap across keys",
			text: "1 command vehicle",
			want: map[string]int{"mobile_command_vehicles": 1},
		},
		{
			name: "unknown words ignored",
			text: "5 bananas please",
			want: map[string]int{},
		},
		{
			name: "empty input",
			text: "   ",
			want: map[string]int{},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Parse(tt.text)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("Parse(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestParseNumberedBeatsStandalone(t *testing.T) {
	t.Parallel()
	// Once a numbered form matched, the bare-name fallback must not add
	// another unit.
	got := Parse("2 fire trucks")
	if got["firetrucks"] != 2 {
		t.Fatalf("firetrucks = %d, want 2", got["firetrucks"])
	}
}

func TestDisplayName(t *testing.T) {
	t.Parallel()
	if got := DisplayName("firetrucks"); got != "Fire Truck" {
		t.Fatalf("DisplayName(firetrucks) = %q", got)
	}
	if got := DisplayName("mystery_units"); got != "Mystery Units" {
		t.Fatalf("DisplayName(mystery_units) = %q", got)
	}
}
