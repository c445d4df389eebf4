// Package answer turns free-text dispatch answers into canonical unit counts.
package answer

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// synonyms maps canonical unit keys to the codes and names players type.
// Order matters for code lookup: the first key claiming a code wins.
type synonymSet struct {
	key   string
	codes []string
	names []string
}

var synonyms = []synonymSet{
	{
		key:   "firetrucks",
		codes: []string{"FT", "E", "ENG"},
		names: []string{"fire truck", "fire engine", "engine", "pumper", "firetruck"},
	},
	{
		key:   "battalion_chief_vehicles",
		codes: []string{"BC", "CHIEF", "CMD"},
		names: []string{"battalion chief", "chief", "command", "battalion", "bc vehicle"},
	},
	{
		key:   "platform_trucks",
		codes: []string{"PT", "PLAT", "LADDER", "L"},
		names: []string{"platform truck", "ladder", "aerial", "tower ladder", "platform"},
	},
	{
		key:   "heavy_rescue_vehicles",
		codes: []string{"HR", "RESCUE", "R"},
		names: []string{"heavy rescue", "rescue truck", "rescue", "heavy rescue vehicle"},
	},
	{
		key:   "mobile_command_vehicles",
		codes: []string{"MCV", "MC", "CMD"},
		names: []string{"mobile command", "command vehicle", "mobile command vehicle", "mcv"},
	},
	{
		key:   "mobile_air_vehicles",
		codes: []string{"MAV", "AIR", "MA"},
		names: []string{"mobile air", "air vehicle", "mobile air vehicle", "mav", "air unit"},
	},
	{
		key:   "water_tankers",
		codes: []string{"WT", "TANKER", "T"},
		names: []string{"water tanker", "tanker", "water", "tender"},
	},
	{
		key:   "hazmat_vehicles",
		codes: []string{"HM", "HAZMAT", "HAZ"},
		names: []string{"hazmat", "hazmat vehicle", "hazmat truck", "haz mat"},
	},
	{
		key:   "fire_investigation",
		codes: []string{"FI", "INV", "FIRE INV"},
		names: []string{"fire investigation", "investigator", "fire inv", "investigation"},
	},
	{
		key:   "light_supply",
		codes: []string{"LS", "LIGHT"},
		names: []string{"light supply", "lighting", "light unit", "lights"},
	},
	{
		key:   "technical_rescue",
		codes: []string{"TR", "TECH"},
		names: []string{"technical rescue", "tech rescue", "technical"},
	},
	{
		key:   "police_cars",
		codes: []string{"PC", "POLICE", "P", "COP"},
		names: []string{"police car", "police", "patrol", "cop car", "police unit"},
	},
	{
		key:   "police_helicopters",
		codes: []string{"PH", "HELI", "CHOPPER"},
		names: []string{"police helicopter", "police heli", "helicopter", "chopper", "air support"},
	},
	{
		key:   "k9",
		codes: []string{"K9", "DOG"},
		names: []string{"k9", "k-9", "dog", "police dog", "canine"},
	},
	{
		key:   "ambulances",
		codes: []string{"AMB", "A", "AMBO"},
		names: []string{"ambulance", "ambo", "medic", "ems"},
	},
	{
		key:   "fwk",
		codes: []string{"FWK", "CRANE"},
		names: []string{"fwk", "fire crane", "crane", "fire equipment"},
	},
}

var codePattern = regexp.MustCompile(`([a-z]+)(\d+)`)

type namePatterns struct {
	key        string
	numbered   []*regexp.Regexp // "2 fire trucks" and "fire trucks 2"
	standalone []*regexp.Regexp // bare name, counts as one
}

var compiled = compilePatterns()

func compilePatterns() []namePatterns {
	out := make([]namePatterns, 0, len(synonyms))
	for _, s := range synonyms {
		np := namePatterns{key: s.key}
		for _, name := range s.names {
			q := regexp.QuoteMeta(name)
			np.numbered = append(np.numbered,
				regexp.MustCompile(`\b(\d+)\s+`+q+`s?\b`),
				regexp.MustCompile(`\b`+q+`s?\s+(\d+)\b`))
			np.standalone = append(np.standalone,
				regexp.MustCompile(`\b`+q+`s?\b`))
		}
		out = append(out, np)
	}
	return out
}

// matchSpan is a region of the input claimed by an accepted match.
type matchSpan struct{ start, end int }

func overlapsAny(taken []matchSpan, start, end int) bool {
	for _, s := range taken {
		if start < s.end && s.start < end {
			return true
		}
	}
	return false
}

type nameMatch struct {
	key        string
	start, end int
	count      int
}

// byLength orders matches longest first so "2 police cars" claims its text
// before the shorter "2 police" reading can.
func byLength(ms []nameMatch) {
	sort.Slice(ms, func(i, j int) bool {
		li, lj := ms[i].end-ms[i].start, ms[j].end-ms[j].start
		if li != lj {
			return li > lj
		}
		return ms[i].start < ms[j].start
	})
}

// Parse extracts unit counts from a free-text answer. Unknown words are
// ignored; a bare unit name counts as one. Each stretch of input is counted
// once, so overlapping synonyms of the same or different keys cannot stack.
func Parse(text string) map[string]int {
	text = strings.ToLower(strings.TrimSpace(text))
	counts := make(map[string]int)
	var taken []matchSpan

	// "ft2" style code+count tokens.
	for _, m := range codePattern.FindAllStringSubmatchIndex(text, -1) {
		code := strings.ToUpper(text[m[2]:m[3]])
		n, err := strconv.Atoi(text[m[4]:m[5]])
		if err != nil {
			continue
		}
		for _, s := range synonyms {
			if containsCode(s.codes, code) {
				counts[s.key] += n
				taken = append(taken, matchSpan{m[0], m[1]})
				break
			}
		}
	}

	// Spelled-out names, with and without counts.
	var numbered, standalone []nameMatch
	for _, np := range compiled {
		for _, re := range np.numbered {
			for _, m := range re.FindAllStringSubmatchIndex(text, -1) {
				n, err := strconv.Atoi(text[m[2]:m[3]])
				if err != nil {
					continue
				}
				numbered = append(numbered, nameMatch{np.key, m[0], m[1], n})
			}
		}
		for _, re := range np.standalone {
			for _, m := range re.FindAllStringIndex(text, -1) {
				standalone = append(standalone, nameMatch{np.key, m[0], m[1], 1})
			}
		}
	}

	byLength(numbered)
	for _, m := range numbered {
		if overlapsAny(taken, m.start, m.end) {
			continue
		}
		counts[m.key] += m.count
		taken = append(taken, matchSpan{m.start, m.end})
	}

	// Bare names count as one, only for keys with no counted form yet.
	byLength(standalone)
	for _, m := range standalone {
		if _, seen := counts[m.key]; seen {
			continue
		}
		if overlapsAny(taken, m.start, m.end) {
			continue
		}
		counts[m.key] = 1
		taken = append(taken, matchSpan{m.start, m.end})
	}
	return counts
}

// DisplayName returns the friendly name for a canonical unit key.
func DisplayName(key string) string {
	for _, s := range synonyms {
		if s.key == key {
			return titleCase(s.names[0])
		}
	}
	return titleCase(strings.ReplaceAll(key, "_", " "))
}

func containsCode(codes []string, code string) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
