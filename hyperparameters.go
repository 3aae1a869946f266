package hypertune

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
)

// Reserved keys that Hyperband stores next to the regular values of a
// trial.
const (
	KeyEpochs       = "tuner/epochs"
	KeyInitialEpoch = "tuner/initial_epoch"
	KeyBracket      = "tuner/bracket"
	KeyRound        = "tuner/round"
	KeyTrialID      = "tuner/trial_id"
)

// ParameterKind identifies the type of a hyperparameter.
type ParameterKind string

const (
	KindInt     ParameterKind = "Int"
	KindFloat   ParameterKind = "Float"
	KindChoice  ParameterKind = "Choice"
	KindBoolean ParameterKind = "Boolean"
	KindFixed   ParameterKind = "Fixed"
)

// Sampling controls how a Float parameter is drawn.
type Sampling string

const (
	SamplingLinear Sampling = "linear"
	SamplingLog    Sampling = "log"
)

// Values maps hyperparameter names to their active values.
type Values map[string]any

// Copy returns a shallow copy of v.
func (v Values) Copy() Values {
	out := make(Values, len(v))
	for k, val := range v {
		out[k] = val
	}

	return out
}

// Parameter is the definition of one hyperparameter in the search space.
type Parameter struct {
	Name     string        `json:"name"`
	Kind     ParameterKind `json:"kind"`
	Min      float64       `json:"min,omitempty"`
	Max      float64       `json:"max,omitempty"`
	Step     float64       `json:"step,omitempty"`
	Sampling Sampling      `json:"sampling,omitempty"`
	Choices  []any         `json:"choices,omitempty"`
	Default  any           `json:"default,omitempty"`

	// ValueType records the Go type of Choice and Fixed values ("int",
	// "float", "string", "bool") so that values survive a JSON round trip.
	ValueType string `json:"value_type,omitempty"`
}

func (p Parameter) sameDefinition(o Parameter) bool {
	if p.Kind != o.Kind || p.Min != o.Min || p.Max != o.Max || p.Step != o.Step || p.Sampling != o.Sampling {
		return false
	}

	if len(p.Choices) != len(o.Choices) {
		return false
	}

	for i := range p.Choices {
		if fmt.Sprint(p.Choices[i]) != fmt.Sprint(o.Choices[i]) {
			return false
		}
	}

	return true
}

// Describe renders the parameter definition for summaries.
func (p Parameter) Describe() string {
	switch p.Kind {
	case KindInt, KindFloat:
		return fmt.Sprintf("{'default': %v, 'min_value': %v, 'max_value': %v, 'step': %v, 'sampling': '%s'}",
			p.Default, p.Min, p.Max, p.Step, p.Sampling)
	case KindChoice:
		return fmt.Sprintf("{'default': %v, 'values': %v, 'ordered': %t}", p.Default, p.Choices, p.ValueType == "int" || p.ValueType == "float")
	default:
		return fmt.Sprintf("{'default': %v}", p.Default)
	}
}

// HyperParameters is the search-space registry and value container handed
// to a HyperModel. It is not safe for concurrent use; every trial gets its
// own instance.
type HyperParameters struct {
	space  []Parameter
	index  map[string]int
	values Values
	err    error
}

// NewHyperParameters returns an empty container.
func NewHyperParameters() *HyperParameters {
	return &HyperParameters{
		index:  map[string]int{},
		values: Values{},
	}
}

// Int registers an integer parameter in [min, max] with the given step and
// returns its active value.
func (hp *HyperParameters) Int(name string, min, max, step int) int {
	if step <= 0 {
		step = 1
	}

	r := ParameterRange[int]{Min: min, Max: max, Step: step}
	if err := r.Validate(); err != nil {
		hp.fail(fmt.Errorf("%w: %s [%d, %d]", err, name, min, max))
		return min
	}

	hp.register(Parameter{
		Name: name, Kind: KindInt,
		Min: float64(min), Max: float64(max), Step: float64(step),
		Sampling: SamplingLinear, Default: min, ValueType: "int",
	})

	return hp.GetInt(name)
}

// Float registers a float parameter in [min, max] and returns its active
// value. A zero step means continuous sampling.
func (hp *HyperParameters) Float(name string, min, max, step float64, sampling Sampling) float64 {
	if sampling == "" {
		sampling = SamplingLinear
	}

	r := ParameterRange[float64]{Min: min, Max: max, Step: step}
	if err := r.Validate(); err != nil || (sampling == SamplingLog && min <= 0) {
		hp.fail(fmt.Errorf("%w: %s [%v, %v] sampling=%s", ErrInvalidRange, name, min, max, sampling))
		return min
	}

	hp.register(Parameter{
		Name: name, Kind: KindFloat,
		Min: min, Max: max, Step: step,
		Sampling: sampling, Default: min, ValueType: "float",
	})

	return hp.GetFloat(name)
}

// Choice registers a categorical parameter and returns its active value.
// All choices must share one type among int, float64, string and bool.
func (hp *HyperParameters) Choice(name string, choices ...any) any {
	if len(choices) == 0 {
		hp.fail(fmt.Errorf("%w: %s has no choices", ErrInvalidRange, name))
		return nil
	}

	valueType := typeName(choices[0])
	for _, c := range choices[1:] {
		if typeName(c) != valueType {
			hp.fail(fmt.Errorf("%w: %s mixes choice types", ErrInvalidRange, name))
			return choices[0]
		}
	}

	hp.register(Parameter{
		Name: name, Kind: KindChoice,
		Choices: append([]any(nil), choices...), Default: choices[0], ValueType: valueType,
	})

	v, _ := hp.Get(name)

	return v
}

// Boolean registers a boolean parameter and returns its active value.
func (hp *HyperParameters) Boolean(name string) bool {
	hp.register(Parameter{Name: name, Kind: KindBoolean, Default: false, ValueType: "bool"})

	return hp.GetBool(name)
}

// Fixed registers a constant parameter and returns it.
func (hp *HyperParameters) Fixed(name string, value any) any {
	hp.register(Parameter{Name: name, Kind: KindFixed, Default: value, ValueType: typeName(value)})

	v, _ := hp.Get(name)

	return v
}

// Err returns the first registration error, if any.
func (hp *HyperParameters) Err() error {
	return hp.err
}

// Space returns a copy of the registered parameter definitions in
// registration order.
func (hp *HyperParameters) Space() []Parameter {
	return append([]Parameter(nil), hp.space...)
}

// Values returns a copy of the active values, including reserved tuner keys.
func (hp *HyperParameters) Values() Values {
	return hp.values.Copy()
}

// SetValues replaces the active values. Parameters registered afterwards
// keep a preset value instead of their default.
func (hp *HyperParameters) SetValues(v Values) {
	hp.values = v.Copy()
}

// Get returns the active value of name.
func (hp *HyperParameters) Get(name string) (any, bool) {
	v, ok := hp.values[name]

	return v, ok
}

// GetInt returns the active value of name as an int.
func (hp *HyperParameters) GetInt(name string) int {
	v := hp.values[name]

	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(math.Round(t))
	}

	return 0
}

// GetFloat returns the active value of name as a float64.
func (hp *HyperParameters) GetFloat(name string) float64 {
	v := hp.values[name]

	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int64:
		return float64(t)
	}

	return 0
}

// GetString returns the active value of name as a string.
func (hp *HyperParameters) GetString(name string) string {
	v, ok := hp.values[name]
	if !ok {
		return ""
	}

	if s, ok := v.(string); ok {
		return s
	}

	return fmt.Sprint(v)
}

// GetBool returns the active value of name as a bool.
func (hp *HyperParameters) GetBool(name string) bool {
	b, _ := hp.values[name].(bool)

	return b
}

// Copy returns a deep copy of the container.
func (hp *HyperParameters) Copy() *HyperParameters {
	out := NewHyperParameters()
	for _, p := range hp.space {
		out.index[p.Name] = len(out.space)
		out.space = append(out.space, p)
	}

	out.values = hp.values.Copy()
	out.err = hp.err

	return out
}

func (hp *HyperParameters) register(p Parameter) {
	if i, ok := hp.index[p.Name]; ok {
		if !hp.space[i].sameDefinition(p) {
			hp.fail(fmt.Errorf("%w: %s", ErrConflictingParameter, p.Name))
		}

		return
	}

	hp.index[p.Name] = len(hp.space)
	hp.space = append(hp.space, p)

	if v, ok := hp.values[p.Name]; ok {
		hp.values[p.Name] = normalizeValue(p, v)
		return
	}

	hp.values[p.Name] = p.Default
}

func (hp *HyperParameters) fail(err error) {
	if hp.err == nil {
		hp.err = err
	}
}

// newHyperParametersFrom rebuilds a container from a space and values.
func newHyperParametersFrom(space []Parameter, values Values) *HyperParameters {
	hp := NewHyperParameters()
	hp.values = values.Copy()

	for _, p := range space {
		hp.register(p)
	}

	return hp
}

//////
// Search space helpers.
//////

func typeName(v any) string {
	switch v.(type) {
	case int, int32, int64:
		return "int"
	case float32, float64:
		return "float"
	case bool:
		return "bool"
	default:
		return "string"
	}
}

// normalizeValue coerces a value, possibly decoded from JSON, back to the Go
// type recorded for p.
func normalizeValue(p Parameter, v any) any {
	switch p.ValueType {
	case "int":
		switch t := v.(type) {
		case float64:
			return int(math.Round(t))
		case int64:
			return int(t)
		case int32:
			return int(t)
		}
	case "float":
		switch t := v.(type) {
		case int:
			return float64(t)
		case float32:
			return float64(t)
		}
	}

	if p.Kind == KindChoice {
		for _, c := range p.Choices {
			if fmt.Sprint(c) == fmt.Sprint(v) {
				return c
			}
		}
	}

	return v
}

// normalizeParameter fixes up a definition decoded from JSON.
func normalizeParameter(p Parameter) Parameter {
	for i, c := range p.Choices {
		p.Choices[i] = normalizeValue(Parameter{ValueType: p.ValueType}, c)
	}

	p.Default = normalizeValue(Parameter{ValueType: p.ValueType}, p.Default)

	return p
}

// normalizeValues coerces every value in v according to space, including
// the reserved tuner keys.
func normalizeValues(space []Parameter, v Values) Values {
	out := v.Copy()
	for _, p := range space {
		if val, ok := out[p.Name]; ok {
			out[p.Name] = normalizeValue(p, val)
		}
	}

	for _, k := range []string{KeyEpochs, KeyInitialEpoch, KeyBracket, KeyRound} {
		if val, ok := out[k]; ok {
			out[k] = normalizeValue(Parameter{ValueType: "int"}, val)
		}
	}

	return out
}

// randomValue draws a value for p.
func randomValue(p Parameter, rng *rand.Rand) any {
	return unitToValue(p, rng.Float64())
}

// randomValues draws a value for every parameter of space.
func randomValues(space []Parameter, rng *rand.Rand) Values {
	v := make(Values, len(space))
	for _, p := range space {
		v[p.Name] = randomValue(p, rng)
	}

	return v
}

// valueToUnit maps a value of p to [0, 1].
func valueToUnit(p Parameter, v any) float64 {
	switch p.Kind {
	case KindInt:
		r := ParameterRange[int]{Min: int(p.Min), Max: int(p.Max), Step: int(p.Step)}
		n := r.Count()
		i := (toFloat(v) - p.Min) / p.Step

		return (math.Round(i) + 0.5) / float64(n)
	case KindFloat:
		x := toFloat(v)
		if p.Max == p.Min {
			return 0.5
		}

		if p.Sampling == SamplingLog {
			return (math.Log(x) - math.Log(p.Min)) / (math.Log(p.Max) - math.Log(p.Min))
		}

		return (x - p.Min) / (p.Max - p.Min)
	case KindChoice:
		for i, c := range p.Choices {
			if fmt.Sprint(c) == fmt.Sprint(v) {
				return (float64(i) + 0.5) / float64(len(p.Choices))
			}
		}

		return 0.5
	case KindBoolean:
		if b, _ := v.(bool); b {
			return 0.75
		}

		return 0.25
	}

	return 0.5
}

// unitToValue maps u in [0, 1] to a value of p.
func unitToValue(p Parameter, u float64) any {
	u = math.Min(math.Max(u, 0), 1)

	switch p.Kind {
	case KindInt:
		r := ParameterRange[int]{Min: int(p.Min), Max: int(p.Max), Step: int(p.Step)}
		n := r.Count()

		return r.At(min(int(u*float64(n)), n-1))
	case KindFloat:
		var x float64
		if p.Sampling == SamplingLog {
			x = math.Exp(math.Log(p.Min) + u*(math.Log(p.Max)-math.Log(p.Min)))
		} else {
			x = p.Min + u*(p.Max-p.Min)
		}

		if p.Step > 0 {
			r := ParameterRange[float64]{Min: p.Min, Max: p.Max, Step: p.Step}
			i := int(math.Round((x - p.Min) / p.Step))
			x = r.At(min(max(i, 0), r.Count()-1))
		}

		return x
	case KindChoice:
		return p.Choices[min(int(u*float64(len(p.Choices))), len(p.Choices)-1)]
	case KindBoolean:
		return u >= 0.5
	}

	return p.Default
}

// toUnitVector encodes the values of space as a point of the unit cube.
// Fixed parameters are skipped.
func toUnitVector(space []Parameter, v Values) []float64 {
	out := make([]float64, 0, len(space))
	for _, p := range space {
		if p.Kind == KindFixed {
			continue
		}

		val, ok := v[p.Name]
		if !ok {
			val = p.Default
		}

		out = append(out, valueToUnit(p, val))
	}

	return out
}

// fromUnitVector is the inverse of toUnitVector.
func fromUnitVector(space []Parameter, x []float64) Values {
	v := make(Values, len(space))

	i := 0
	for _, p := range space {
		if p.Kind == KindFixed {
			v[p.Name] = p.Default
			continue
		}

		v[p.Name] = unitToValue(p, x[i])
		i++
	}

	return v
}

// hashValues fingerprints the non-reserved values of v.
func hashValues(v Values) string {
	keys := make([]string, 0, len(v))
	for k := range v {
		if strings.HasPrefix(k, "tuner/") {
			continue
		}

		keys = append(keys, k)
	}

	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%v;", k, v[k])
	}

	return hex.EncodeToString(h.Sum(nil))[:32]
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case float64:
		return t
	case float32:
		return float64(t)
	}

	return 0
}
