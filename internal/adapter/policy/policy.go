package policy

import (
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/guillermoBallester/pgwatch/internal/core/domain"
	"github.com/guillermoBallester/pgwatch/internal/delivery"
	"github.com/guillermoBallester/pgwatch/internal/rate"
)

// Operation spec keys with a special meaning.
const (
	ResultKey    = "result"
	UndefinedKey = "*"
)

// Policy holds operator-controlled watch configuration loaded from a YAML file.
type Policy struct {
	Global     Global                     `yaml:"global"`
	Operations map[string]OperationConfig `yaml:"operations"`
	Filters    []FilterConfig             `yaml:"filters"`
	Rates      []RateConfig               `yaml:"rates"`
	CSV        *CSVConfig                 `yaml:"csv,omitempty"`
	// Masks applies column masks to rows returned by the query tool.
	Masks map[string]domain.MaskType `yaml:"masks"`
}

// Global settings apply to every watched operation.
type Global struct {
	Timeout Seconds `yaml:"timeout"`
	// DefaultFields selects the fields in a record's short form.
	DefaultFields []string       `yaml:"default_fields"`
	StaticFields  map[string]any `yaml:"static_fields"`
	LogLevel      LevelConfig    `yaml:"log_level"`
}

// LevelConfig names the level of each kind of delivery. Empty keeps the default.
type LevelConfig struct {
	First   string `yaml:"first"`
	Update  string `yaml:"update"`
	Final   string `yaml:"final"`
	Timeout string `yaml:"timeout"`
}

// OperationConfig maps argument names, ResultKey and UndefinedKey to fields.
type OperationConfig map[string]FieldConfig

// FieldConfig is one argument-to-field mapping.
type FieldConfig struct {
	To       string `yaml:"to"`
	Cast     string `yaml:"cast"`
	Value    any    `yaml:"value"`
	HasValue bool   `yaml:"-"`
}

// UnmarshalYAML accepts the target field name as a plain string.
//
//	operations:
//	  exec:
//	    sql: Query                     # shorthand for {to: Query}
//	    args: {to: ArgCount, cast: len}
//	    tenant: {to: Tenant, value: "eu-1"}
func (fc *FieldConfig) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		fc.To = value.Value
		return nil
	}
	type alias FieldConfig
	var a alias
	if err := value.Decode(&a); err != nil {
		return fmt.Errorf("decoding field config: %w", err)
	}
	*fc = FieldConfig(a)
	for i := 0; i+1 < len(value.Content); i += 2 {
		if value.Content[i].Value == "value" {
			fc.HasValue = true
		}
	}
	return nil
}

// FilterConfig configures one delivery filter.
type FilterConfig struct {
	Predicate string         `yaml:"predicate"`
	Transform string         `yaml:"transform"`
	Args      map[string]any `yaml:"args"`
	OnError   bool           `yaml:"on_error"`
}

// RateConfig configures one rate aggregator.
type RateConfig struct {
	Name               string   `yaml:"name"`
	Window             Seconds  `yaml:"window"`
	Grace              Seconds  `yaml:"grace"`
	Attributes         []string `yaml:"attributes"`
	Clone              bool     `yaml:"clone"`
	IgnoreIntermediate bool     `yaml:"ignore_intermediate"`
	DropPartial        bool     `yaml:"drop_partial"`
}

// CSVConfig selects the CSV sink.
type CSVConfig struct {
	File              string   `yaml:"file"`
	Columns           []string `yaml:"columns"`
	AddHeadersIfEmpty bool     `yaml:"add_headers_if_empty"`
}

// Seconds is a duration written either as a number of seconds or as a Go
// duration string.
type Seconds time.Duration

func (s Seconds) Duration() time.Duration { return time.Duration(s) }

func (s *Seconds) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	if f, err := strconv.ParseFloat(value.Value, 64); err == nil {
		*s = Seconds(f * float64(time.Second))
		return nil
	}
	d, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", value.Line, value.Value)
	}
	*s = Seconds(d)
	return nil
}

// OperationSpecs resolves the configured operations. Arguments are ordered by
// name so the record field order is stable.
func (p *Policy) OperationSpecs() (map[string]domain.OperationSpec, error) {
	out := make(map[string]domain.OperationSpec, len(p.Operations))
	for op, cfg := range p.Operations {
		var spec domain.OperationSpec
		names := make([]string, 0, len(cfg))
		for name := range cfg {
			names = append(names, name)
		}
		slices.Sort(names)
		for _, name := range names {
			fs, err := cfg[name].fieldSpec()
			if err != nil {
				return nil, fmt.Errorf("operations[%q][%q]: %w", op, name, err)
			}
			switch name {
			case ResultKey:
				spec.Result = fs
			case UndefinedKey:
				spec.Undefined = &fs
			default:
				spec.Args = append(spec.Args, domain.ArgSpec{Name: name, FieldSpec: fs})
			}
		}
		out[op] = spec
	}
	return out, nil
}

func (fc FieldConfig) fieldSpec() (domain.FieldSpec, error) {
	cast, err := domain.LookupTransform(fc.Cast)
	if err != nil {
		return domain.FieldSpec{}, err
	}
	return domain.FieldSpec{
		To:       fc.To,
		Cast:     cast,
		CastName: fc.Cast,
		Value:    fc.Value,
		HasValue: fc.HasValue,
	}, nil
}

// BuildFilters resolves the configured filters in order.
func (p *Policy) BuildFilters() ([]domain.Filter, error) {
	out := make([]domain.Filter, 0, len(p.Filters))
	for i, fc := range p.Filters {
		f, err := domain.NewFilter(fc.Predicate, fc.Transform, fc.Args, fc.OnError)
		if err != nil {
			return nil, fmt.Errorf("filters[%d]: %w", i, err)
		}
		out = append(out, f)
	}
	return out, nil
}

// RateConfigs converts the configured rates for rate.New.
func (p *Policy) RateConfigs() []rate.Config {
	out := make([]rate.Config, 0, len(p.Rates))
	for _, rc := range p.Rates {
		out = append(out, rate.Config{
			Name:               rc.Name,
			Window:             rc.Window.Duration(),
			Grace:              rc.Grace.Duration(),
			Attributes:         rc.Attributes,
			Clone:              rc.Clone,
			IgnoreIntermediate: rc.IgnoreIntermediate,
			DropPartial:        rc.DropPartial,
		})
	}
	return out
}

// Levels overlays the configured levels on the delivery defaults.
func (p *Policy) Levels() (delivery.Levels, error) {
	l := delivery.DefaultLevels()
	for _, x := range []struct {
		name string
		in   string
		out  *slog.Level
	}{
		{"first", p.Global.LogLevel.First, &l.First},
		{"update", p.Global.LogLevel.Update, &l.Update},
		{"final", p.Global.LogLevel.Final, &l.Final},
		{"timeout", p.Global.LogLevel.Timeout, &l.Timeout},
	} {
		if x.in == "" {
			continue
		}
		lvl, err := delivery.ParseLevel(x.in)
		if err != nil {
			return delivery.Levels{}, fmt.Errorf("global.log_level.%s: %w", x.name, err)
		}
		*x.out = lvl
	}
	return l, nil
}

// StaticFields returns the constant fields stamped on every record, sorted by key.
func (p *Policy) StaticFields() []domain.Field {
	keys := make([]string, 0, len(p.Global.StaticFields))
	for k := range p.Global.StaticFields {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]domain.Field, 0, len(keys))
	for _, k := range keys {
		out = append(out, domain.F(k, p.Global.StaticFields[k]))
	}
	return out
}
