package transform

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kranthikarthan/payment-engine/internal/models"
	"github.com/kranthikarthan/payment-engine/internal/payerr"
)

// Env carries the mapper's injected collaborators so every
// transformation is a pure function of (source, clock, id-gen).
type Env struct {
	Clock   Clock
	IDGen   IDGenerator
	Crypter Crypter
}

// Mapper applies a configured payload mapping to a request or
// response payload. It fails closed: any rule error aborts the whole
// transformation and the caller decides between retry and repair.
type Mapper struct {
	env    Env
	logger *zap.Logger
}

// NewMapper creates a payload mapper.
func NewMapper(env Env, logger *zap.Logger) *Mapper {
	if env.Clock == nil {
		env.Clock = time.Now
	}
	if env.IDGen == nil {
		env.IDGen = NewSequenceGenerator()
	}
	return &Mapper{env: env, logger: logger}
}

// Transform applies the mapping's rule sets to source in the fixed
// order: field map, derived values, value assignments,
// auto-generation, conditionals, defaults. The source map is never
// mutated.
func (m *Mapper) Transform(mapping *models.PayloadMapping, direction models.MappingDirection, source map[string]interface{}) (map[string]interface{}, error) {
	if !mapping.Direction.Applies(direction) {
		return nil, payerr.Wrapf(payerr.ErrExpressionEval, nil,
			"mapping %s configured for %s, requested %s", mapping.Name, mapping.Direction, direction)
	}

	var spec models.MappingSpec
	if err := json.Unmarshal(mapping.Spec, &spec); err != nil {
		return nil, fmt.Errorf("invalid mapping spec %s: %w", mapping.Name, err)
	}

	out := make(map[string]interface{}, len(source))

	if err := m.applyFieldMap(&spec, source, out); err != nil {
		return nil, err
	}
	if err := m.applyDerived(&spec, source, out); err != nil {
		return nil, err
	}
	if err := m.applyAssignments(&spec, out); err != nil {
		return nil, err
	}
	if err := m.applyAutoGen(&spec, out); err != nil {
		return nil, err
	}
	if err := m.applyConditional(&spec, source, out); err != nil {
		return nil, err
	}
	for field, value := range spec.Defaults {
		if _, exists := out[field]; !exists {
			out[field] = value
		}
	}

	return out, nil
}

// Invert reverses a field-map-only mapping: every tgt is copied back
// to its src. Only defined for mappings whose spec carries nothing but
// a field map without transformation rules.
func (m *Mapper) Invert(mapping *models.PayloadMapping, source map[string]interface{}) (map[string]interface{}, error) {
	var spec models.MappingSpec
	if err := json.Unmarshal(mapping.Spec, &spec); err != nil {
		return nil, fmt.Errorf("invalid mapping spec %s: %w", mapping.Name, err)
	}
	if len(spec.Derived) > 0 || len(spec.Assignments) > 0 || len(spec.AutoGenerate) > 0 ||
		len(spec.Conditional) > 0 || len(spec.TransformationRules) > 0 {
		return nil, payerr.Wrapf(payerr.ErrExpressionEval, nil,
			"mapping %s has no defined inverse", mapping.Name)
	}
	out := make(map[string]interface{}, len(source))
	for src, tgt := range spec.FieldMap {
		if v, ok := lookupPath(source, tgt); ok {
			out[src] = v
		}
	}
	return out, nil
}

func (m *Mapper) applyFieldMap(spec *models.MappingSpec, source, out map[string]interface{}) error {
	for src, tgt := range spec.FieldMap {
		v, ok := lookupPath(source, src)
		if !ok {
			continue
		}
		if rule, has := spec.TransformationRules[src]; has {
			transformed, err := m.applyPrimitive(rule, v)
			if err != nil {
				return err
			}
			v = transformed
		}
		out[tgt] = v
	}
	return nil
}

func (m *Mapper) applyDerived(spec *models.MappingSpec, source, out map[string]interface{}) error {
	rules := append([]models.DerivedRule(nil), spec.Derived...)
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })

	env := &EvalEnv{Source: source, Funcs: m.builtinFuncs()}
	for _, rule := range rules {
		expr, err := ParseExpression(rule.Expression)
		if err != nil {
			return err
		}
		v, err := expr.Eval(env)
		if err != nil {
			return err
		}
		coerced, err := coerce(v, rule.Type)
		if err != nil {
			return err
		}
		out[rule.Target] = coerced
	}
	return nil
}

func (m *Mapper) applyAssignments(spec *models.MappingSpec, out map[string]interface{}) error {
	rules := append([]models.AssignmentRule(nil), spec.Assignments...)
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })

	for _, rule := range rules {
		if s, ok := rule.Value.(string); ok {
			expanded, err := m.expandTokens(s)
			if err != nil {
				return err
			}
			out[rule.Target] = expanded
			continue
		}
		out[rule.Target] = rule.Value
	}
	return nil
}

func (m *Mapper) applyAutoGen(spec *models.MappingSpec, out map[string]interface{}) error {
	rules := append([]models.AutoGenRule(nil), spec.AutoGenerate...)
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })

	for _, rule := range rules {
		switch rule.Kind {
		case models.AutoGenUUID:
			out[rule.Target] = m.env.IDGen.UUID()
		case models.AutoGenTimestamp:
			out[rule.Target] = m.env.Clock().UTC().Format(time.RFC3339Nano)
		case models.AutoGenSequential:
			n := m.env.IDGen.Sequence(rule.Prefix)
			out[rule.Target] = FormatSequential(n, rule.Prefix, rule.Suffix, rule.Length)
		default:
			return payerr.Wrapf(payerr.ErrExpressionEval, nil, "unknown auto-generation kind %q", rule.Kind)
		}
	}
	return nil
}

func (m *Mapper) applyConditional(spec *models.MappingSpec, source, out map[string]interface{}) error {
	rules := append([]models.ConditionalRule(nil), spec.Conditional...)
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })

	env := &EvalEnv{Source: source, Funcs: m.builtinFuncs()}
	for _, rule := range rules {
		expr, err := ParseExpression(rule.Predicate)
		if err != nil {
			return err
		}
		v, err := expr.Eval(env)
		if err != nil {
			return err
		}
		hold, err := toBool(v)
		if err != nil {
			return err
		}
		if hold {
			out[rule.Target] = rule.Value
		}
	}
	return nil
}

var tokenPattern = regexp.MustCompile(`\{\{\s*(uuid|now|timestamp|seq)\s*\(([^)]*)\)\s*\}\}`)

// expandTokens replaces {{uuid()}}, {{now()}}, {{timestamp()}} and
// {{seq(prefix,len)}} inside assignment literals.
func (m *Mapper) expandTokens(s string) (string, error) {
	var tokenErr error
	result := tokenPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := tokenPattern.FindStringSubmatch(match)
		switch groups[1] {
		case "uuid":
			return m.env.IDGen.UUID()
		case "now":
			return m.env.Clock().UTC().Format(time.RFC3339Nano)
		case "timestamp":
			return strconv.FormatInt(m.env.Clock().UTC().UnixMilli(), 10)
		case "seq":
			prefix := ""
			length := 0
			parts := strings.Split(groups[2], ",")
			if len(parts) > 0 {
				prefix = strings.Trim(strings.TrimSpace(parts[0]), `'"`)
			}
			if len(parts) > 1 {
				n, err := strconv.Atoi(strings.TrimSpace(parts[1]))
				if err != nil {
					tokenErr = payerr.Wrapf(payerr.ErrExpressionEval, err, "bad seq length %q", parts[1])
					return match
				}
				length = n
			}
			return FormatSequential(m.env.IDGen.Sequence(prefix), prefix, "", length)
		}
		return match
	})
	return result, tokenErr
}

// coerce converts an evaluated value to the rule's declared type.
func coerce(v interface{}, t models.DerivedType) (interface{}, error) {
	switch t {
	case models.DerivedString, "":
		return toString(v), nil
	case models.DerivedNumber:
		// NaN passes through: it propagates rather than failing coercion.
		n, err := toNumber(v)
		if err != nil {
			return nil, err
		}
		return n, nil
	case models.DerivedBoolean:
		b, err := toBool(v)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, payerr.Wrapf(payerr.ErrTypeCoercion, nil, "unknown derived type %q", t)
	}
}
