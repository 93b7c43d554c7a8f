package agentloop

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
)

// ParsedArguments is the outcome of validating a tool call's raw arguments:
// either Args is set or Failure explains why the payload was rejected.
type ParsedArguments struct {
	Args    map[string]interface{}
	Failure *ArgumentFailure
}

// OK reports whether validation succeeded.
func (p ParsedArguments) OK() bool { return p.Failure == nil }

// ArgumentFailure is a tagged validation failure. Kind is ErrParse for
// payloads that are not a JSON object and ErrValidation for schema
// mismatches.
type ArgumentFailure struct {
	Kind   ErrorKind
	Reason string
}

func (f *ArgumentFailure) Error() string { return f.Reason }

func parseFailure(format string, args ...interface{}) ParsedArguments {
	return ParsedArguments{Failure: &ArgumentFailure{Kind: ErrParse, Reason: fmt.Sprintf(format, args...)}}
}

// ValidateArguments parses raw as a JSON object and checks it against the
// tool's JSON Schema. Parse problems are ErrParse; schema mismatches are
// ErrValidation, with one reason per violated constraint. It never panics.
//
// An empty payload is treated as {} only when the schema requires nothing.
func ValidateArguments(raw string, schema map[string]interface{}) ParsedArguments {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		if req := requiredFields(schema); len(req) > 0 {
			return parseFailure("arguments are empty but the tool requires: %s", strings.Join(req, ", "))
		}
		return ParsedArguments{Args: map[string]interface{}{}}
	}

	dec := json.NewDecoder(strings.NewReader(trimmed))
	dec.UseNumber()
	var value interface{}
	if err := dec.Decode(&value); err != nil {
		return parseFailure("arguments are not valid JSON: %v", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return parseFailure("arguments are not valid JSON: unexpected data after the top-level value")
	}

	obj, ok := value.(map[string]interface{})
	if !ok {
		return parseFailure("arguments must be a JSON object, got %s", jsonKind(value))
	}

	if problems := schemaProblems(obj, schema); len(problems) > 0 {
		return ParsedArguments{Failure: &ArgumentFailure{Kind: ErrValidation, Reason: strings.Join(problems, "; ")}}
	}
	return ParsedArguments{Args: denumber(obj).(map[string]interface{})}
}

// compiledSchemas caches compiled tool schemas by their JSON text.
var compiledSchemas sync.Map

// compileSchema returns nil for a nil schema or one that does not compile;
// arguments are then accepted without schema checks.
func compileSchema(schema map[string]interface{}) *jsonschema.Schema {
	if schema == nil {
		return nil
	}
	text, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	if cached, ok := compiledSchemas.Load(string(text)); ok {
		return cached.(*jsonschema.Schema)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(text))
	if err != nil {
		return nil
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("tool.json", doc); err != nil {
		return nil
	}
	compiled, err := c.Compile("tool.json")
	if err != nil {
		return nil
	}
	actual, _ := compiledSchemas.LoadOrStore(string(text), compiled)
	return actual.(*jsonschema.Schema)
}

// schemaProblems validates obj and describes every violated constraint,
// sorted.
func schemaProblems(obj map[string]interface{}, schema map[string]interface{}) []string {
	compiled := compileSchema(schema)
	if compiled == nil {
		return nil
	}
	err := compiled.Validate(obj)
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return []string{err.Error()}
	}
	var problems []string
	collectProblems(verr, &problems)
	sort.Strings(problems)
	return slices.Compact(problems)
}

func collectProblems(verr *jsonschema.ValidationError, problems *[]string) {
	if len(verr.Causes) > 0 {
		for _, cause := range verr.Causes {
			collectProblems(cause, problems)
		}
		return
	}
	path := instancePath(verr.InstanceLocation)
	switch k := verr.ErrorKind.(type) {
	case *kind.Required:
		for _, name := range k.Missing {
			*problems = append(*problems, fmt.Sprintf("missing required field %q", join(path, name)))
		}
	case *kind.Type:
		*problems = append(*problems, fmt.Sprintf("field %q has wrong type: expected %s, got %s",
			path, strings.Join(k.Want, " or "), k.Got))
	case *kind.Enum:
		*problems = append(*problems, fmt.Sprintf("field %q must be one of %s, got %s",
			path, formatEnum(k.Want), formatValue(k.Got)))
	default:
		*problems = append(*problems, fmt.Sprintf("field %q violates %s",
			path, strings.Join(verr.ErrorKind.KeywordPath(), "/")))
	}
}

// instancePath renders a location like ["range", "items", "2"] as
// "range.items[2]".
func instancePath(loc []string) string {
	var sb strings.Builder
	for _, seg := range loc {
		if _, err := strconv.Atoi(seg); err == nil {
			sb.WriteString("[" + seg + "]")
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('.')
		}
		sb.WriteString(seg)
	}
	return sb.String()
}

func requiredFields(schema map[string]interface{}) []string {
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []interface{}:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func jsonKind(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case json.Number:
		return "number"
	case bool:
		return "boolean"
	case []interface{}:
		return "array"
	case map[string]interface{}:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func formatEnum(enum []interface{}) string {
	parts := make([]string, len(enum))
	for i, e := range enum {
		parts[i] = formatValue(e)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func formatValue(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func join(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

// denumber converts json.Number values to float64 so tools see the same
// types encoding/json produces by default.
func denumber(v interface{}) interface{} {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return t.String()
		}
		return f
	case map[string]interface{}:
		for k, e := range t {
			t[k] = denumber(e)
		}
		return t
	case []interface{}:
		for i, e := range t {
			t[i] = denumber(e)
		}
		return t
	default:
		return t
	}
}
