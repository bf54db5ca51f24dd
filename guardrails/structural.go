package guardrails

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"gopkg.in/yaml.v3"

	"github.com/BaSui01/guardflow/types"
)

// Format 结构化检测支持的格式
type Format string

const (
	FormatJSON Format = "json"
	FormatXML  Format = "xml"
	FormatYAML Format = "yaml"
)

const detectionSchemaViolation = "schema_violation"

// StructuralDetector fires when a chunk does not parse as the configured
// format or does not satisfy the configured JSON Schema.
type StructuralDetector struct {
	id     string
	format Format
	schema *jsonschema.Resolved
}

// NewStructuralDetector builds a structural detector. params.format is
// required; params.schema may be a JSON Schema mapping or a JSON string and
// applies to json and yaml.
func NewStructuralDetector(id string, params types.Params) (*StructuralDetector, error) {
	format, err := params.String("format", "")
	if err != nil {
		return nil, err
	}
	d := &StructuralDetector{id: id, format: Format(strings.ToLower(format))}
	switch d.format {
	case FormatJSON, FormatXML, FormatYAML:
	case "":
		return nil, types.NewConfigurationError("detector %s: format is required", id)
	default:
		return nil, types.NewConfigurationError("detector %s: unsupported format %q", id, format)
	}

	raw, ok := params["schema"]
	if !ok || raw == nil {
		return d, nil
	}
	if d.format == FormatXML {
		return nil, types.NewConfigurationError("detector %s: schema validation is not supported for xml", id)
	}
	d.schema, err = compileSchema(raw)
	if err != nil {
		return nil, types.NewConfigurationError("detector %s: invalid schema: %v", id, err)
	}
	return d, nil
}

func compileSchema(raw any) (*jsonschema.Resolved, error) {
	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	default:
		normalized, err := toJSONValue(v)
		if err != nil {
			return nil, err
		}
		if data, err = json.Marshal(normalized); err != nil {
			return nil, err
		}
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, err
	}
	return schema.Resolve(nil)
}

func (d *StructuralDetector) ID() string               { return d.id }
func (d *StructuralDetector) Kind() types.DetectorKind { return types.DetectorKindStructural }

// Evaluate parses the chunk and optionally validates it.
func (d *StructuralDetector) Evaluate(ctx context.Context, chunk types.Chunk) ([]types.DetectionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	instance, err := d.parse(chunk.Text)
	if err != nil {
		return []types.DetectionResult{d.result(chunk, "invalid_"+string(d.format), err)}, nil
	}
	if d.schema == nil {
		return nil, nil
	}
	if err := d.schema.Validate(instance); err != nil {
		return []types.DetectionResult{d.result(chunk, detectionSchemaViolation, err)}, nil
	}
	return nil, nil
}

func (d *StructuralDetector) result(chunk types.Chunk, detectionType string, cause error) types.DetectionResult {
	res := wholeChunk(chunk, d.id, string(d.format), detectionType, chunk.Text, 1.0)
	res.Evidence = map[string]any{"error": cause.Error()}
	return res
}

// parse returns a JSON-compatible value (nil for xml).
func (d *StructuralDetector) parse(text string) (any, error) {
	switch d.format {
	case FormatJSON:
		var v any
		if err := json.Unmarshal([]byte(text), &v); err != nil {
			return nil, err
		}
		return v, nil
	case FormatYAML:
		var v any
		if err := yaml.Unmarshal([]byte(text), &v); err != nil {
			return nil, err
		}
		if v == nil && strings.TrimSpace(text) == "" {
			return nil, errors.New("empty document")
		}
		return toJSONValue(v)
	default:
		return nil, parseXML(text)
	}
}

func parseXML(text string) error {
	dec := xml.NewDecoder(strings.NewReader(text))
	depth, roots := 0, 0
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if depth == 0 {
				roots++
			}
			depth++
		case xml.EndElement:
			depth--
		case xml.CharData:
			if depth == 0 && strings.TrimSpace(string(t)) != "" {
				return errors.New("text outside of root element")
			}
		}
	}
	if roots != 1 {
		return fmt.Errorf("expected exactly one root element, found %d", roots)
	}
	return nil
}

// toJSONValue 将 YAML 解码结果规整为 JSON 值（数字统一为 float64，键为字符串）
func toJSONValue(v any) (any, error) {
	data, err := json.Marshal(stringKeys(v))
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func stringKeys(v any) any {
	switch t := v.(type) {
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = stringKeys(val)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = stringKeys(val)
		}
		return m
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = stringKeys(val)
		}
		return out
	default:
		return v
	}
}
