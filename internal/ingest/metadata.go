package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/joseph-ayodele/integrity-pipeline/internal/common"
	"github.com/joseph-ayodele/integrity-pipeline/internal/entity"
)

const metadataSchema = `{
  "type": "object",
  "properties": {
    "title":   {"type": "string", "minLength": 1, "maxLength": 500},
    "authors": {"type": "array", "items": {"type": "string", "minLength": 1, "maxLength": 200}, "maxItems": 100},
    "journal": {"type": "string", "maxLength": 300}
  },
  "required": ["title", "authors"],
  "additionalProperties": false
}`

// MetadataValidator checks the declared document metadata of an upload.
type MetadataValidator struct {
	schema *jsonschema.Schema
}

func NewMetadataValidator() (*MetadataValidator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("metadata.json", strings.NewReader(metadataSchema)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("metadata.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &MetadataValidator{schema: schema}, nil
}

// Parse validates raw against the metadata schema and decodes it.
func (v *MetadataValidator) Parse(raw []byte) (entity.DocumentMetadata, error) {
	var meta entity.DocumentMetadata
	if len(bytes.TrimSpace(raw)) == 0 {
		return meta, invalidMetadata("metadata is required")
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return meta, invalidMetadata("metadata is not valid JSON")
	}
	if err := v.schema.Validate(doc); err != nil {
		return meta, invalidMetadata(describe(err))
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return meta, invalidMetadata("metadata is not valid JSON")
	}
	meta.Title = strings.TrimSpace(meta.Title)
	if meta.Title == "" {
		return meta, invalidMetadata("title must not be blank")
	}
	if meta.Authors == nil {
		meta.Authors = []string{}
	}
	return meta, nil
}

func invalidMetadata(msg string) error {
	return common.NewAppError(common.CodeInvalidMetadata, msg, common.ErrInvalidMetadata)
}

// describe flattens a schema violation into "location: message" pairs
// without the schema URLs.
func describe(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return "metadata does not match schema"
	}
	var parts []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			parts = append(parts, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return strings.Join(parts, "; ")
}
