// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package rolefile

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/samber/oops"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// SchemaID is the $id of the generated schema.
const SchemaID = "https://holomush.dev/schemas/membergate-roles.schema.json"

var (
	compileOnce sync.Once
	compiled    *jschema.Schema
	compileErr  error
)

// GenerateSchema returns the JSON Schema for role import files.
func GenerateSchema() ([]byte, error) {
	r := jsonschema.Reflector{DoNotReference: true, RequiredFromJSONSchemaTags: true}
	schema := r.Reflect(&File{})
	schema.ID = jsonschema.ID(SchemaID)
	schema.Title = "membergate role import"
	schema.Description = "Roles seeded with membergate roles import"

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, oops.In("rolefile").Wrapf(err, "marshal schema")
	}
	return data, nil
}

func compiledSchema() (*jschema.Schema, error) {
	compileOnce.Do(func() {
		raw, err := GenerateSchema()
		if err != nil {
			compileErr = err
			return
		}
		doc, err := jschema.UnmarshalJSON(strings.NewReader(string(raw)))
		if err != nil {
			compileErr = oops.In("rolefile").Wrapf(err, "parse schema")
			return
		}
		c := jschema.NewCompiler()
		if err := c.AddResource("roles.schema.json", doc); err != nil {
			compileErr = oops.In("rolefile").Wrapf(err, "add schema resource")
			return
		}
		compiled, compileErr = c.Compile("roles.schema.json")
	})
	return compiled, compileErr
}

// ValidateSchema checks YAML data against the role file schema.
func ValidateSchema(data []byte) error {
	if len(data) == 0 {
		return oops.In("rolefile").Code(CodeInvalid).Errorf("role file is empty")
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return oops.In("rolefile").Code(CodeInvalid).Wrapf(err, "invalid YAML")
	}
	// Round-trip through JSON so the validator sees JSON types only.
	asJSON, err := json.Marshal(doc)
	if err != nil {
		return oops.In("rolefile").Code(CodeInvalid).Wrapf(err, "convert YAML")
	}
	inst, err := jschema.UnmarshalJSON(strings.NewReader(string(asJSON)))
	if err != nil {
		return oops.In("rolefile").Code(CodeInvalid).Wrapf(err, "convert YAML")
	}

	sch, err := compiledSchema()
	if err != nil {
		return oops.In("rolefile").Wrapf(err, "compile schema")
	}
	if err := sch.Validate(inst); err != nil {
		return oops.In("rolefile").Code(CodeInvalid).Errorf("schema validation failed: %s", err.Error())
	}
	return nil
}
