/*
 * Copyright (c) 2026, WSO2 LLC. (https://www.wso2.com).
 *
 * WSO2 LLC. licenses this file to you under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package secretmanager

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/xeipuuv/gojsonschema"

	"github.com/wso2/api-platform/secret-manager/pkg/models"
)

// attributeFormats are per-attribute constraints on top of presence
var attributeFormats = map[string]map[string]interface{}{
	models.AttrVaultURL: {"pattern": "^https?://"},
	models.AttrRegion:   {"pattern": "^[a-z]{2}(-[a-z]+)+-[0-9]+$"},
}

// attributeSchema builds the JSON schema of a config's non-templatized attributes
func attributeSchema(cfg *models.SecretManagerConfig) map[string]interface{} {
	properties := map[string]interface{}{}
	var required []interface{}
	for _, a := range cfg.Attributes() {
		if cfg.IsTemplatized(a.Name) {
			continue
		}
		prop := map[string]interface{}{"type": "string"}
		if a.Required {
			prop["minLength"] = 1
			required = append(required, a.Name)
		}
		if extra, ok := attributeFormats[a.Name]; ok && !a.Secret {
			for k, v := range extra {
				prop[k] = v
			}
		}
		properties[a.Name] = prop
	}
	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// attributeDocument is the validated view: blank strings count as missing
func attributeDocument(cfg *models.SecretManagerConfig) map[string]interface{} {
	doc := map[string]interface{}{}
	for _, a := range cfg.Attributes() {
		if cfg.IsTemplatized(a.Name) {
			continue
		}
		if v := strings.TrimSpace(*a.Value); v != "" {
			doc[a.Name] = v
		}
	}
	return doc
}

// validateConfig checks the structural rules of a config before any side effect.
// Every violation is reported, not only the first.
func validateConfig(cfg *models.SecretManagerConfig) error {
	var result *multierror.Error

	if strings.TrimSpace(cfg.Name) == "" {
		result = multierror.Append(result, fmt.Errorf("name is required"))
	}
	if !cfg.EncryptionType.Valid() {
		result = multierror.Append(result, fmt.Errorf("unsupported encryption type %q", cfg.EncryptionType))
		return result.ErrorOrNil()
	}
	if cfg.RenewalInterval < 0 {
		result = multierror.Append(result, fmt.Errorf("renewal interval must not be negative"))
	}

	if len(cfg.TemplatizedFields) > 0 {
		if cfg.Default {
			result = multierror.Append(result, fmt.Errorf("a templatized secret manager cannot be the default"))
		}
		known := map[string]bool{}
		for _, a := range cfg.Attributes() {
			known[a.Name] = true
		}
		for _, f := range cfg.TemplatizedFields {
			if !known[f] {
				result = multierror.Append(result, fmt.Errorf("templatized field %q is not an attribute of %s", f, cfg.EncryptionType))
			}
		}
	}

	res, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(attributeSchema(cfg)),
		gojsonschema.NewGoLoader(attributeDocument(cfg)),
	)
	if err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to validate attributes: %w", err))
	} else if !res.Valid() {
		for _, e := range res.Errors() {
			field := strings.TrimPrefix(e.Field(), "(root).")
			if field == "(root)" {
				if p, ok := e.Details()["property"]; ok {
					field = fmt.Sprint(p)
				}
			}
			result = multierror.Append(result, fmt.Errorf("%s: %s", field, e.Description()))
		}
	}

	if result == nil {
		return nil
	}
	result.ErrorFormat = func(errs []error) string {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return strings.Join(msgs, "; ")
	}
	return result.ErrorOrNil()
}
