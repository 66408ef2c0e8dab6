package orchestrator

import (
	"encoding/json"
	"fmt"
	"reflect"

	"go.uber.org/zap"

	"github.com/metergate/metergate/internal/models"
	"github.com/metergate/metergate/internal/services/providers"
)

// protectedParams are structural request fields that constraint rules may
// never touch, no matter what a model's meta document says.
var protectedParams = map[string]struct{}{
	"model":    {},
	"messages": {},
	"prompt":   {},
	"stream":   {},
}

// applyChatConstraints validates and rewrites the request against the
// model's parameter rules. It works on the merged JSON form so typed
// fields and pass-through extras are treated uniformly.
func (s *Service) applyChatConstraints(model *models.Model, request *providers.ChatRequest) error {
	rules, err := s.constraintRules(model)
	if err != nil {
		return err
	}
	s.warnUnknownParams(model.ID, rules, request.Extra)
	if len(rules) == 0 {
		return nil
	}

	body, err := requestBody(request)
	if err != nil {
		return err
	}
	if err := s.filterParams(model.ID, rules, body); err != nil {
		return err
	}

	var rewritten providers.ChatRequest
	if err := rewriteRequest(body, &rewritten); err != nil {
		return err
	}
	*request = rewritten
	return nil
}

func (s *Service) applyCompletionConstraints(model *models.Model, request *providers.CompletionRequest) error {
	rules, err := s.constraintRules(model)
	if err != nil {
		return err
	}
	s.warnUnknownParams(model.ID, rules, request.Extra)
	if len(rules) == 0 {
		return nil
	}

	body, err := requestBody(request)
	if err != nil {
		return err
	}
	if err := s.filterParams(model.ID, rules, body); err != nil {
		return err
	}

	var rewritten providers.CompletionRequest
	if err := rewriteRequest(body, &rewritten); err != nil {
		return err
	}
	*request = rewritten
	return nil
}

// constraintRules merges parameterConstraints and customParameters from
// the model meta, dropping any rule that targets a structural field.
func (s *Service) constraintRules(model *models.Model) (map[string]models.ParameterConstraint, error) {
	meta, err := model.ParsedMeta()
	if err != nil {
		s.logger.Error("model meta is unreadable", zap.Error(err), zap.String("model", model.ID))
		return nil, internalError("model configuration error")
	}

	rules := make(map[string]models.ParameterConstraint, len(meta.ParameterConstraints)+len(meta.CustomParameters))
	for name, rule := range meta.ParameterConstraints {
		if constraintTouchesProtected(name, rule) {
			s.logger.Warn("ignoring constraint on structural field",
				zap.String("model", model.ID), zap.String("parameter", name))
			continue
		}
		rules[name] = rule
	}
	for name, rule := range meta.CustomParameters {
		if constraintTouchesProtected(name, rule) {
			s.logger.Warn("ignoring constraint on structural field",
				zap.String("model", model.ID), zap.String("parameter", name))
			continue
		}
		rules[name] = rule
	}
	return rules, nil
}

func constraintTouchesProtected(name string, rule models.ParameterConstraint) bool {
	if _, protected := protectedParams[name]; protected {
		return true
	}
	if rule.AlternativeName != "" {
		if _, protected := protectedParams[rule.AlternativeName]; protected {
			return true
		}
	}
	return false
}

// warnUnknownParams logs pass-through extras the model declares no rule
// for. They are forwarded untouched.
func (s *Service) warnUnknownParams(modelID string, rules map[string]models.ParameterConstraint, extra map[string]interface{}) {
	for name := range extra {
		if _, known := rules[name]; !known {
			s.logger.Warn("passing through unknown parameter",
				zap.String("model", modelID), zap.String("parameter", name))
		}
	}
}

// filterParams applies the rules to the merged body in a fixed order:
// drop unsupported, fill defaults, enforce values and ranges, enforce
// mutual exclusion, rename last so every earlier rule sees the canonical
// name.
func (s *Service) filterParams(modelID string, rules map[string]models.ParameterConstraint, body map[string]interface{}) error {
	for name, rule := range rules {
		if rule.IsSupported() {
			continue
		}
		if _, present := body[name]; !present {
			continue
		}
		delete(body, name)
		s.logger.Warn("dropped unsupported parameter",
			zap.String("model", modelID),
			zap.String("parameter", name),
			zap.String("reason", rule.Reason))
	}

	for name, rule := range rules {
		if !rule.IsSupported() || rule.Default == nil {
			continue
		}
		if _, present := body[name]; present {
			continue
		}
		body[name] = rule.Default
	}

	for name, rule := range rules {
		value, present := body[name]
		if !present || !rule.IsSupported() {
			continue
		}
		if len(rule.AllowedValues) > 0 && !valueAllowed(rule.AllowedValues, value) {
			return validationError(
				fmt.Sprintf("parameter %q is not set to an allowed value", name),
				map[string]interface{}{"parameter": name, "allowedValues": rule.AllowedValues},
			)
		}
		if rule.Min == nil && rule.Max == nil {
			continue
		}
		number, ok := value.(float64)
		if !ok {
			return validationError(
				fmt.Sprintf("parameter %q must be a number", name),
				map[string]interface{}{"parameter": name},
			)
		}
		if rule.Min != nil && number < *rule.Min {
			return validationError(
				fmt.Sprintf("parameter %q must be at least %v", name, *rule.Min),
				map[string]interface{}{"parameter": name, "min": *rule.Min},
			)
		}
		if rule.Max != nil && number > *rule.Max {
			return validationError(
				fmt.Sprintf("parameter %q must be at most %v", name, *rule.Max),
				map[string]interface{}{"parameter": name, "max": *rule.Max},
			)
		}
	}

	for name, rule := range rules {
		if _, present := body[name]; !present {
			continue
		}
		for _, other := range rule.MutuallyExclusiveWith {
			if _, both := body[other]; both {
				return validationError(
					fmt.Sprintf("parameters %q and %q cannot be combined", name, other),
					map[string]interface{}{"parameters": []string{name, other}},
				)
			}
		}
	}

	for name, rule := range rules {
		if rule.AlternativeName == "" {
			continue
		}
		value, present := body[name]
		if !present {
			continue
		}
		delete(body, name)
		body[rule.AlternativeName] = value
	}
	return nil
}

// valueAllowed compares JSON-decoded values, so numbers are float64 on
// both sides regardless of how the meta document spelled them.
func valueAllowed(allowed []interface{}, value interface{}) bool {
	for _, candidate := range allowed {
		if reflect.DeepEqual(candidate, value) {
			return true
		}
	}
	return false
}

func requestBody(request interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(request)
	if err != nil {
		return nil, internalError("failed to encode request")
	}
	var body map[string]interface{}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, internalError("failed to decode request")
	}
	return body, nil
}

func rewriteRequest(body map[string]interface{}, out interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return internalError("failed to encode request")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return badRequest("request parameters do not match the expected types")
	}
	return nil
}
