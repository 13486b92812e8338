// Package config loads declarative ingester definitions from YAML. A
// config file groups ingesters under their dispatch type:
//
//	http_api:
//	  - name: BTCUSD
//	    interval: m5
//	    fields:
//	      - name: price
//	        selector: data.price
//	processor:
//	  - ...
//
// Loaded definitions are validated and default-expanded before they
// reach the orchestrator; factories can assume well-formed ingesters.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"graze/internal/apperr"
	"graze/internal/model"
)

// FieldDef is one field entry of an ingester definition.
type FieldDef struct {
	Name         string   `yaml:"name"`
	Type         string   `yaml:"type"`
	Target       string   `yaml:"target"`
	Selector     string   `yaml:"selector"`
	Params       []any    `yaml:"params"`
	Transformers []string `yaml:"transformers"`
	Tags         []string `yaml:"tags"`
	Transient    bool     `yaml:"transient"`
}

// IngesterDef is one ingester entry. Top-level Target/Selector/Params/
// Transformers are defaults inherited by fields that omit them.
type IngesterDef struct {
	Name         string     `yaml:"name"`
	ResourceType string     `yaml:"resource_type"`
	Interval     string     `yaml:"interval"`
	Target       string     `yaml:"target"`
	Selector     string     `yaml:"selector"`
	Params       []any      `yaml:"params"`
	Transformers []string   `yaml:"transformers"`
	Tags         []string   `yaml:"tags"`
	Protected    bool       `yaml:"protected"`
	Probability  float64    `yaml:"probability"`
	Fields       []FieldDef `yaml:"fields"`
}

// File is a whole config set, keyed by ingester type.
type File struct {
	HTTPAPI      []IngesterDef `yaml:"http_api"`
	WSAPI        []IngesterDef `yaml:"ws_api"`
	EVMCaller    []IngesterDef `yaml:"evm_caller"`
	EVMLogger    []IngesterDef `yaml:"evm_logger"`
	SolanaCaller []IngesterDef `yaml:"solana_caller"`
	SuiCaller    []IngesterDef `yaml:"sui_caller"`
	Processor    []IngesterDef `yaml:"processor"`
}

// Load reads and parses a config file into ready-to-schedule ingesters.
func Load(path string) ([]*model.Ingester, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read config %s: %v", apperr.ErrConfig, path, err)
	}
	return Parse(data)
}

// Parse builds, default-expands and validates every ingester in a config
// document. Names must be unique across all type sections.
func Parse(data []byte) ([]*model.Ingester, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: parse config: %v", apperr.ErrConfig, err)
	}

	sections := []struct {
		typ  model.IngesterType
		defs []IngesterDef
	}{
		{model.TypeHTTPAPI, f.HTTPAPI},
		{model.TypeWSAPI, f.WSAPI},
		{model.TypeEVMCaller, f.EVMCaller},
		{model.TypeEVMLogger, f.EVMLogger},
		{model.TypeSolanaCaller, f.SolanaCaller},
		{model.TypeSuiCaller, f.SuiCaller},
		{model.TypeProcessor, f.Processor},
	}

	var ingesters []*model.Ingester
	seen := make(map[string]bool)
	for _, section := range sections {
		for i := range section.defs {
			ing, err := build(section.typ, &section.defs[i])
			if err != nil {
				return nil, err
			}
			if seen[ing.Name] {
				return nil, fmt.Errorf("%w: duplicate ingester name %q", apperr.ErrConfig, ing.Name)
			}
			seen[ing.Name] = true
			ingesters = append(ingesters, ing)
		}
	}
	return ingesters, nil
}

func build(typ model.IngesterType, def *IngesterDef) (*model.Ingester, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("%w: %s ingester without a name", apperr.ErrConfig, typ)
	}

	resourceType := model.ResourceType(def.ResourceType)
	if def.ResourceType == "" {
		resourceType = model.ResourceTimeSeries
	}
	switch resourceType {
	case model.ResourceValue, model.ResourceSeries, model.ResourceTimeSeries, model.ResourceUpdate:
	default:
		return nil, fmt.Errorf("%w: %s: unknown resource type %q", apperr.ErrConfig, def.Name, def.ResourceType)
	}

	if def.Probability < 0 || def.Probability > 1 {
		return nil, fmt.Errorf("%w: %s: probability %v out of (0,1]", apperr.ErrConfig, def.Name, def.Probability)
	}

	ing := &model.Ingester{
		Name:         def.Name,
		ResourceType: resourceType,
		IngesterType: typ,
		Interval:     model.Interval(def.Interval),
		Target:       def.Target,
		Selector:     def.Selector,
		Params:       def.Params,
		Transformers: def.Transformers,
		Tags:         def.Tags,
		Protected:    def.Protected,
		Probability:  def.Probability,
	}
	for _, fd := range def.Fields {
		ing.Fields = append(ing.Fields, model.Field{
			Name:         fd.Name,
			Type:         model.FieldType(fd.Type),
			Target:       fd.Target,
			Selector:     fd.Selector,
			Params:       fd.Params,
			Transformers: fd.Transformers,
			Tags:         fd.Tags,
			Transient:    fd.Transient,
		})
	}

	ing.ApplyDefaults()
	if err := ing.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", apperr.ErrConfig, def.Name, err)
	}
	return ing, nil
}
