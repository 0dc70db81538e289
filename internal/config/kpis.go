package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// kpiFile is the mapping form of a KPI definition file. A bare list of KPIs
// is accepted as well.
type kpiFile struct {
	KPIs []domain.KPI `yaml:"kpis" json:"kpis"`
}

// LoadKPIs reads a YAML or JSON KPI definition file and normalizes it.
func LoadKPIs(path string) ([]domain.KPI, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read kpi file: %w", err)
	}
	var kpis []domain.KPI
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		kpis, err = parseJSONKPIs(data)
	} else {
		kpis, err = parseYAMLKPIs(data)
	}
	if err != nil {
		return nil, err
	}
	return domain.NormalizeKPIs(kpis)
}

func parseYAMLKPIs(data []byte) ([]domain.KPI, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if len(root.Content) == 0 {
		return nil, fmt.Errorf("parse yaml: empty document")
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	var kpis []domain.KPI
	if root.Content[0].Kind == yaml.SequenceNode {
		if err := decoder.Decode(&kpis); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	} else {
		var f kpiFile
		if err := decoder.Decode(&f); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
		kpis = f.KPIs
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("parse yaml: multiple documents are not supported")
		}
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return kpis, nil
}

func parseJSONKPIs(data []byte) ([]domain.KPI, error) {
	trimmed := bytes.TrimSpace(data)
	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.DisallowUnknownFields()
	var kpis []domain.KPI
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := decoder.Decode(&kpis); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
	} else {
		var f kpiFile
		if err := decoder.Decode(&f); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
		kpis = f.KPIs
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("parse json: multiple documents are not supported")
		}
		return nil, fmt.Errorf("parse json: %w", err)
	}
	return kpis, nil
}
