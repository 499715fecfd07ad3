package aggregation

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// BillableMetric defines what a metric consumes and how it aggregates.
// Metrics are loaded at startup from YAML files and fingerprinted.
type BillableMetric struct {
	Code            string
	Name            string
	EventCode       string // event type the metric consumes
	AggregationType string
	FieldName       string // property carrying the unit identifier
	GroupBy         string // optional property splitting a subscription into chains
	Fingerprint     string // SHA-256 of the raw YAML file
}

// ChainKey returns the chain an event of this metric belongs to.
func (m BillableMetric) ChainKey(subscriptionID string, props map[string]interface{}) ChainKey {
	key := ChainKey{SubscriptionID: subscriptionID, MetricCode: m.Code}
	if m.GroupBy != "" {
		key.GroupKey, _ = ExtractUniqueID(props, m.GroupBy)
	}
	return key
}

// rawMetric is the on-disk YAML shape.
type rawMetric struct {
	Code            string `yaml:"code"`
	Name            string `yaml:"name"`
	EventCode       string `yaml:"event_code"`
	AggregationType string `yaml:"aggregation_type"`
	FieldName       string `yaml:"field_name"`
	GroupBy         string `yaml:"group_by"`
}

// MetricRepository looks up billable metrics.
type MetricRepository interface {
	Get(ctx context.Context, code string) (*BillableMetric, error)
	List(ctx context.Context, eventCode string) ([]BillableMetric, error)
}

// FileSystemMetricRepository loads one metric per *.yaml file in a directory.
// Metrics are read once; there is no hot reload.
type FileSystemMetricRepository struct {
	dir     string
	metrics map[string]BillableMetric // keyed by Code
}

// NewFileSystemMetricRepository eagerly loads all metrics from dir. A missing
// directory is not an error and yields an empty repository.
func NewFileSystemMetricRepository(dir string) (*FileSystemMetricRepository, error) {
	repo := &FileSystemMetricRepository{
		dir:     dir,
		metrics: make(map[string]BillableMetric),
	}
	if err := repo.load(); err != nil {
		return nil, err
	}
	return repo, nil
}

// NewStaticMetricRepository serves a fixed set of metrics.
func NewStaticMetricRepository(metrics ...BillableMetric) (*FileSystemMetricRepository, error) {
	repo := &FileSystemMetricRepository{metrics: make(map[string]BillableMetric, len(metrics))}
	for _, m := range metrics {
		if m.EventCode == "" {
			m.EventCode = m.Code
		}
		if err := validateMetric(m); err != nil {
			return nil, err
		}
		if _, exists := repo.metrics[m.Code]; exists {
			return nil, fmt.Errorf("metric %q: duplicate code", m.Code)
		}
		repo.metrics[m.Code] = m
	}
	return repo, nil
}

func (r *FileSystemMetricRepository) load() error {
	info, err := os.Stat(r.dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("metric dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("metric path %q is not a directory", r.dir)
	}

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("reading metric dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() || (!strings.HasSuffix(e.Name(), ".yaml") && !strings.HasSuffix(e.Name(), ".yml")) {
			continue
		}

		path := filepath.Join(r.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading metric file %s: %w", path, err)
		}

		var raw rawMetric
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("parsing metric file %s: %w", path, err)
		}
		if raw.Code == "" {
			continue // comment-only file
		}

		m := BillableMetric{
			Code:            raw.Code,
			Name:            raw.Name,
			EventCode:       raw.EventCode,
			AggregationType: raw.AggregationType,
			FieldName:       raw.FieldName,
			GroupBy:         raw.GroupBy,
			Fingerprint:     fmt.Sprintf("%x", sha256.Sum256(data)),
		}
		if m.EventCode == "" {
			m.EventCode = m.Code
		}
		if err := validateMetric(m); err != nil {
			return err
		}
		if _, exists := r.metrics[m.Code]; exists {
			return fmt.Errorf("metric %q: duplicate code (check multiple YAML files)", m.Code)
		}
		r.metrics[m.Code] = m
	}
	return nil
}

func validateMetric(m BillableMetric) error {
	if m.Code == "" {
		return fmt.Errorf("metric: code must not be empty")
	}
	if !ValidKind(m.AggregationType) {
		return fmt.Errorf("metric %q: %w: %q", m.Code, ErrUnknownKind, m.AggregationType)
	}
	if m.AggregationType == KindUniqueCount && m.FieldName == "" {
		return fmt.Errorf("metric %q: field_name is required for %s", m.Code, KindUniqueCount)
	}
	return nil
}

// Get returns the metric with the given code.
func (r *FileSystemMetricRepository) Get(_ context.Context, code string) (*BillableMetric, error) {
	m, ok := r.metrics[code]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMetricNotFound, code)
	}
	return &m, nil
}

// List returns all metrics sorted by code, optionally filtered by event code.
func (r *FileSystemMetricRepository) List(_ context.Context, eventCode string) ([]BillableMetric, error) {
	out := make([]BillableMetric, 0, len(r.metrics))
	for _, m := range r.metrics {
		if eventCode != "" && m.EventCode != eventCode {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}
