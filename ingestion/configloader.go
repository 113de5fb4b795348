package ingestion

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/prism-search/prism/model"
)

// epochMillisThreshold separates second-resolution from millisecond-
// resolution numeric epochs. Values at or above it are milliseconds.
const epochMillisThreshold = 1e12

// fallbackTimeLayouts are tried after the configured layout and RFC 3339.
var fallbackTimeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006/01/02 15:04:05",
	"2006-01-02",
	"01/02/2006 15:04:05",
}

// LoaderConfig is the declarative configuration driving the CSV/JSON
// loaders, parsed from prism_config.yaml (or .yml/.json; YAML is a strict
// superset of JSON).
type LoaderConfig struct {
	// Name identifies a plugin-registered format. Unused by the builtin
	// csv/json formats.
	Name   string       `yaml:"name"`
	Format string       `yaml:"format"`
	Input  InputConfig  `yaml:"input"`
	Map    FieldMapping `yaml:"mapping"`
	// TimestampFormat is a Go time layout tried before the standard
	// fallbacks.
	TimestampFormat string `yaml:"timestamp_format"`
}

// InputConfig selects the metadata files within the dataset directory.
type InputConfig struct {
	// Path is a single metadata file, relative to the dataset root.
	Path string `yaml:"path"`
	// Pattern is a glob matched instead of Path when Path is empty.
	// Defaults to *.csv or *.json per the format.
	Pattern string `yaml:"pattern"`
	// Recursive extends Pattern matching into subdirectories.
	Recursive bool `yaml:"recursive"`
	// ArrayField names the key holding the record array when a JSON file
	// is an object rather than a top-level array.
	ArrayField string `yaml:"array_field"`
}

// FieldMapping maps canonical metadata fields to dot-notation source field
// paths. FramePath, Timestamp, and CameraAngle are required; SensorKind may
// be a literal value or a $-prefixed field reference.
type FieldMapping struct {
	FramePath    string `yaml:"frame_path"`
	Timestamp    string `yaml:"timestamp"`
	CameraAngle  string `yaml:"camera_angle"`
	GPSLat       string `yaml:"gps_lat"`
	GPSLon       string `yaml:"gps_lon"`
	Weather      string `yaml:"weather"`
	SensorKind   string `yaml:"sensor_type"`
	OriginalPath string `yaml:"original_path"`
}

// ConfigLoader loads frame metadata from CSV or JSON files as described by
// a LoaderConfig.
type ConfigLoader struct {
	cfg    LoaderConfig
	logger *slog.Logger
}

// NewConfigLoader reads and validates the configuration file. Validation
// failures are fatal here; row-level problems surface later as logged
// skips.
func NewConfigLoader(configPath string, logger *slog.Logger) (*ConfigLoader, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read %q: %w", ErrConfigValidation, configPath, err)
	}
	var cfg LoaderConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parse %q: %w", ErrConfigValidation, configPath, err)
	}
	return NewConfigLoaderFromConfig(cfg, logger)
}

// NewConfigLoaderFromConfig validates an already-parsed configuration.
func NewConfigLoaderFromConfig(cfg LoaderConfig, logger *slog.Logger) (*ConfigLoader, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	cfg.Format = strings.ToLower(cfg.Format)
	if cfg.Format != "csv" && cfg.Format != "json" {
		return nil, fmt.Errorf("%w: format must be csv or json, got %q", ErrConfigValidation, cfg.Format)
	}
	if cfg.Map == (FieldMapping{}) {
		return nil, fmt.Errorf("%w: mapping section is required", ErrConfigValidation)
	}
	for field, value := range map[string]string{
		"frame_path":   cfg.Map.FramePath,
		"timestamp":    cfg.Map.Timestamp,
		"camera_angle": cfg.Map.CameraAngle,
	} {
		if value == "" {
			return nil, fmt.Errorf("%w: mapping.%s is required", ErrConfigValidation, field)
		}
	}
	return &ConfigLoader{cfg: cfg, logger: logger}, nil
}

// LoadMetadata reads every configured metadata file under datasetPath and
// returns the valid rows. Invalid rows are skipped with a logged warning.
func (l *ConfigLoader) LoadMetadata(ctx context.Context, datasetPath string) ([]model.FrameMetadata, error) {
	files, err := l.metadataFiles(datasetPath)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no %s metadata files under %q", ErrConfigValidation, l.cfg.Format, datasetPath)
	}

	var (
		out     []model.FrameMetadata
		skipped int
	)
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows, err := l.readRows(file)
		if err != nil {
			return nil, err
		}
		for i, row := range rows {
			meta, err := l.rowMetadata(datasetPath, row)
			if err != nil {
				skipped++
				l.logger.Warn("skipping metadata row",
					slog.String("file", file),
					slog.Int("row", i),
					slog.Any("error", err))
				continue
			}
			out = append(out, meta)
		}
	}
	l.logger.Info("metadata loaded",
		slog.String("format", l.cfg.Format),
		slog.Int("rows", len(out)),
		slog.Int("skipped", skipped))
	return out, nil
}

func (l *ConfigLoader) metadataFiles(datasetPath string) ([]string, error) {
	if l.cfg.Input.Path != "" {
		p := l.cfg.Input.Path
		if !filepath.IsAbs(p) {
			p = filepath.Join(datasetPath, p)
		}
		if !fileExists(p) {
			return nil, fmt.Errorf("%w: input file %q does not exist", ErrConfigValidation, p)
		}
		return []string{p}, nil
	}

	pattern := l.cfg.Input.Pattern
	if pattern == "" {
		pattern = "*." + l.cfg.Format
	}
	if !l.cfg.Input.Recursive {
		return filepath.Glob(filepath.Join(datasetPath, pattern))
	}

	var files []string
	err := filepath.WalkDir(datasetPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if ok, _ := filepath.Match(pattern, d.Name()); ok {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// readRows parses one metadata file into generic row maps. CSV rows map
// header names to string cells; JSON records keep their decoded value
// types.
func (l *ConfigLoader) readRows(file string) ([]map[string]any, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("%w: read %q: %w", ErrConfigValidation, file, err)
	}
	if l.cfg.Format == "csv" {
		return readCSVRows(data)
	}
	return l.readJSONRows(data, file)
}

func readCSVRows(data []byte) ([]map[string]any, error) {
	r := csv.NewReader(strings.NewReader(string(data)))
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: csv header: %w", ErrConfigValidation, err)
	}
	var rows []map[string]any
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: csv row: %w", ErrConfigValidation, err)
		}
		row := make(map[string]any, len(header))
		for i, name := range header {
			if i < len(record) {
				row[name] = record[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (l *ConfigLoader) readJSONRows(data []byte, file string) ([]map[string]any, error) {
	var records []map[string]any

	if l.cfg.Input.ArrayField != "" {
		var wrapper map[string]any
		if err := json.Unmarshal(data, &wrapper); err != nil {
			return nil, fmt.Errorf("%w: parse %q: %w", ErrConfigValidation, file, err)
		}
		arr, ok := wrapper[l.cfg.Input.ArrayField].([]any)
		if !ok {
			return nil, fmt.Errorf("%w: %q has no array field %q", ErrConfigValidation, file, l.cfg.Input.ArrayField)
		}
		for _, item := range arr {
			if m, ok := item.(map[string]any); ok {
				records = append(records, m)
			}
		}
		return records, nil
	}

	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("%w: parse %q: %w", ErrConfigValidation, file, err)
	}
	return records, nil
}

func (l *ConfigLoader) rowMetadata(datasetPath string, row map[string]any) (model.FrameMetadata, error) {
	var meta model.FrameMetadata

	framePath, ok := fieldString(row, l.cfg.Map.FramePath)
	if !ok || framePath == "" {
		return meta, fmt.Errorf("%w: %s", ErrMissingRequiredField, l.cfg.Map.FramePath)
	}
	if !filepath.IsAbs(framePath) && !strings.Contains(framePath, "://") {
		framePath = filepath.Join(datasetPath, framePath)
	}
	if !strings.Contains(framePath, "://") && !fileExists(framePath) {
		return meta, fmt.Errorf("frame file %q does not exist", framePath)
	}
	meta.FramePath = framePath

	tsRaw, ok := fieldValue(row, l.cfg.Map.Timestamp)
	if !ok {
		return meta, fmt.Errorf("%w: %s", ErrMissingRequiredField, l.cfg.Map.Timestamp)
	}
	ts, err := l.parseTimestamp(tsRaw)
	if err != nil {
		return meta, err
	}
	meta.Timestamp = ts

	angle, ok := fieldString(row, l.cfg.Map.CameraAngle)
	if !ok || angle == "" {
		return meta, fmt.Errorf("%w: %s", ErrMissingRequiredField, l.cfg.Map.CameraAngle)
	}
	meta.SensorAngle = angle

	if l.cfg.Map.GPSLat != "" {
		if v, ok := fieldFloat(row, l.cfg.Map.GPSLat); ok {
			meta.GPSLat = &v
		}
	}
	if l.cfg.Map.GPSLon != "" {
		if v, ok := fieldFloat(row, l.cfg.Map.GPSLon); ok {
			meta.GPSLon = &v
		}
	}
	if l.cfg.Map.Weather != "" {
		meta.Weather, _ = fieldString(row, l.cfg.Map.Weather)
	}
	if l.cfg.Map.OriginalPath != "" {
		meta.OriginalPath, _ = fieldString(row, l.cfg.Map.OriginalPath)
	}
	meta.SensorKind = l.resolveSensorKind(row)
	return meta, nil
}

// resolveSensorKind interprets the sensor_type mapping: a $-prefixed value
// reads the named field from the row, anything else is taken literally.
func (l *ConfigLoader) resolveSensorKind(row map[string]any) model.SensorKind {
	raw := l.cfg.Map.SensorKind
	if raw == "" {
		return model.SensorKindCamera
	}
	if name, ok := strings.CutPrefix(raw, "$"); ok {
		if v, ok := fieldString(row, name); ok && v != "" {
			raw = v
		} else {
			return model.SensorKindCamera
		}
	}
	switch strings.ToLower(raw) {
	case "lidar":
		return model.SensorKindLidar
	case "radar":
		return model.SensorKindRadar
	default:
		return model.SensorKindCamera
	}
}

// parseTimestamp applies the parsing cascade: native time values, numeric
// epochs (seconds or milliseconds by magnitude), the configured layout,
// RFC 3339, then common fallback layouts.
func (l *ConfigLoader) parseTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case float64:
		return epochTime(t), nil
	case int:
		return epochTime(float64(t)), nil
	case int64:
		return epochTime(float64(t)), nil
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return epochTime(f), nil
		}
	}

	s, ok := v.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("%w: unsupported value %v (%T)", ErrTimestampParse, v, v)
	}
	s = strings.TrimSpace(s)
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return epochTime(f), nil
	}
	if l.cfg.TimestampFormat != "" {
		if t, err := time.Parse(l.cfg.TimestampFormat, s); err == nil {
			return t, nil
		}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range fallbackTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrTimestampParse, s)
}

func epochTime(v float64) time.Time {
	if v >= epochMillisThreshold {
		v /= 1000
	}
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

// fieldValue resolves a dot-notation path against a row. Intermediate
// segments must be nested maps.
func fieldValue(row map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	segments := strings.Split(path, ".")
	var current any = row
	for _, seg := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func fieldString(row map[string]any, path string) (string, bool) {
	v, ok := fieldValue(row, path)
	if !ok {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return "", false
	}
}

func fieldFloat(row map[string]any, path string) (float64, bool) {
	v, ok := fieldValue(row, path)
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
