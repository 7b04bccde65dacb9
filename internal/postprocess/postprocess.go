// Package postprocess turns raw OCR worker output into a validated,
// structured result. It is a pure transformation: no I/O, no state, and
// malformed-but-present input degrades to warnings instead of errors.
package postprocess

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Config controls postprocessing behavior.
type Config struct {
	// ConfidenceWarnThreshold triggers a warning for every field whose
	// confidence score falls strictly below it.
	ConfidenceWarnThreshold float64
}

// DefaultConfig returns the postprocessing defaults.
func DefaultConfig() Config {
	return Config{ConfidenceWarnThreshold: 0.7}
}

// ExtractedData holds the structured fields read off a caution card.
type ExtractedData struct {
	Name       string   `json:"name"`
	DOB        string   `json:"dob"` // ISO YYYY-MM-DD, empty when unparseable
	Phenotypes []string `json:"phenotypes"`
}

// Validation summarizes result quality. IsValid is false whenever a
// mandatory field (the patient name) could not be extracted; Warnings
// accumulate non-fatal concerns.
type Validation struct {
	IsValid  bool     `json:"is_valid"`
	Warnings []string `json:"warnings"`
}

// Result is the cleaned, validated form of a raw OCR payload.
type Result struct {
	RawText          string             `json:"raw_text"`
	ExtractedData    ExtractedData      `json:"extracted_data"`
	ConfidenceScores map[string]float64 `json:"confidence_scores"`
	Validation       Validation         `json:"validation"`
}

// Postprocessor cleans and validates raw OCR output.
type Postprocessor struct {
	cfg Config
}

// New creates a Postprocessor. A zero threshold falls back to the default.
func New(cfg Config) *Postprocessor {
	if cfg.ConfidenceWarnThreshold <= 0 {
		cfg.ConfidenceWarnThreshold = DefaultConfig().ConfidenceWarnThreshold
	}
	return &Postprocessor{cfg: cfg}
}

// Postprocess converts a raw worker payload into a Result. It returns an
// error only when raw is not a JSON object at all; every field-level problem
// is reflected in the validation section instead.
func (p *Postprocessor) Postprocess(raw json.RawMessage) (*Result, error) {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return nil, fmt.Errorf("raw OCR result is not an object: %w", errOrNotObject(err))
	}

	res := &Result{
		RawText:          CleanText(stringField(obj, "text")),
		ConfidenceScores: confidenceScores(obj),
	}

	extracted, _ := obj["extracted_data"].(map[string]any)
	res.ExtractedData = ExtractedData{
		Name:       CleanText(stringField(extracted, "name")),
		DOB:        ParseDate(stringField(extracted, "dob")),
		Phenotypes: CleanList(listField(extracted, "phenotypes")),
	}

	res.Validation = p.validate(res, extracted)
	return res, nil
}

func (p *Postprocessor) validate(res *Result, extracted map[string]any) Validation {
	v := Validation{IsValid: true, Warnings: []string{}}

	if res.ExtractedData.Name == "" {
		v.IsValid = false
		v.Warnings = append(v.Warnings, "patient name could not be extracted")
	}
	if res.ExtractedData.DOB == "" {
		if raw := stringField(extracted, "dob"); raw != "" {
			v.Warnings = append(v.Warnings, fmt.Sprintf("date of birth %q could not be parsed", raw))
		} else {
			v.Warnings = append(v.Warnings, "date of birth is missing")
		}
	}
	if len(res.ExtractedData.Phenotypes) == 0 {
		v.Warnings = append(v.Warnings, "no phenotype entries were extracted")
	}

	// Stable ordering keeps the result deterministic for identical input.
	fields := make([]string, 0, len(res.ConfidenceScores))
	for field := range res.ConfidenceScores {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		if score := res.ConfidenceScores[field]; score < p.cfg.ConfidenceWarnThreshold {
			v.Warnings = append(v.Warnings, fmt.Sprintf("low confidence for %s: %.2f", field, score))
		}
	}

	return v
}

// CleanText normalizes OCR text: NFC normalization, whitespace runs
// collapsed to single spaces, and leading/trailing whitespace trimmed.
func CleanText(s string) string {
	if s == "" {
		return s
	}
	s = norm.NFC.String(s)
	return strings.Join(strings.Fields(s), " ")
}

// CleanList trims every entry and drops the empties.
func CleanList(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if cleaned := CleanText(item); cleaned != "" {
			out = append(out, cleaned)
		}
	}
	return out
}

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"01-02-2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 Jan 2006",
	"02.01.2006",
}

// ParseDate parses a free-form date string into ISO YYYY-MM-DD. It returns
// the empty string, not an error, when the input is unparseable.
func ParseDate(s string) string {
	s = CleanText(s)
	if s == "" {
		return ""
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return ""
}

func stringField(obj map[string]any, key string) string {
	if obj == nil {
		return ""
	}
	s, _ := obj[key].(string)
	return s
}

func listField(obj map[string]any, key string) []string {
	if obj == nil {
		return nil
	}
	raw, _ := obj[key].([]any)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func confidenceScores(obj map[string]any) map[string]float64 {
	scores := map[string]float64{}
	raw, _ := obj["confidence"].(map[string]any)
	for field, v := range raw {
		if f, ok := v.(float64); ok {
			scores[field] = f
		}
	}
	return scores
}

func errOrNotObject(err error) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("payload is null")
}
