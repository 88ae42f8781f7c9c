package domain

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Report is the structured teaching analysis returned by the AI provider.
type Report struct {
	Summary            string            `json:"summary"`
	Strengths          []string          `json:"strengths"`
	Improvements       []string          `json:"improvements"`
	TeachingTechniques []string          `json:"teachingTechniques"`
	StudentEngagement  string            `json:"studentEngagement"`
	Indicators         map[string]string `json:"indicators"`
	OverallScore       Score             `json:"overallScore"`
	Advice             string            `json:"advice"`
}

// Score accepts a JSON number or a string that starts with one ("4", "4/5").
type Score float64

func (s *Score) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*s = 0
		return nil
	}
	if data[0] != '"' {
		var f float64
		if err := json.Unmarshal(data, &f); err != nil {
			return err
		}
		*s = Score(f)
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	end := 0
	for end < len(str) && (str[end] == '.' || (str[end] >= '0' && str[end] <= '9')) {
		end++
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(str[:end]), 64)
	if err != nil {
		*s = 0
		return nil
	}
	*s = Score(f)
	return nil
}

// Segment is one timed piece of a transcript, in seconds.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Transcript is the content of artifacts/transcript.json.
type Transcript struct {
	FullText string                 `json:"fullText,omitempty"`
	Segments []Segment              `json:"segments"`
	Meta     map[string]interface{} `json:"meta,omitempty"`
}

// Text returns the full transcript text, joining segments when no full text was recorded.
func (t *Transcript) Text() string {
	if strings.TrimSpace(t.FullText) != "" {
		return t.FullText
	}
	parts := make([]string, 0, len(t.Segments))
	for _, seg := range t.Segments {
		if txt := strings.TrimSpace(seg.Text); txt != "" {
			parts = append(parts, txt)
		}
	}
	return strings.Join(parts, " ")
}

// OutcomeKind tags an AnalysisOutcome.
type OutcomeKind int

const (
	OutcomeParsed OutcomeKind = iota + 1
	OutcomeDegraded
)

// AnalysisOutcome is the result of interpreting a provider response:
// either a parsed report or the raw text that could not be parsed.
type AnalysisOutcome struct {
	Kind   OutcomeKind
	Report Report
	Raw    string
}

// Parsed wraps a successfully decoded report.
func Parsed(r Report) AnalysisOutcome {
	return AnalysisOutcome{Kind: OutcomeParsed, Report: r}
}

// Degraded wraps provider text that was not valid report JSON.
func Degraded(raw string) AnalysisOutcome {
	return AnalysisOutcome{Kind: OutcomeDegraded, Raw: raw}
}
