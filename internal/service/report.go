package service

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/timmy/teachermon/internal/domain"
	"github.com/timmy/teachermon/internal/prompts"
)

// degradedSummaryRunes bounds the summary of a report built from raw text.
const degradedSummaryRunes = 1000

// stripCodeFence removes a ```json ... ``` wrapper if the whole text is one.
func stripCodeFence(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl != -1 {
		// Drop the info string ("json") on the opening line.
		if !strings.Contains(s[:nl], "{") {
			s = s[nl+1:]
		}
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// decodeStrict parses text as exactly one JSON object.
func decodeStrict(text string, v interface{}) error {
	body := stripCodeFence(text)
	if !strings.HasPrefix(body, "{") {
		return domain.NewError(domain.KindMalformedResponse, "provider response is not a JSON object")
	}
	dec := json.NewDecoder(strings.NewReader(body))
	if err := dec.Decode(v); err != nil {
		return domain.WrapError(domain.KindMalformedResponse, err, "provider response is not valid JSON")
	}
	if dec.More() {
		return domain.NewError(domain.KindMalformedResponse, "provider response has trailing data")
	}
	return nil
}

// parseReport decodes an analysis response.
func parseReport(text string) (domain.Report, error) {
	var r domain.Report
	if err := decodeStrict(text, &r); err != nil {
		return domain.Report{}, err
	}
	if strings.TrimSpace(r.Summary) == "" && len(r.Strengths) == 0 && len(r.Improvements) == 0 && r.Advice == "" {
		return domain.Report{}, domain.NewError(domain.KindMalformedResponse, "provider response has none of the report fields")
	}
	return r, nil
}

// interpretAnalysis turns provider text into a parsed or degraded outcome.
func interpretAnalysis(text string) domain.AnalysisOutcome {
	r, err := parseReport(text)
	if err != nil {
		return domain.Degraded(text)
	}
	return domain.Parsed(r)
}

// degradedReport keeps unparseable provider text visible to the reviewer.
func degradedReport(raw string) domain.Report {
	raw = strings.TrimSpace(raw)
	return domain.Report{
		Summary:            prompts.Truncate(raw, degradedSummaryRunes),
		Strengths:          []string{},
		Improvements:       []string{},
		TeachingTechniques: []string{},
		Advice:             raw,
	}
}

// reportOf resolves an outcome to the report that gets persisted.
func reportOf(o domain.AnalysisOutcome) domain.Report {
	if o.Kind == domain.OutcomeDegraded {
		return degradedReport(o.Raw)
	}
	r := o.Report
	if r.Strengths == nil {
		r.Strengths = []string{}
	}
	if r.Improvements == nil {
		r.Improvements = []string{}
	}
	if r.TeachingTechniques == nil {
		r.TeachingTechniques = []string{}
	}
	return r
}

// parseTranscript decodes a transcription response. Text that is not the
// expected JSON is kept as a plain full-text transcript.
func parseTranscript(text string) *domain.Transcript {
	var t domain.Transcript
	if err := decodeStrict(text, &t); err == nil {
		if t.Segments == nil {
			t.Segments = []domain.Segment{}
		}
		return &t
	}
	return &domain.Transcript{
		FullText: strings.TrimSpace(text),
		Segments: []domain.Segment{},
		Meta:     map[string]interface{}{"format": "plain"},
	}
}

// transcriptText renders one "[mm:ss - mm:ss] text" line per segment, or
// the full text when there are no segments.
func transcriptText(t *domain.Transcript) string {
	if len(t.Segments) == 0 {
		return t.Text() + "\n"
	}
	var b strings.Builder
	for _, seg := range t.Segments {
		fmt.Fprintf(&b, "[%s - %s] %s\n", clock(seg.Start), clock(seg.End), strings.TrimSpace(seg.Text))
	}
	return b.String()
}

// transcriptSRT renders the segments as SubRip subtitles.
func transcriptSRT(t *domain.Transcript) string {
	var b strings.Builder
	for i, seg := range t.Segments {
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n", i+1, srtTime(seg.Start), srtTime(seg.End), strings.TrimSpace(seg.Text))
	}
	return b.String()
}

func clock(sec float64) string {
	total := int(sec)
	if total < 0 {
		total = 0
	}
	if total >= 3600 {
		return fmt.Sprintf("%d:%02d:%02d", total/3600, total/60%60, total%60)
	}
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}

func srtTime(sec float64) string {
	if sec < 0 {
		sec = 0
	}
	ms := int64(sec*1000 + 0.5)
	return fmt.Sprintf("%02d:%02d:%02d,%03d", ms/3600000, ms/60000%60, ms/1000%60, ms%1000)
}

// marshalIndicators returns nil for an empty indicator map so the column stays NULL.
func marshalIndicators(ind map[string]string) ([]byte, error) {
	if len(ind) == 0 {
		return nil, nil
	}
	return json.Marshal(ind)
}

func prettyJSON(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
