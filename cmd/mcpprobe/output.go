package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
	"gopkg.in/yaml.v3"

	"github.com/MegaGrindStone/go-mcp-probe"
)

type toolView struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	InputSchema any    `yaml:"input_schema,omitempty"`
}

type outcomeView struct {
	Tool         string  `yaml:"tool"`
	Success      bool    `yaml:"success"`
	DurationMs   float64 `yaml:"duration_ms"`
	ResponseSize int     `yaml:"response_size"`
	Error        string  `yaml:"error,omitempty"`
	Text         string  `yaml:"text,omitempty"`
	IsError      bool    `yaml:"is_error,omitempty"`
	Diff         string  `yaml:"diff,omitempty"`
}

type healthView struct {
	Status           string   `yaml:"status"`
	Connected        bool     `yaml:"connected"`
	StreamAlive      bool     `yaml:"stream_alive"`
	SinceLastEventMs *float64 `yaml:"since_last_event_ms,omitempty"`
	ToolsCount       int      `yaml:"tools_count"`
	DurationMs       float64  `yaml:"duration_ms"`
	SessionID        string   `yaml:"session_id,omitempty"`
	Error            string   `yaml:"error,omitempty"`
}

type eventView struct {
	Kind string `yaml:"kind"`
	Type string `yaml:"type,omitempty"`
	ID   string `yaml:"id,omitempty"`
	Data any    `yaml:"data,omitempty"`
}

func newToolView(tool mcp.Tool) toolView {
	v := toolView{Name: tool.Name, Description: tool.Description}
	if len(tool.InputSchema) > 0 {
		var schema any
		if err := json.Unmarshal(tool.InputSchema, &schema); err == nil {
			v.InputSchema = schema
		} else {
			v.InputSchema = string(tool.InputSchema)
		}
	}
	return v
}

func newOutcomeView(outcome mcp.ToolCallOutcome) outcomeView {
	v := outcomeView{
		Tool:         outcome.ToolName,
		Success:      outcome.Success,
		DurationMs:   outcome.DurationMs(),
		ResponseSize: outcome.ResponseSize,
		Error:        outcome.ErrorMessage,
	}
	if outcome.Result != nil {
		v.Text = outcome.Result.Text()
		v.IsError = outcome.Result.IsError
	}
	return v
}

func newHealthView(report mcp.HealthReport) healthView {
	v := healthView{
		Status:      string(report.Status),
		Connected:   report.Connected,
		StreamAlive: report.StreamAlive,
		ToolsCount:  report.ToolsCount,
		DurationMs:  durationMs(report.Duration),
		SessionID:   report.SessionID,
		Error:       report.Error,
	}
	if report.EventSeen {
		since := durationMs(report.SinceLastEvent)
		v.SinceLastEventMs = &since
	}
	return v
}

func newEventView(ev mcp.Event) eventView {
	v := eventView{Kind: ev.Kind.String(), Type: ev.Type, ID: ev.ID}
	var data any
	if err := json.Unmarshal([]byte(ev.Data), &data); err == nil {
		v.Data = data
	} else if ev.Data != "" {
		v.Data = ev.Data
	}
	return v
}

// textDiff renders the patch turning want into got.
func textDiff(want, got string) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(want, got, true)

	var b strings.Builder
	b.WriteString("--- expected\n+++ actual\n")
	b.WriteString(dmp.PatchToText(dmp.PatchMake(diffs)))
	return b.String()
}

// printYAML writes v as a YAML document.
func printYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return enc.Close()
}

func decodeJSON(raw string, v any) error {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	return dec.Decode(v)
}
