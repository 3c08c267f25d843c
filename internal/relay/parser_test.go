// ABOUTME: Tests for the upstream event-stream parser
// ABOUTME: Covers framing, malformed lines, and the completion disjunction

package relay

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestParser() *Parser {
	return NewParser(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestParser_IgnoresBlankAndCommentLines(t *testing.T) {
	p := newTestParser()

	assert.Nil(t, p.ParseLine(""))
	assert.Nil(t, p.ParseLine("   "))
	assert.Nil(t, p.ParseLine(": keep-alive"))
	assert.Nil(t, p.ParseLine(":"))
}

func TestParser_IgnoresNonDataLines(t *testing.T) {
	p := newTestParser()

	assert.Nil(t, p.ParseLine("event: message"))
	assert.Nil(t, p.ParseLine("id: 42"))
}

func TestParser_EmptyDataPayload(t *testing.T) {
	p := newTestParser()
	assert.Nil(t, p.ParseLine("data:"))
	assert.Nil(t, p.ParseLine("data:   "))
}

func TestParser_MalformedJSONIsDroppedNotFatal(t *testing.T) {
	p := newTestParser()

	assert.Nil(t, p.ParseLine(`data: {not json`))

	// Parser keeps working on subsequent lines
	rec := p.ParseLine(`data: {"response":"ok","delta":"ok"}`)
	require.NotNil(t, rec)
	assert.Equal(t, "ok", rec.Delta)
}

func TestParser_DecodesFields(t *testing.T) {
	p := newTestParser()

	rec := p.ParseLine(`data: {"response":"Hello","delta":"lo","finished":null}`)
	require.NotNil(t, rec)
	require.NotNil(t, rec.Response)
	assert.Equal(t, "Hello", *rec.Response)
	assert.Equal(t, "lo", rec.Delta)
	assert.Nil(t, rec.Finished)
	assert.False(t, rec.Complete())
}

func TestParser_RecordWithoutResponseField(t *testing.T) {
	p := newTestParser()

	rec := p.ParseLine(`data: {"delta":"x"}`)
	require.NotNil(t, rec)
	assert.Nil(t, rec.Response)
}

func TestStreamRecord_CompletionDisjunction(t *testing.T) {
	p := newTestParser()

	tests := []struct {
		name     string
		line     string
		complete bool
	}{
		{
			name:     "finished Stop alone is terminal",
			line:     `data: {"response":"done","finished":"Stop"}`,
			complete: true,
		},
		{
			name:     "delta EOS alone is terminal",
			line:     `data: {"response":"done","delta":"[EOS]"}`,
			complete: true,
		},
		{
			name:     "Usage presence alone is terminal",
			line:     `data: {"response":"done","Usage":{"total_tokens":12}}`,
			complete: true,
		},
		{
			name:     "null Usage still counts as present",
			line:     `data: {"response":"done","Usage":null}`,
			complete: true,
		},
		{
			name:     "no condition means not terminal",
			line:     `data: {"response":"part","delta":"t"}`,
			complete: false,
		},
		{
			name:     "finished with other value is not terminal",
			line:     `data: {"response":"part","finished":"Running"}`,
			complete: false,
		},
		{
			name:     "all three at once is terminal",
			line:     `data: {"finished":"Stop","delta":"[EOS]","Usage":{}}`,
			complete: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := p.ParseLine(tt.line)
			require.NotNil(t, rec)
			assert.Equal(t, tt.complete, rec.Complete())
		})
	}
}

func TestParser_CarriesUsageAndReferences(t *testing.T) {
	p := newTestParser()

	rec := p.ParseLine(`data: {"response":"x","Usage":{"total_tokens":5},"relevant":[{"doc":"a"}]}`)
	require.NotNil(t, rec)
	assert.JSONEq(t, `{"total_tokens":5}`, string(rec.Usage))
	assert.JSONEq(t, `[{"doc":"a"}]`, string(rec.Relevant))
}

func TestParser_IgnoresUnknownFields(t *testing.T) {
	p := newTestParser()

	rec := p.ParseLine(`data: {"response":"x","mystery":"field"}`)
	require.NotNil(t, rec)
	require.NotNil(t, rec.Response)
	assert.Equal(t, "x", *rec.Response)
}
