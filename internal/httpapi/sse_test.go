package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventWriterFraming(t *testing.T) {
	rec := httptest.NewRecorder()
	ew, err := NewEventWriter(rec)
	require.NoError(t, err)

	require.NoError(t, ew.Send(TagSession, "42_abc"))
	require.NoError(t, ew.Send(TagContent, "第一行\n第二行"))
	require.NoError(t, ew.Send(TagDone, ""))

	body := rec.Body.String()
	assert.Contains(t, body, "data: SESSION:42_abc\n\n")
	assert.Contains(t, body, "data: CONTENT:第一行\\n第二行\n\n")
	assert.Contains(t, body, "data: DONE:\n\n")

	// Every event stays on one line.
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "data: ") {
			assert.NotContains(t, line[len("data: "):], "\n")
		}
	}
}

func TestEventWriterHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	_, err := NewEventWriter(rec)
	require.NoError(t, err)

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
}

func TestEventWriterComment(t *testing.T) {
	rec := httptest.NewRecorder()
	ew, err := NewEventWriter(rec)
	require.NoError(t, err)
	require.NoError(t, ew.Comment("heartbeat"))
	assert.Contains(t, rec.Body.String(), ": heartbeat\n\n")
}

// nonFlushing is an http.ResponseWriter without Flusher support.
type nonFlushing struct{}

func (nonFlushing) Header() http.Header         { return http.Header{} }
func (nonFlushing) Write(b []byte) (int, error) { return len(b), nil }
func (nonFlushing) WriteHeader(int)             {}

func TestEventWriterRequiresFlusher(t *testing.T) {
	_, err := NewEventWriter(nonFlushing{})
	assert.Error(t, err)
}
