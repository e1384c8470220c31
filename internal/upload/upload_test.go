package upload

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/detectord/internal/analysis"
	"github.com/loykin/detectord/internal/history"
)

type fakeAnalyzer struct {
	res   *analysis.Response
	err   error
	texts []string
}

func (f *fakeAnalyzer) Analyze(_ context.Context, text string) (*analysis.Response, error) {
	f.texts = append(f.texts, text)
	return f.res, f.err
}

type memSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (m *memSink) Send(_ context.Context, e history.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memSink) Close() error { return nil }

func newProcessor(t *testing.T, a Analyzer, sink *memSink) *Processor {
	t.Helper()
	var fan *history.Fanout
	if sink != nil {
		fan = history.NewFanout(sink)
	}
	p, err := NewProcessor(Config{Dir: t.TempDir(), MaxBytes: 64}, a, fan, nil)
	require.NoError(t, err)
	return p
}

func TestProcess_AIContentDetected(t *testing.T) {
	a := &fakeAnalyzer{res: &analysis.Response{Status: "success", Score: 0.8734, AIGenerated: true}}
	sink := &memSink{}
	p := newProcessor(t, a, sink)

	res, err := p.Process(context.Background(), "essay.txt", strings.NewReader("some essay text"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "File processed. AI content detected (87.34% confidence)", res.Message)
	require.NotNil(t, res.Score)
	assert.InDelta(t, 0.8734, *res.Score, 1e-9)
	require.NotNil(t, res.AIGenerated)
	assert.True(t, *res.AIGenerated)
	assert.Equal(t, "some essay text", res.Content)
	assert.Equal(t, []string{"some essay text"}, a.texts)

	assert.Equal(t, res.ID+"_essay.txt", res.StoredName)
	_, err = os.Stat(filepath.Join(p.Dir(), res.StoredName))
	assert.NoError(t, err)

	require.Len(t, sink.events, 1)
	ev := sink.events[0]
	assert.Equal(t, history.EventAnalysis, ev.Type)
	require.NotNil(t, ev.Analysis)
	assert.Equal(t, res.ID, ev.Analysis.UploadID)
	assert.True(t, ev.Analysis.Success)
	assert.InDelta(t, 0.8734, ev.Analysis.Score, 1e-9)
}

func TestProcess_NoSignificantAIContent(t *testing.T) {
	a := &fakeAnalyzer{res: &analysis.Response{Status: "success", Score: 0.12, AIGenerated: false}}
	p := newProcessor(t, a, nil)

	res, err := p.Process(context.Background(), "notes.md", strings.NewReader("# notes"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "File processed. No significant AI content detected (12.00% confidence)", res.Message)
	assert.False(t, *res.AIGenerated)
}

func TestProcess_AnalysisFailureHasNoScore(t *testing.T) {
	a := &fakeAnalyzer{err: &analysis.ExhaustedError{Attempts: 3, Last: &analysis.ConnectivityError{URL: "http://x/detect", Err: errors.New("refused")}}}
	sink := &memSink{}
	p := newProcessor(t, a, sink)

	res, err := p.Process(context.Background(), "essay.txt", strings.NewReader("text"))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Nil(t, res.Score)
	assert.Nil(t, res.AIGenerated)
	assert.Equal(t, analysis.ClassConnectivity, res.FailureClass)
	assert.Contains(t, res.Message, "analysis failed")

	require.Len(t, sink.events, 1)
	assert.False(t, sink.events[0].Analysis.Success)
	assert.Zero(t, sink.events[0].Analysis.Score)
}

func TestProcess_ExtractionFailures(t *testing.T) {
	cases := map[string]struct {
		name    string
		content string
	}{
		"unsupported extension": {"report.pdf", "%PDF-1.4"},
		"blank text":            {"blank.txt", "   \n\t "},
		"invalid utf8":          {"bin.txt", "\xff\xfe\xfd"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			a := &fakeAnalyzer{}
			p := newProcessor(t, a, nil)
			res, err := p.Process(context.Background(), tc.name, strings.NewReader(tc.content))
			require.NoError(t, err)
			assert.False(t, res.Success)
			assert.Equal(t, "Failed to extract text from file", res.Message)
			assert.Empty(t, a.texts, "analyzer not called")
		})
	}
}

func TestProcess_EmptyAndOversizedFiles(t *testing.T) {
	a := &fakeAnalyzer{}
	p := newProcessor(t, a, nil)

	res, err := p.Process(context.Background(), "empty.txt", strings.NewReader(""))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "Failed to upload empty file", res.Message)

	res, err = p.Process(context.Background(), "big.txt", strings.NewReader(strings.Repeat("a", 65)))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "larger than 64 bytes")

	entries, err := os.ReadDir(p.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries, "rejected uploads are not kept")
	assert.Empty(t, a.texts)
}

func TestProcess_SanitizesFileName(t *testing.T) {
	a := &fakeAnalyzer{res: &analysis.Response{Status: "success", Score: 0.5, AIGenerated: false}}
	p := newProcessor(t, a, nil)

	res, err := p.Process(context.Background(), "../../etc/passwd.txt", strings.NewReader("x"))
	require.NoError(t, err)
	assert.Equal(t, "passwd.txt", res.FileName)
	_, err = os.Stat(filepath.Join(p.Dir(), res.StoredName))
	assert.NoError(t, err)

	assert.Equal(t, "a.txt", cleanName(`C:\Users\me\a.txt`))
	assert.Equal(t, "upload", cleanName(""))
}

func TestPruneFiles(t *testing.T) {
	p := newProcessor(t, &fakeAnalyzer{}, nil)
	oldPath := filepath.Join(p.Dir(), "old.txt")
	newPath := filepath.Join(p.Dir(), "new.txt")
	require.NoError(t, os.WriteFile(oldPath, []byte("o"), 0o600))
	require.NoError(t, os.WriteFile(newPath, []byte("n"), 0o600))
	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(oldPath, past, past))

	n, err := p.PruneFiles(time.Now().Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = os.Stat(oldPath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(newPath)
	assert.NoError(t, err)
}

func TestNewProcessor_RequiresDir(t *testing.T) {
	_, err := NewProcessor(Config{}, &fakeAnalyzer{}, nil, nil)
	assert.Error(t, err)
}
