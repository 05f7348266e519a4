package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/integrity-pipeline/constants"
	"github.com/joseph-ayodele/integrity-pipeline/internal/blob"
	"github.com/joseph-ayodele/integrity-pipeline/internal/common"
	"github.com/joseph-ayodele/integrity-pipeline/internal/entity"
)

func storeDocument(t *testing.T, store blob.Store, filename string, content []byte) *entity.Document {
	t.Helper()
	id := uuid.New()
	doc := &entity.Document{
		ID:        id,
		Filename:  filename,
		FileExt:   constants.NormalizeExt(filename[strings.LastIndex(filename, ".")+1:]),
		Metadata:  entity.DocumentMetadata{Title: "Test Paper", Authors: []string{"Ada Lovelace"}},
		SizeBytes: int64(len(content)),
		CreatedAt: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	}
	doc.StorageKey = blob.DocumentKey(id, filename)
	require.NoError(t, store.Put(context.Background(), doc.StorageKey, bytes.NewReader(content), int64(len(content))))
	return doc
}

func newStore(t *testing.T) blob.Store {
	t.Helper()
	s, err := blob.NewFSStore(t.TempDir(), common.DiscardLogger())
	require.NoError(t, err)
	return s
}

func TestExtractPlainTextSections(t *testing.T) {
	store := newStore(t)
	text := "A Title Line\n\nAbstract\nWe study things.\n\n1. Introduction\nThings matter.\n\nReferences\n[1] Doe, J. (2020). A thing.\n"
	doc := storeDocument(t, store, "paper.txt", []byte(text))

	ext, err := NewTextExtractor(store, 1<<20, common.DiscardLogger()).Extract(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, constants.FormatText, ext.Format)
	assert.Equal(t, 1, ext.PageCount)
	assert.Equal(t, len(strings.Fields(text)), ext.WordCount)
	assert.Equal(t, []string{"abstract", "introduction", "references"}, ext.SectionNames())

	refs, ok := ext.Section(constants.References)
	require.True(t, ok)
	assert.Contains(t, refs, "Doe, J.")
}

func TestExtractMarkdownHeadings(t *testing.T) {
	store := newStore(t)
	doc := storeDocument(t, store, "paper.md", []byte("# Methods\nWe did it.\n## Results\nIt worked.\n"))

	ext, err := NewTextExtractor(store, 0, common.DiscardLogger()).Extract(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, []string{"methods", "results"}, ext.SectionNames())
}

func TestExtractHTML(t *testing.T) {
	store := newStore(t)
	html := `<html><head><style>p{}</style><script>var x = 1;</script></head>
<body><h1>Abstract</h1><p>Deep   results
here.</p><ul><li>point one</li></ul><h2>Conclusion</h2><p>Done.</p></body></html>`
	doc := storeDocument(t, store, "paper.html", []byte(html))

	ext, err := NewTextExtractor(store, 0, common.DiscardLogger()).Extract(context.Background(), doc)
	require.NoError(t, err)
	assert.NotContains(t, ext.Text, "var x")
	assert.Contains(t, ext.Text, "Deep results here.")
	assert.Contains(t, ext.Text, "point one")
	assert.Equal(t, []string{"abstract", "conclusion"}, ext.SectionNames())
}

func TestExtractPermanentFailures(t *testing.T) {
	store := newStore(t)
	x := NewTextExtractor(store, 0, common.DiscardLogger())

	invalid := storeDocument(t, store, "bad.txt", []byte{0xff, 0xfe, 0xfd})
	_, err := x.Extract(context.Background(), invalid)
	assert.True(t, IsPermanent(err), "invalid utf-8: %v", err)

	empty := storeDocument(t, store, "blank.txt", []byte("   \n\t"))
	_, err = x.Extract(context.Background(), empty)
	assert.True(t, IsPermanent(err))

	corrupt := storeDocument(t, store, "broken.pdf", []byte("%PDF-1.4 this is not really a pdf"))
	_, err = x.Extract(context.Background(), corrupt)
	assert.True(t, IsPermanent(err))

	unsupported := &entity.Document{ID: uuid.New(), FileExt: "docx", StorageKey: "documents/x/y.docx"}
	_, err = x.Extract(context.Background(), unsupported)
	assert.True(t, IsPermanent(err))
}

func TestExtractMissingBlobIsTransient(t *testing.T) {
	store := newStore(t)
	doc := &entity.Document{ID: uuid.New(), FileExt: "txt", StorageKey: blob.DocumentKey(uuid.New(), "gone.txt")}
	_, err := NewTextExtractor(store, 0, common.DiscardLogger()).Extract(context.Background(), doc)
	assert.True(t, IsTransient(err))
}

// minimalPDF builds a one-page PDF whose content stream is content, with a
// correct cross-reference table.
func minimalPDF(content string) []byte {
	objs := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Contents 4 0 R /Resources << /Font << /F1 5 0 R >> >> >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>",
	}
	var b bytes.Buffer
	b.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objs))
	for i, o := range objs {
		offsets[i] = b.Len()
		fmt.Fprintf(&b, "%d 0 obj\n%s\nendobj\n", i+1, o)
	}
	xref := b.Len()
	fmt.Fprintf(&b, "xref\n0 %d\n0000000000 65535 f \n", len(objs)+1)
	for _, off := range offsets {
		fmt.Fprintf(&b, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&b, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objs)+1, xref)
	return b.Bytes()
}

func TestExtractPDF(t *testing.T) {
	store := newStore(t)
	content := "BT /F1 12 Tf 72 720 Td (Abstract) Tj ET\nBT /F1 12 Tf 72 700 Td (We measure \\(carefully\\) the effect.) Tj ET"
	doc := storeDocument(t, store, "paper.pdf", minimalPDF(content))

	ext, err := NewTextExtractor(store, 0, common.DiscardLogger()).Extract(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, 1, ext.PageCount)
	assert.Contains(t, ext.Text, "We measure (carefully) the effect.")
	assert.Equal(t, []string{"abstract"}, ext.SectionNames())
}

func TestTextFromContentStream(t *testing.T) {
	src := []byte(`BT /F1 10 Tf 50 700 Td [(Hel) 20 (lo) -300 (world)] TJ T* (next line) Tj
<FEFF00480069> Tj ET
q 1 0 0 1 0 0 cm BI /W 1 /H 1 ID xyz EI Q
BT (caf\351) Tj ET`)
	got := textFromContentStream(src)
	assert.Equal(t, "Hello world\nnext lineHi\ncafé", got)
}
