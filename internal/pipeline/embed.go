package pipeline

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/tmc/langchaingo/llms/ollama"

	"github.com/joseph-ayodele/integrity-pipeline/constants"
)

// Embedder is stage two: text -> vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// HashEmbedder produces deterministic feature-hashed term vectors. It needs
// no network and gives the same vector for the same text on every run.
type HashEmbedder struct {
	dim int
}

func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 384
	}
	return &HashEmbedder{dim: dim}
}

func (h *HashEmbedder) Model() string { return fmt.Sprintf("feature-hash-%d", h.dim) }

func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, Transient(constants.StageEmbed, err)
	}
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return nil, Permanent(constants.StageEmbed, errors.New("no tokens to embed"))
	}

	vec := make([]float64, h.dim)
	add := func(feature string, weight float64) {
		f := fnv.New64a()
		_, _ = f.Write([]byte(feature))
		sum := f.Sum64()
		idx := int(sum % uint64(h.dim))
		// top bit is the sign
		if sum>>63 == 1 {
			weight = -weight
		}
		vec[idx] += weight
	}
	for i, tok := range tokens {
		add("u:"+tok, 1)
		if i > 0 {
			add("b:"+tokens[i-1]+" "+tok, 0.5)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	out := make([]float32, h.dim)
	if norm == 0 {
		return out, nil
	}
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out, nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// OllamaEmbedder asks an Ollama server for embeddings.
type OllamaEmbedder struct {
	llm      *ollama.LLM
	model    string
	maxChars int
	timeout  time.Duration
	logger   *slog.Logger
}

// NewOllamaEmbedder connects to baseURL. A positive timeout bounds each
// embedding request.
func NewOllamaEmbedder(baseURL, model string, timeout time.Duration, logger *slog.Logger) (*OllamaEmbedder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if model == "" {
		model = "nomic-embed-text"
	}
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	llm, err := ollama.New(ollama.WithModel(model), ollama.WithServerURL(baseURL))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize ollama: %w", err)
	}
	return &OllamaEmbedder{llm: llm, model: model, maxChars: 8000, timeout: timeout, logger: logger}, nil
}

func (o *OllamaEmbedder) Model() string { return "ollama/" + o.model }

// Embed sends the text in chunks and averages the chunk vectors.
func (o *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	chunks := chunkText(text, o.maxChars)
	if len(chunks) == 0 {
		return nil, Permanent(constants.StageEmbed, errors.New("no text to embed"))
	}
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	vecs, err := o.llm.CreateEmbedding(ctx, chunks)
	if err != nil {
		o.logger.Warn("ollama embedding failed", "model", o.model, "error", err)
		return nil, Transient(constants.StageEmbed, err)
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return nil, Transient(constants.StageEmbed, errors.New("ollama returned no embeddings"))
	}

	dim := len(vecs[0])
	mean := make([]float32, dim)
	for _, v := range vecs {
		if len(v) != dim {
			return nil, Permanent(constants.StageEmbed, fmt.Errorf("dimension mismatch: got %d, want %d", len(v), dim))
		}
		for i, x := range v {
			mean[i] += x / float32(len(vecs))
		}
	}
	return mean, nil
}

// chunkText splits on whitespace into pieces of at most max characters.
func chunkText(text string, max int) []string {
	words := strings.Fields(text)
	var (
		chunks []string
		b      strings.Builder
	)
	for _, w := range words {
		if b.Len() > 0 && b.Len()+1+len(w) > max {
			chunks = append(chunks, b.String())
			b.Reset()
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(w)
	}
	if b.Len() > 0 {
		chunks = append(chunks, b.String())
	}
	return chunks
}
