package embed

import (
	"context"
	"fmt"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/haivivi/seqlab/pkg/corpus"
)

// OpenAI embedding models.
const (
	// ModelOpenAI3Small is the small embedding model (1536 dims, customizable).
	ModelOpenAI3Small = "text-embedding-3-small"

	// ModelOpenAI3Large is the large embedding model (3072 dims, customizable).
	ModelOpenAI3Large = "text-embedding-3-large"
)

const (
	openAIMaxBatch     = 2048 // OpenAI supports up to 2048 inputs per request
	openAIDefaultDim   = 1536
	openAIDefaultModel = ModelOpenAI3Small
)

// OpenAIDoc is a document-level producer backed by the OpenAI embeddings
// API, or any OpenAI-compatible provider via WithBaseURL. One API input
// is spent per sentence, which makes this by far the slowest producer;
// run it behind the cache layer so each distinct sentence is billed once
// per corpus, not once per epoch.
type OpenAIDoc struct {
	client *openai.Client
	model  string
	dim    int
}

var _ Embedder = (*OpenAIDoc)(nil)

// NewOpenAIDoc creates an OpenAI-backed document producer.
func NewOpenAIDoc(apiKey string, opts ...Option) *OpenAIDoc {
	cfg := config{
		model:      openAIDefaultModel,
		dim:        openAIDefaultDim,
		httpClient: http.DefaultClient,
	}
	for _, o := range opts {
		o(&cfg)
	}

	clientOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(cfg.httpClient),
	}
	if cfg.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(cfg.baseURL))
	}
	client := openai.NewClient(clientOpts...)

	return &OpenAIDoc{client: &client, model: cfg.model, dim: cfg.dim}
}

// Identity returns "openai/<model>/d<dim>".
func (o *OpenAIDoc) Identity() string {
	return fmt.Sprintf("openai/%s/d%d", o.model, o.dim)
}

// Dim returns the configured vector dimensionality.
func (o *OpenAIDoc) Dim() int { return o.dim }

// Level returns DocumentLevel.
func (o *OpenAIDoc) Level() Level { return DocumentLevel }

// Embed attaches one vector per sentence, batching unembedded sentences
// into as few API calls as possible.
func (o *OpenAIDoc) Embed(ctx context.Context, sentences ...*corpus.Sentence) error {
	id := o.Identity()
	var pending []*corpus.Sentence
	var texts []string
	for _, s := range sentences {
		if err := checkSentence(s); err != nil {
			return err
		}
		if Embedded(o, s) {
			continue
		}
		text := s.Text()
		if text == "" {
			return ErrEmptyInput
		}
		pending = append(pending, s)
		texts = append(texts, text)
	}

	for i := 0; i < len(texts); i += openAIMaxBatch {
		end := min(i+openAIMaxBatch, len(texts))
		vecs, err := o.callAPI(ctx, texts[i:end])
		if err != nil {
			return fmt.Errorf("embed batch [%d:%d]: %w", i, end, err)
		}
		for j, vec := range vecs {
			pending[i+j].SetEmbedding(id, vec)
		}
	}
	return nil
}

func (o *OpenAIDoc) callAPI(ctx context.Context, texts []string) ([][]float32, error) {
	params := openai.EmbeddingNewParams{
		Model:          o.model,
		Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Dimensions:     openai.Int(int64(o.dim)),
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	}

	resp, err := o.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, err
	}

	vecs := make([][]float32, len(texts))
	for _, item := range resp.Data {
		idx := item.Index
		if idx < 0 || idx >= int64(len(texts)) {
			return nil, fmt.Errorf("unexpected embedding index %d for batch size %d", idx, len(texts))
		}
		vec := make([]float32, len(item.Embedding))
		for i, f := range item.Embedding {
			vec[i] = float32(f)
		}
		vecs[idx] = vec
	}
	for i, v := range vecs {
		if v == nil {
			return nil, fmt.Errorf("missing embedding for index %d", i)
		}
	}
	return vecs, nil
}
