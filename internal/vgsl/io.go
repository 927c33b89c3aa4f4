package vgsl

import (
	"encoding/json"
	"fmt"

	"github.com/born-ml/linerec/internal/codec"
	"github.com/born-ml/linerec/internal/serialization"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Metadata keys of a saved model.
const (
	MetaSpec       = "vgsl"
	MetaCodec      = "codec"
	MetaModelID    = "model_id"
	MetaSourceKind = "source_kind"
)

// Save writes the model to path in the .born format. A model without an ID
// gets a new one.
func (m *Model) Save(path string) error {
	codecJSON, err := json.Marshal(m.codec)
	if err != nil {
		return fmt.Errorf("failed to encode codec: %w", err)
	}
	if m.id == "" {
		m.id = uuid.NewString()
	}

	header := serialization.Header{
		ModelType: serialization.ModelTypeRecognition,
		Metadata: map[string]string{
			MetaSpec:       m.spec,
			MetaCodec:      string(codecJSON),
			MetaModelID:    m.id,
			MetaSourceKind: m.kind,
		},
	}
	if err := serialization.WriteFile(path, m.StateDict(), header); err != nil {
		return fmt.Errorf("failed to save model: %w", err)
	}
	return nil
}

// Load reads a model saved by Save.
func Load(path string, opts ...Option) (*Model, error) {
	o := applyOptions(opts)

	r, err := serialization.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	h := r.Header()
	if h.ModelType != serialization.ModelTypeRecognition {
		return nil, fmt.Errorf("not a recognition model: model type %q", h.ModelType)
	}
	spec, ok := h.Metadata[MetaSpec]
	if !ok {
		return nil, fmt.Errorf("missing %q metadata", MetaSpec)
	}
	raw, ok := h.Metadata[MetaCodec]
	if !ok {
		return nil, fmt.Errorf("missing %q metadata", MetaCodec)
	}
	var c codec.Codec
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, err
	}

	m, err := New(spec, &c)
	if err != nil {
		return nil, err
	}
	sd, err := r.ReadStateDict()
	if err != nil {
		return nil, err
	}
	if err := m.LoadStateDict(sd); err != nil {
		return nil, err
	}
	m.id = h.Metadata[MetaModelID]

	o.logger.Debug("loaded born model",
		zap.String("spec", m.spec),
		zap.String("model_id", m.id),
		zap.String("source_kind", h.Metadata[MetaSourceKind]),
		zap.Int("format_version", r.Version()))
	return m, nil
}
