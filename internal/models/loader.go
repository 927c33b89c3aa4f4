package models

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/born-ml/linerec/internal/vgsl"
	"go.uber.org/zap"
)

// Loader reads one checkpoint format.
type Loader struct {
	Kind string
	Load func(path string, opts ...vgsl.Option) (*vgsl.Model, error)
}

// Loaders returns the loaders in the order LoadAny tries them.
func Loaders() []Loader {
	return []Loader{
		{Kind: vgsl.KindVGSL, Load: vgsl.Load},
		{Kind: vgsl.KindCLSTM, Load: vgsl.LoadCLSTM},
		{Kind: vgsl.KindPronn, Load: vgsl.LoadPronn},
		{Kind: vgsl.KindPyrnn, Load: vgsl.LoadPyrnn},
	}
}

// NormalizePath expands a leading ~, then environment variables, and makes
// the result absolute. A ~ produced by a variable is kept literally.
func NormalizePath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expanding ~: %w", err)
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(os.ExpandEnv(path))
}

// LoadAny loads a model in any supported format and wraps it. Loaders are
// tried in the order of Loaders; the first success wins and sets Kind.
func LoadAny(path string, opts ...Option) (*SeqRecognizer, error) {
	cfg := newConfig(opts)
	return loadWith(Loaders(), path, cfg, opts)
}

func loadWith(loaders []Loader, path string, cfg config, opts []Option) (*SeqRecognizer, error) {
	log := cfg.logger

	abs, err := NormalizePath(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidModel, path, err)
	}
	log.Info("loading model", zap.String("path", abs))

	var lastErr error
	for _, l := range loaders {
		m, err := l.Load(abs, vgsl.WithLogger(log))
		if err != nil {
			log.Debug("loader failed", zap.String("kind", l.Kind), zap.Error(err))
			lastErr = err
			continue
		}

		r, err := NewSeqRecognizer(m, opts...)
		if err != nil {
			return nil, err
		}
		r.kind = l.Kind
		log.Info("model loaded",
			zap.String("kind", l.Kind),
			zap.String("spec", m.Spec()),
			zap.Int("classes", m.Classes()))
		return r, nil
	}
	return nil, fmt.Errorf("%w: %s: %w", ErrInvalidModel, abs, lastErr)
}
