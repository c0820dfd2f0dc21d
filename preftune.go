// Package preftune fine-tunes causal language models from pairwise human
// preference data using direct preference optimization.
package preftune

import (
	"errors"

	"github.com/alignsys/preftune/backends"
	"github.com/alignsys/preftune/options"
)

// Session holds the loaded models so they can be shared between training
// sessions and destroyed together.
type Session struct {
	models             map[string]*backends.Model
	options            *options.Options
	environmentDestroy func() error
}

func newSession(backend string, opts ...options.WithOption) (*Session, error) {
	parsedOptions := options.Defaults()
	parsedOptions.Backend = backend
	for _, option := range opts {
		err := option(parsedOptions)
		if err != nil {
			return nil, err
		}
	}

	session := &Session{
		models:  map[string]*backends.Model{},
		options: parsedOptions,
		environmentDestroy: func() error {
			return nil
		},
	}

	return session, nil
}

// NewGoSession creates a session backed by the pure Go onnx runtime.
func NewGoSession(opts ...options.WithOption) (*Session, error) {
	return newSession("GO", opts...)
}

// LoadModel loads the causal LM at modelPath, or returns the already loaded
// instance when the path has been seen before.
func (s *Session) LoadModel(modelPath string, onnxFilename string) (*backends.Model, error) {
	if model, ok := s.models[modelPath]; ok {
		return model, nil
	}
	model, err := backends.LoadModel(modelPath, onnxFilename, s.options)
	if err != nil {
		return nil, err
	}
	s.models[modelPath] = model
	return model, nil
}

// Destroy frees all models loaded in the session. A session should be
// destroyed when not needed any more, preferably with a defer() call.
func (s *Session) Destroy() error {
	var err error
	for _, model := range s.models {
		err = errors.Join(err, model.Destroy())
	}
	s.models = nil

	if s.options != nil {
		err = errors.Join(err, s.options.Destroy())
		s.options = nil
	}

	err = errors.Join(err, s.environmentDestroy())
	return err
}
