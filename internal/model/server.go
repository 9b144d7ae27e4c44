package model

import (
	"fmt"
	"sync"

	"github.com/Brownie44l1/banana-api/internal/logging"
	ort "github.com/yalue/onnxruntime_go"
)

// Server owns the ONNX session. It is created once at startup and shared by
// all requests; the bound tensors make Run non-reentrant so calls to Scores
// are serialised.
type Server struct {
	session      *ort.AdvancedSession
	Metadata     Metadata
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	mu           sync.Mutex
	log          logging.Logger
}

// Options configures NewServer.
type Options struct {
	// SharedLibraryPath points at libonnxruntime. Empty uses the runtime's
	// platform default.
	SharedLibraryPath string
	Log               logging.Logger
}

func NewServer(modelPath, metadataPath string, opts Options) (*Server, error) {
	log := opts.Log
	if log == nil {
		log = logging.Discard()
	}

	metadata, err := LoadMetadata(metadataPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModelUnavailable, err)
	}

	if opts.SharedLibraryPath != "" {
		ort.SetSharedLibraryPath(opts.SharedLibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("%w: failed to initialize ONNX environment: %w", ErrModelUnavailable, err)
	}

	s := &Server{Metadata: metadata, log: log}

	inputShape := ort.NewShape(metadata.InputShape...)
	outputShape := ort.NewShape(metadata.OutputShape...)

	s.inputTensor, err = ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: failed to create input tensor: %w", ErrModelUnavailable, err)
	}

	s.outputTensor, err = ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: failed to create output tensor: %w", ErrModelUnavailable, err)
	}

	s.session, err = ort.NewAdvancedSession(modelPath,
		[]string{metadata.InputName}, []string{metadata.OutputName},
		[]ort.ArbitraryTensor{s.inputTensor}, []ort.ArbitraryTensor{s.outputTensor},
		nil)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: failed to create ONNX session: %w", ErrModelUnavailable, err)
	}

	log.Infof("Model loaded: %s (input %v %s, classes %v)",
		modelPath, metadata.InputShape, metadata.Layout, metadata.Classes)
	return s, nil
}

// Scores runs one forward pass and returns the raw output vector.
func (s *Server) Scores(input []float32) ([]float32, error) {
	if s == nil || s.session == nil {
		return nil, ErrModelUnavailable
	}
	if len(input) != s.Metadata.InputSize() {
		return nil, fmt.Errorf("expected %d input values, got %d", s.Metadata.InputSize(), len(input))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	copy(s.inputTensor.GetData(), input)

	if err := s.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	outputData := s.outputTensor.GetData()
	scores := make([]float32, len(outputData))
	copy(scores, outputData)
	return scores, nil
}

func (s *Server) Close() {
	if s.inputTensor != nil {
		s.inputTensor.Destroy()
	}
	if s.outputTensor != nil {
		s.outputTensor.Destroy()
	}
	if s.session != nil {
		s.session.Destroy()
	}
	if ort.IsInitialized() {
		ort.DestroyEnvironment()
	}
}
