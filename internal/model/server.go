package model

import (
	"errors"
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// Server owns the ONNX session for the lifetime of the process.
// The session binds a single input and output tensor, so runs are serialised.
type Server struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	inputShape   ort.Shape
	numClasses   int
}

// NewServer loads the model described by opts. A missing artifact yields
// ErrModelNotFound before the ONNX runtime is touched.
func NewServer(opts Options) (*Server, error) {
	if _, err := os.Stat(opts.Path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w at: %s", ErrModelNotFound, opts.Path)
		}
		return nil, fmt.Errorf("stat model: %w", err)
	}
	if len(opts.InputShape) == 0 {
		return nil, errors.New("input shape is required")
	}

	if opts.LibraryPath != "" {
		ort.SetSharedLibraryPath(opts.LibraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}

	inputs, outputs, err := ort.GetInputOutputInfo(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model metadata: %w", err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, errors.New("model declares no inputs or outputs")
	}
	inputName, outputName := opts.InputName, opts.OutputName
	if inputName == "" {
		inputName = inputs[0].Name
	}
	if outputName == "" {
		outputName = outputs[0].Name
	}

	inputShape := ort.NewShape(opts.InputShape...)
	if err := checkShape(findInfo(inputs, inputName), inputShape); err != nil {
		return nil, err
	}
	outputShape := concreteShape(findInfo(outputs, outputName))
	if outputShape == nil {
		return nil, fmt.Errorf("model has no output named %q", outputName)
	}

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(opts.Path,
		[]string{inputName}, []string{outputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &Server{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		inputShape:   inputShape,
		numClasses:   int(outputShape.FlattenedSize()),
	}, nil
}

// Predict runs one forward pass and returns a copy of the output vector.
func (s *Server) Predict(input []float32) ([]float32, error) {
	if want := int(s.inputShape.FlattenedSize()); len(input) != want {
		return nil, fmt.Errorf("%w: expected %d input values, got %d", ErrInference, want, len(input))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	copy(s.inputTensor.GetData(), input)
	if err := s.session.Run(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}

	out := make([]float32, s.numClasses)
	copy(out, s.outputTensor.GetData())
	return out, nil
}

// NumClasses is the length of every probability vector Predict returns.
func (s *Server) NumClasses() int { return s.numClasses }

// InputShape returns the bound input shape, batch dimension included.
func (s *Server) InputShape() []int64 {
	return append([]int64(nil), s.inputShape...)
}

func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inputTensor != nil {
		s.inputTensor.Destroy()
		s.inputTensor = nil
	}
	if s.outputTensor != nil {
		s.outputTensor.Destroy()
		s.outputTensor = nil
	}
	if s.session != nil {
		s.session.Destroy()
		s.session = nil
	}
	ort.DestroyEnvironment()
}

func findInfo(infos []ort.InputOutputInfo, name string) *ort.InputOutputInfo {
	for i := range infos {
		if infos[i].Name == name {
			return &infos[i]
		}
	}
	return nil
}

// checkShape verifies want against the model's declared input dims.
// Dynamic dims (negative) accept any size.
func checkShape(info *ort.InputOutputInfo, want ort.Shape) error {
	if info == nil {
		return errors.New("model has no matching input")
	}
	got := info.Dimensions
	if len(got) != len(want) {
		return fmt.Errorf("model input %q has shape %v, preprocessor produces %v", info.Name, got, want)
	}
	for i := range got {
		if got[i] >= 0 && got[i] != want[i] {
			return fmt.Errorf("model input %q has shape %v, preprocessor produces %v", info.Name, got, want)
		}
	}
	return nil
}

// concreteShape replaces dynamic dims with 1 (single-image batch).
func concreteShape(info *ort.InputOutputInfo) ort.Shape {
	if info == nil {
		return nil
	}
	shape := make(ort.Shape, len(info.Dimensions))
	for i, d := range info.Dimensions {
		if d < 0 {
			d = 1
		}
		shape[i] = d
	}
	return shape
}
