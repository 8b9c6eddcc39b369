package pii

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/daulet/tokenizers"
	onnxruntime "github.com/yalue/onnxruntime_go"
)

// maxSeqLen is the model's maximum input length in tokens; longer inputs are
// truncated.
const maxSeqLen = 512

// minConfidence is the softmax probability below which a token's predicted
// label is discarded as "O".
const minConfidence = 0.5

// ONNXNERDetector implements Detector using a quantized ONNX token
// classification model with BIO tagging over PER/ORG/LOC.
type ONNXNERDetector struct {
	tokenizer    *tokenizers.Tokenizer
	session      *onnxruntime.AdvancedSession
	inputTensor  *onnxruntime.Tensor[int64]
	maskTensor   *onnxruntime.Tensor[int64]
	outputTensor *onnxruntime.Tensor[float32]
	id2label     map[string]string
	numLabels    int
	modelPath    string
}

// safeUintToInt safely converts a uint to int with bounds checking
// Returns maxInt if the value would overflow
func safeUintToInt(val uint) int {
	const maxInt = int(^uint(0) >> 1)
	if val <= uint(maxInt) {
		// #nosec G115 - Safe conversion with bounds checking
		return int(val)
	}
	return maxInt
}

// NewONNXNERDetector creates a new ONNX NER detector from a model file, a
// tokenizer file and a label mapping file.
func NewONNXNERDetector(modelPath, tokenizerPath, labelMapPath string) (*ONNXNERDetector, error) {
	// Resolve the ONNX Runtime shared library: environment variable first,
	// then common build/install locations.
	onnxLibPath := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")
	if onnxLibPath == "" {
		onnxPaths := []string{
			"./libonnxruntime.so",
			"./build/libonnxruntime.so",
			"/usr/local/lib/libonnxruntime.so",
			"./libonnxruntime.dylib",
			"./build/libonnxruntime.dylib",
		}
		for _, path := range onnxPaths {
			if _, err := os.Stat(path); err == nil {
				onnxLibPath = path
				break
			}
		}
	}
	if onnxLibPath != "" {
		onnxruntime.SetSharedLibraryPath(onnxLibPath)
	}

	if !onnxruntime.IsInitialized() {
		if err := onnxruntime.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX Runtime environment: %w", err)
		}
	}

	tk, err := tokenizers.FromFile(tokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}

	labelData, err := os.ReadFile(labelMapPath) // #nosec G304 - path comes from validated model config
	if err != nil {
		if cerr := tk.Close(); cerr != nil {
			fmt.Printf("Warning: failed to close tokenizer during cleanup: %v\n", cerr)
		}
		return nil, fmt.Errorf("failed to read label mapping: %w", err)
	}

	var labelConfig struct {
		ID2Label map[string]string `json:"id2label"`
	}
	if err := json.Unmarshal(labelData, &labelConfig); err != nil {
		if cerr := tk.Close(); cerr != nil {
			fmt.Printf("Warning: failed to close tokenizer during cleanup: %v\n", cerr)
		}
		return nil, fmt.Errorf("failed to parse label mapping: %w", err)
	}

	numLabels := countLabels(labelConfig.ID2Label)
	if numLabels == 0 {
		if cerr := tk.Close(); cerr != nil {
			fmt.Printf("Warning: failed to close tokenizer during cleanup: %v\n", cerr)
		}
		return nil, fmt.Errorf("label mapping %s contains no labels", labelMapPath)
	}

	return &ONNXNERDetector{
		tokenizer: tk,
		id2label:  labelConfig.ID2Label,
		numLabels: numLabels,
		modelPath: modelPath,
	}, nil
}

// countLabels derives the label count from the highest ID in the mapping.
// Special labels like "-100" (IGNORE) are skipped.
func countLabels(id2label map[string]string) int {
	numLabels := 0
	for idStr := range id2label {
		if idStr == "-100" {
			continue
		}
		var id int
		if _, err := fmt.Sscanf(idStr, "%d", &id); err == nil {
			if id >= numLabels {
				numLabels = id + 1
			}
		}
	}
	if numLabels == 0 {
		numLabels = len(id2label)
	}
	return numLabels
}

// GetName returns the name of this detector
func (d *ONNXNERDetector) GetName() string {
	return "onnx_ner_detector"
}

// Detect runs the model over the input text and returns typed entity spans.
func (d *ONNXNERDetector) Detect(ctx context.Context, input DetectorInput) (DetectorOutput, error) {
	if err := ctx.Err(); err != nil {
		return DetectorOutput{}, err
	}

	// Session and tensors are created lazily on first use.
	if d.session == nil {
		if err := d.initializeSession(); err != nil {
			return DetectorOutput{}, fmt.Errorf("failed to initialize session: %w", err)
		}
	}

	encoding := d.tokenizer.EncodeWithOptions(input.Text, true, tokenizers.WithReturnOffsets())
	tokenIDs := encoding.IDs
	offsets := encoding.Offsets
	if len(tokenIDs) > maxSeqLen {
		tokenIDs = tokenIDs[:maxSeqLen]
		offsets = offsets[:maxSeqLen]
	}

	inputIDs := make([]int64, len(tokenIDs))
	attentionMask := make([]int64, len(tokenIDs))
	for i := range tokenIDs {
		inputIDs[i] = int64(tokenIDs[i])
		attentionMask[i] = 1
	}
	d.updateInputTensors(inputIDs, attentionMask)

	if err := d.session.Run(); err != nil {
		return DetectorOutput{}, fmt.Errorf("failed to run inference: %w", err)
	}

	labels, confidences := d.decodeTokenLabels(len(tokenIDs))
	entities := groupEntities(input.Text, offsets, labels, confidences)

	return DetectorOutput{
		Text:     input.Text,
		Entities: entities,
	}, nil
}

// decodeTokenLabels converts raw logits into a per-token label and softmax
// confidence. Predictions below minConfidence fall back to "O".
func (d *ONNXNERDetector) decodeTokenLabels(numTokens int) ([]string, []float64) {
	outputData := d.outputTensor.GetData()
	labels := make([]string, 0, numTokens)
	confidences := make([]float64, 0, numTokens)

	for i := 0; i < numTokens; i++ {
		startIdx := i * d.numLabels
		endIdx := (i + 1) * d.numLabels
		if endIdx > len(outputData) {
			break
		}
		best, confidence := argmaxSoftmax(outputData[startIdx:endIdx])

		label, exists := d.id2label[fmt.Sprintf("%d", best)]
		if !exists || confidence < minConfidence {
			label = "O"
		}
		labels = append(labels, label)
		confidences = append(confidences, confidence)
	}
	return labels, confidences
}

// argmaxSoftmax returns the index of the largest logit and its softmax
// probability.
func argmaxSoftmax(logits []float32) (int, float64) {
	maxLogit := float64(-math.MaxFloat64)
	best := 0
	for j, logit := range logits {
		if float64(logit) > maxLogit {
			maxLogit = float64(logit)
			best = j
		}
	}
	var sum float64
	for _, logit := range logits {
		sum += math.Exp(float64(logit) - maxLogit)
	}
	if sum == 0 {
		return best, 0
	}
	return best, 1 / sum
}

// entityTypeForLabel maps a BIO base label to its entity type.
func entityTypeForLabel(base string) (EntityType, bool) {
	switch base {
	case "PER", "PERSON":
		return EntityPerson, true
	case "ORG", "ORGANIZATION":
		return EntityOrganization, true
	case "LOC", "LOCATION":
		return EntityLocation, true
	}
	return "", false
}

// groupEntities folds per-token BIO labels into entity spans with byte
// offsets into text. Consecutive tokens with a B-/I- prefix and the same base
// label form one entity; labels outside the PER/ORG/LOC set are ignored.
func groupEntities(text string, offsets []tokenizers.Offset, labels []string, confidences []float64) []Entity {
	entities := []Entity{}

	numTokens := len(labels)
	if len(offsets) < numTokens {
		numTokens = len(offsets)
	}

	var current *Entity
	var lastTokenIdx int

	flush := func() {
		if current != nil {
			entities = append(entities, *current)
			current = nil
		}
	}

	for i := 0; i < numTokens; i++ {
		label := labels[i]
		isBeginning := strings.HasPrefix(label, "B-")
		isInside := strings.HasPrefix(label, "I-")
		base := strings.TrimPrefix(strings.TrimPrefix(label, "B-"), "I-")

		entityType, known := entityTypeForLabel(base)
		if label == "O" || !known {
			flush()
			continue
		}

		start := safeUintToInt(offsets[i][0])
		end := safeUintToInt(offsets[i][1])
		if start >= end || end > len(text) {
			// Special tokens carry zero-width offsets; they never extend an
			// entity.
			flush()
			continue
		}

		switch {
		case isInside && current != nil && current.Type == entityType:
			current.EndPos = end
			current.Text = text[current.StartPos:current.EndPos]
			current.Confidence = (current.Confidence + confidences[i]) / 2
			lastTokenIdx = i
		case isBeginning || current == nil || current.Type != entityType:
			flush()
			current = &Entity{
				Text:       text[start:end],
				Type:       entityType,
				StartPos:   start,
				EndPos:     end,
				Confidence: confidences[i],
			}
			lastTokenIdx = i
		default:
			// Same base label without a B-/I- prefix directly after the
			// previous token: treat as continuation.
			if i == lastTokenIdx+1 {
				current.EndPos = end
				current.Text = text[current.StartPos:current.EndPos]
				current.Confidence = (current.Confidence + confidences[i]) / 2
				lastTokenIdx = i
			} else {
				flush()
				current = &Entity{
					Text:       text[start:end],
					Type:       entityType,
					StartPos:   start,
					EndPos:     end,
					Confidence: confidences[i],
				}
				lastTokenIdx = i
			}
		}
	}
	flush()

	return entities
}

// initializeSession creates the input/output tensors and the inference
// session.
func (d *ONNXNERDetector) initializeSession() error {
	batchSize := int64(1)

	inputShape := onnxruntime.NewShape(batchSize, int64(maxSeqLen))
	inputTensor, err := onnxruntime.NewTensor(inputShape, make([]int64, maxSeqLen))
	if err != nil {
		return fmt.Errorf("failed to create input tensor: %w", err)
	}

	maskTensor, err := onnxruntime.NewTensor(inputShape, make([]int64, maxSeqLen))
	if err != nil {
		if derr := inputTensor.Destroy(); derr != nil {
			fmt.Printf("Warning: failed to destroy input tensor during cleanup: %v\n", derr)
		}
		return fmt.Errorf("failed to create mask tensor: %w", err)
	}

	outputShape := onnxruntime.NewShape(batchSize, int64(maxSeqLen), int64(d.numLabels))
	outputTensor, err := onnxruntime.NewEmptyTensor[float32](outputShape)
	if err != nil {
		if derr := inputTensor.Destroy(); derr != nil {
			fmt.Printf("Warning: failed to destroy input tensor during cleanup: %v\n", derr)
		}
		if derr := maskTensor.Destroy(); derr != nil {
			fmt.Printf("Warning: failed to destroy mask tensor during cleanup: %v\n", derr)
		}
		return fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := onnxruntime.NewAdvancedSession(d.modelPath,
		[]string{"input_ids", "attention_mask"},
		[]string{"logits"},
		[]onnxruntime.Value{inputTensor, maskTensor},
		[]onnxruntime.Value{outputTensor},
		nil)
	if err != nil {
		if derr := inputTensor.Destroy(); derr != nil {
			fmt.Printf("Warning: failed to destroy input tensor during cleanup: %v\n", derr)
		}
		if derr := maskTensor.Destroy(); derr != nil {
			fmt.Printf("Warning: failed to destroy mask tensor during cleanup: %v\n", derr)
		}
		if derr := outputTensor.Destroy(); derr != nil {
			fmt.Printf("Warning: failed to destroy output tensor during cleanup: %v\n", derr)
		}
		return fmt.Errorf("failed to create session: %w", err)
	}

	d.session = session
	d.inputTensor = inputTensor
	d.maskTensor = maskTensor
	d.outputTensor = outputTensor

	return nil
}

// updateInputTensors updates the input tensors with new data
func (d *ONNXNERDetector) updateInputTensors(inputIDs, attentionMask []int64) {
	inputData := d.inputTensor.GetData()
	maskData := d.maskTensor.GetData()

	for i := range inputData {
		inputData[i] = 0
		maskData[i] = 0
	}

	copy(inputData, inputIDs)
	copy(maskData, attentionMask)
}

// Close implements the Detector interface
func (d *ONNXNERDetector) Close() error {
	var errs []error

	if d.session != nil {
		if err := d.session.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy session: %w", err))
		}
	}
	if d.inputTensor != nil {
		if err := d.inputTensor.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy input tensor: %w", err))
		}
	}
	if d.maskTensor != nil {
		if err := d.maskTensor.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy mask tensor: %w", err))
		}
	}
	if d.outputTensor != nil {
		if err := d.outputTensor.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy output tensor: %w", err))
		}
	}
	if d.tokenizer != nil {
		if err := d.tokenizer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close tokenizer: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("cleanup errors: %v", errs)
	}
	return nil
}
