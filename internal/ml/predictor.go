package ml

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gopkg.in/yaml.v3"

	"attentionspan-backend/internal/models"
)

// Default label and output names of the attention/fatigue model
var (
	DefaultLabels  = []string{"Focus-NotFatigued", "Focus-Fatigued", "UnFocus-NotFatigued", "UnFocus-Fatigued"}
	DefaultOutputs = []string{"FO-NF", "FO-FA", "UF-NF", "UF-FA"}
)

// Head is one linear layer: weights is (rows x feature_channels)
type Head struct {
	Weights [][]float64 `yaml:"weights" json:"weights" toml:"weights"`
	Bias    []float64   `yaml:"bias" json:"bias" toml:"bias"`
}

// Normalization standardises the feature scalars before the heads run
type Normalization struct {
	Mean  []float64 `yaml:"mean" json:"mean" toml:"mean"`
	Scale []float64 `yaml:"scale" json:"scale" toml:"scale"`
}

// Model is the on-disk description of a dual-head linear model
type Model struct {
	Version         string         `yaml:"version" json:"version" toml:"version"`
	FeatureChannels []string       `yaml:"feature_channels" json:"feature_channels" toml:"feature_channels"`
	Labels          []string       `yaml:"labels" json:"labels" toml:"labels"`
	Outputs         []string       `yaml:"outputs" json:"outputs" toml:"outputs"`
	Normalization   *Normalization `yaml:"normalization,omitempty" json:"normalization,omitempty" toml:"normalization,omitempty"`
	Classifier      Head           `yaml:"classifier" json:"classifier" toml:"classifier"`
	Regressor       Head           `yaml:"regressor" json:"regressor" toml:"regressor"`
}

// Validate checks the channel order and head shapes
func (m *Model) Validate() error {
	if !slices.Equal(m.FeatureChannels, models.FeatureChannels) {
		return fmt.Errorf("feature channel order %v does not match %v", m.FeatureChannels, models.FeatureChannels)
	}
	if len(m.Labels) == 0 {
		return fmt.Errorf("model has no labels")
	}
	if err := m.Classifier.validate("classifier", len(m.Labels)); err != nil {
		return err
	}
	if err := m.Regressor.validate("regressor", len(m.Outputs)); err != nil {
		return err
	}
	if n := m.Normalization; n != nil {
		if len(n.Mean) != models.NumFeatureChannels || len(n.Scale) != models.NumFeatureChannels {
			return fmt.Errorf("normalization needs %d means and scales", models.NumFeatureChannels)
		}
	}
	return nil
}

func (h Head) validate(name string, rows int) error {
	if len(h.Weights) != rows || len(h.Bias) != rows {
		return fmt.Errorf("%s has %d weight rows and %d biases, want %d", name, len(h.Weights), len(h.Bias), rows)
	}
	for i, row := range h.Weights {
		if len(row) != models.NumFeatureChannels {
			return fmt.Errorf("%s row %d has %d weights, want %d", name, i, len(row), models.NumFeatureChannels)
		}
	}
	return nil
}

func (h Head) dense() (*mat.Dense, *mat.VecDense) {
	if len(h.Weights) == 0 {
		return nil, nil
	}
	w := mat.NewDense(len(h.Weights), models.NumFeatureChannels, nil)
	for i, row := range h.Weights {
		w.SetRow(i, row)
	}
	return w, mat.NewVecDense(len(h.Bias), slices.Clone(h.Bias))
}

// Predictor runs a Model locally
type Predictor struct {
	model *Model

	classW, regW *mat.Dense
	classB, regB *mat.VecDense
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// NewPredictor creates a new predictor by loading the model from file.
// .toml files are decoded as TOML, anything else as YAML (which covers JSON).
func NewPredictor(modelPath string) (*Predictor, error) {
	data, err := os.ReadFile(modelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read model file: %w", err)
	}

	var model Model
	if isTOML(modelPath) {
		err = toml.Unmarshal(data, &model)
	} else {
		err = yaml.Unmarshal(data, &model)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal model: %w", err)
	}

	p, err := NewPredictorFromModel(&model)
	if err != nil {
		return nil, fmt.Errorf("invalid model %s: %w", modelPath, err)
	}

	logrus.WithFields(logrus.Fields{
		"path":    modelPath,
		"version": model.Version,
		"labels":  len(model.Labels),
		"outputs": len(model.Outputs),
	}).Info("Predictor: Loaded model")

	return p, nil
}

// NewPredictorFromModel validates an in-memory model
func NewPredictorFromModel(model *Model) (*Predictor, error) {
	if err := model.Validate(); err != nil {
		return nil, err
	}
	p := &Predictor{model: model}
	p.classW, p.classB = model.Classifier.dense()
	p.regW, p.regB = model.Regressor.dense()
	return p, nil
}

// Model returns the loaded model description
func (p *Predictor) Model() *Model {
	return p.model
}

// Predict collapses each feature row to its scalar, runs both heads and
// returns softmax class probabilities plus the raw regression outputs.
func (p *Predictor) Predict(ctx context.Context, fv models.FeatureVector) (Prediction, error) {
	if err := ctx.Err(); err != nil {
		return Prediction{}, fmt.Errorf("%w: %v", ErrInference, err)
	}
	if fv.Channels() != models.NumFeatureChannels || fv.Samples() == 0 {
		return Prediction{}, fmt.Errorf("%w: feature vector is %dx%d, want %dxN",
			ErrInference, fv.Channels(), fv.Samples(), models.NumFeatureChannels)
	}

	x := make([]float64, models.NumFeatureChannels)
	for i, row := range fv.Data {
		x[i] = stat.Mean(row, nil)
	}
	if n := p.model.Normalization; n != nil {
		for i := range x {
			x[i] -= n.Mean[i]
			if n.Scale[i] != 0 {
				x[i] /= n.Scale[i]
			}
		}
	}
	xv := mat.NewVecDense(len(x), x)

	logits := affine(p.classW, p.classB, xv)
	probs := softmax(logits)

	var outputs []float64
	if p.regW != nil {
		outputs = affine(p.regW, p.regB, xv)
	} else {
		outputs = []float64{}
	}

	cp := make([]models.ClassProbability, len(probs))
	for i, pr := range probs {
		cp[i] = models.ClassProbability{Label: p.model.Labels[i], Probability: pr}
	}
	return finalize(cp, outputs)
}

func affine(w *mat.Dense, b, x *mat.VecDense) []float64 {
	rows, _ := w.Dims()
	out := mat.NewVecDense(rows, nil)
	out.MulVec(w, x)
	out.AddVec(out, b)
	return slices.Clone(out.RawVector().Data)
}

// softmax with max subtraction
func softmax(logits []float64) []float64 {
	out := slices.Clone(logits)
	m := floats.Max(out)
	for i := range out {
		out[i] = math.Exp(out[i] - m)
	}
	sum := floats.Sum(out)
	floats.Scale(1/sum, out)
	return out
}

// CreateSampleModel writes an untrained demonstration model. Beta raises the
// focus classes, theta and alpha raise the fatigue classes.
func CreateSampleModel(path string) error {
	zero := func() []float64 { return make([]float64, models.NumFeatureChannels) }
	row := func(delta, theta, alpha, beta, gamma float64) []float64 {
		r := zero()
		copy(r, []float64{delta, theta, alpha, beta, gamma})
		return r
	}

	scale := zero()
	for i := range scale {
		scale[i] = 1
	}
	for i := 0; i < models.NumBands; i++ {
		scale[i] = 10
	}

	model := Model{
		Version:         "sample-1",
		FeatureChannels: slices.Clone(models.FeatureChannels),
		Labels:          slices.Clone(DefaultLabels),
		Outputs:         slices.Clone(DefaultOutputs),
		Normalization:   &Normalization{Mean: zero(), Scale: scale},
		Classifier: Head{
			Weights: [][]float64{
				row(-0.2, -0.6, -0.3, 0.9, 0.2),
				row(0.1, 0.5, 0.4, 0.5, 0.1),
				row(0.2, -0.2, 0.1, -0.6, -0.1),
				row(0.3, 0.8, 0.6, -0.5, -0.2),
			},
			Bias: []float64{0.1, 0, 0, -0.1},
		},
		Regressor: Head{
			Weights: [][]float64{
				row(0, -0.3, -0.2, 0.4, 0.1),
				row(0, 0.2, 0.2, 0.2, 0),
				row(0, -0.1, 0.1, -0.3, 0),
				row(0, 0.4, 0.3, -0.2, -0.1),
			},
			Bias: []float64{0.25, 0.25, 0.25, 0.25},
		},
	}

	var buf bytes.Buffer
	if isTOML(path) {
		err := toml.NewEncoder(&buf).Encode(&model)
		if err != nil {
			return fmt.Errorf("failed to marshal model: %w", err)
		}
	} else {
		data, err := yaml.Marshal(&model)
		if err != nil {
			return fmt.Errorf("failed to marshal model: %w", err)
		}
		buf.Write(data)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write model file: %w", err)
	}

	logrus.Infof("Created sample model at %s", path)
	return nil
}
