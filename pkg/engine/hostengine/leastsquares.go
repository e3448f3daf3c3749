// Copyright (c) Meridian authors.
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hostengine

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/meridian-ml/meridian/pkg/prng"
	"github.com/meridian-ml/meridian/pkg/tensor"
)

const (
	// WeightLeaf and ScaleLeaf are the model leaves of LeastSquares.
	// ScaleLeaf is a scalar multiplier, typically frozen, so tests can
	// exercise trainable/frozen partitioning.
	WeightLeaf = "w"
	ScaleLeaf  = "scale"

	// XLeaf and YLeaf are the batch leaves.
	XLeaf = "x"
	YLeaf = "y"
)

// LeastSquares is an analytic ridge-free least-squares objective:
// per-example loss 0.5*(scale * x.w - y)^2, reduced by mean over the batch
// axis. It has no stochastic layers, so training and inference passes
// coincide and the key is unused.
type LeastSquares struct {
	BatchAxisName string
	FeatureAxis   tensor.Axis
}

// NewLeastSquares builds the objective over the given batch axis name and
// feature axis.
func NewLeastSquares(batchAxisName string, featureAxis tensor.Axis) *LeastSquares {
	return &LeastSquares{BatchAxisName: batchAxisName, FeatureAxis: featureAxis}
}

// InitModel returns a model with the given weights and unit scale.
func (o *LeastSquares) InitModel(weights []float64) (tensor.Tree, error) {
	w, err := tensor.New(weights, o.FeatureAxis)
	if err != nil {
		return nil, err
	}
	return tensor.Tree{
		WeightLeaf: w,
		ScaleLeaf:  tensor.Scalar(1),
	}, nil
}

// residuals returns (scale*x.w - y) per example.
func (o *LeastSquares) residuals(model tensor.Tree, batch tensor.Tree) ([]float64, error) {
	w, ok := model[WeightLeaf]
	if !ok {
		return nil, fmt.Errorf("model is missing leaf %q", WeightLeaf)
	}
	scale := 1.0
	if s, ok := model[ScaleLeaf]; ok {
		scale = s.ScalarValue()
	}
	x, ok := batch[XLeaf]
	if !ok {
		return nil, fmt.Errorf("batch is missing leaf %q", XLeaf)
	}
	y, ok := batch[YLeaf]
	if !ok {
		return nil, fmt.Errorf("batch is missing leaf %q", YLeaf)
	}
	b, err := x.AxisSize(o.BatchAxisName)
	if err != nil {
		return nil, err
	}
	k := o.FeatureAxis.Size
	if x.Size() != b*k {
		return nil, fmt.Errorf("x has %d elements, want %dx%d", x.Size(), b, k)
	}
	res := make([]float64, b)
	for i := 0; i < b; i++ {
		pred := scale * floats.Dot(x.Data[i*k:(i+1)*k], w.Data)
		res[i] = pred - y.Data[i]
	}
	return res, nil
}

func (o *LeastSquares) Loss(model tensor.Tree, batch tensor.Tree, _ prng.Key) (float64, error) {
	return o.EvalLoss(model, batch)
}

func (o *LeastSquares) EvalLoss(model tensor.Tree, batch tensor.Tree) (float64, error) {
	res, err := o.residuals(model, batch)
	if err != nil {
		return 0, err
	}
	loss := 0.0
	for _, r := range res {
		loss += 0.5 * r * r
	}
	return loss / float64(len(res)), nil
}

func (o *LeastSquares) LossAndGrad(params, rest tensor.Tree, batch tensor.Tree, key prng.Key) (float64, tensor.Tree, error) {
	model := tensor.Combine(params, rest)
	res, err := o.residuals(model, batch)
	if err != nil {
		return 0, nil, err
	}
	b := len(res)
	scale := 1.0
	if s, ok := model[ScaleLeaf]; ok {
		scale = s.ScalarValue()
	}
	x := batch[XLeaf]
	w := model[WeightLeaf]
	k := o.FeatureAxis.Size

	loss := 0.0
	for _, r := range res {
		loss += 0.5 * r * r
	}
	loss /= float64(b)

	grads := make(tensor.Tree)
	if _, ok := params[WeightLeaf]; ok {
		gw := make([]float64, k)
		for i := 0; i < b; i++ {
			floats.AddScaled(gw, res[i]*scale/float64(b), x.Data[i*k:(i+1)*k])
		}
		gt, err := tensor.New(gw, o.FeatureAxis)
		if err != nil {
			return 0, nil, err
		}
		grads[WeightLeaf] = gt
	}
	if _, ok := params[ScaleLeaf]; ok {
		gs := 0.0
		for i := 0; i < b; i++ {
			gs += res[i] * floats.Dot(x.Data[i*k:(i+1)*k], w.Data) / float64(b)
		}
		grads[ScaleLeaf] = tensor.Scalar(gs)
	}
	return loss, grads, nil
}

func (o *LeastSquares) PerExampleLoss(model tensor.Tree, batch tensor.Tree) (*tensor.Tensor, error) {
	res, err := o.residuals(model, batch)
	if err != nil {
		return nil, err
	}
	losses := make([]float64, len(res))
	for i, r := range res {
		losses[i] = 0.5 * r * r
	}
	return tensor.New(losses, tensor.Axis{Name: o.BatchAxisName, Size: len(res)})
}

// PerExampleVJP contracts the cotangent vector against the Jacobian of the
// per-example losses with respect to params. No batch-mean is applied: the
// caller owns the reduction semantics.
func (o *LeastSquares) PerExampleVJP(params, rest tensor.Tree, batch tensor.Tree, cotangent *tensor.Tensor) (tensor.Tree, error) {
	model := tensor.Combine(params, rest)
	res, err := o.residuals(model, batch)
	if err != nil {
		return nil, err
	}
	if cotangent.Size() != len(res) {
		return nil, fmt.Errorf("cotangent has %d elements, want %d", cotangent.Size(), len(res))
	}
	scale := 1.0
	if s, ok := model[ScaleLeaf]; ok {
		scale = s.ScalarValue()
	}
	x := batch[XLeaf]
	w := model[WeightLeaf]
	k := o.FeatureAxis.Size

	grads := make(tensor.Tree)
	if _, ok := params[WeightLeaf]; ok {
		gw := make([]float64, k)
		for i := range res {
			floats.AddScaled(gw, cotangent.Data[i]*res[i]*scale, x.Data[i*k:(i+1)*k])
		}
		gt, err := tensor.New(gw, o.FeatureAxis)
		if err != nil {
			return nil, err
		}
		grads[WeightLeaf] = gt
	}
	if _, ok := params[ScaleLeaf]; ok {
		gs := 0.0
		for i := range res {
			gs += cotangent.Data[i] * res[i] * floats.Dot(x.Data[i*k:(i+1)*k], w.Data)
		}
		grads[ScaleLeaf] = tensor.Scalar(gs)
	}
	return grads, nil
}
