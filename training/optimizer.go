package training

import (
	"fmt"
	"math"
	"sync"

	"github.com/medvision/nodulenet/tensor"
)

// Optimizer interface defines the methods that all optimizers must implement.
type Optimizer interface {
	Step() error      // Updates model parameters based on gradients
	ZeroGrad()        // Resets gradients to zero for all parameters
	GetLR() float64   // Gets current learning rate
	SetLR(lr float64) // Sets learning rate
}

// SGD implements stochastic gradient descent with optional momentum.
type SGD struct {
	parameters   []*tensor.Tensor
	learningRate float64
	momentum     float64
	weightDecay  float64
	velocities   map[*tensor.Tensor][]float32
	mutex        sync.RWMutex
}

// NewSGD creates a new SGD optimizer.
func NewSGD(parameters []*tensor.Tensor, lr, momentum, weightDecay float64) *SGD {
	return &SGD{
		parameters:   parameters,
		learningRate: lr,
		momentum:     momentum,
		weightDecay:  weightDecay,
		velocities:   make(map[*tensor.Tensor][]float32),
	}
}

// Step performs a single optimization step.
func (sgd *SGD) Step() error {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	for _, param := range sgd.parameters {
		if !param.RequiresGrad() || param.Grad() == nil {
			continue
		}

		data, err := param.GetFloat32Data()
		if err != nil {
			return fmt.Errorf("parameter access failed: %v", err)
		}
		grad, err := param.Grad().GetFloat32Data()
		if err != nil {
			return fmt.Errorf("gradient access failed: %v", err)
		}
		if len(grad) != len(data) {
			return fmt.Errorf("gradient size mismatch: parameter %d, gradient %d", len(data), len(grad))
		}

		lr := float32(sgd.learningRate)
		wd := float32(sgd.weightDecay)

		if sgd.momentum > 0 {
			velocity := sgd.velocities[param]
			if velocity == nil {
				velocity = make([]float32, len(data))
				sgd.velocities[param] = velocity
			}

			mu := float32(sgd.momentum)
			for i := range data {
				g := grad[i] + wd*data[i]
				velocity[i] = mu*velocity[i] + g
				data[i] -= lr * velocity[i]
			}
		} else {
			for i := range data {
				g := grad[i] + wd*data[i]
				data[i] -= lr * g
			}
		}
	}

	return nil
}

// ZeroGrad resets gradients to zero for all parameters.
func (sgd *SGD) ZeroGrad() {
	tensor.ZeroGrad(sgd.parameters)
}

// GetLR returns the current learning rate.
func (sgd *SGD) GetLR() float64 {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return sgd.learningRate
}

// SetLR sets the learning rate.
func (sgd *SGD) SetLR(lr float64) {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()
	sgd.learningRate = lr
}

// Adam implements the Adam optimizer with bias-corrected moment estimates.
type Adam struct {
	parameters  []*tensor.Tensor
	lr          float64
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64
	step        int64
	m           map[*tensor.Tensor][]float32
	v           map[*tensor.Tensor][]float32
	mutex       sync.RWMutex
}

// NewAdam creates a new Adam optimizer.
func NewAdam(parameters []*tensor.Tensor, lr, beta1, beta2, eps, weightDecay float64) *Adam {
	return &Adam{
		parameters:  parameters,
		lr:          lr,
		beta1:       beta1,
		beta2:       beta2,
		eps:         eps,
		weightDecay: weightDecay,
		m:           make(map[*tensor.Tensor][]float32),
		v:           make(map[*tensor.Tensor][]float32),
	}
}

// NewDefaultAdam creates an Adam optimizer with the conventional
// beta/epsilon constants.
func NewDefaultAdam(parameters []*tensor.Tensor, lr float64) *Adam {
	return NewAdam(parameters, lr, 0.9, 0.999, 1e-8, 0.0)
}

// Step performs a single optimization step.
func (adam *Adam) Step() error {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	adam.step++

	bias1 := 1.0 - math.Pow(adam.beta1, float64(adam.step))
	bias2 := 1.0 - math.Pow(adam.beta2, float64(adam.step))

	for _, param := range adam.parameters {
		if !param.RequiresGrad() || param.Grad() == nil {
			continue
		}

		data, err := param.GetFloat32Data()
		if err != nil {
			return fmt.Errorf("parameter access failed: %v", err)
		}
		grad, err := param.Grad().GetFloat32Data()
		if err != nil {
			return fmt.Errorf("gradient access failed: %v", err)
		}
		if len(grad) != len(data) {
			return fmt.Errorf("gradient size mismatch: parameter %d, gradient %d", len(data), len(grad))
		}

		m := adam.m[param]
		v := adam.v[param]
		if m == nil {
			m = make([]float32, len(data))
			v = make([]float32, len(data))
			adam.m[param] = m
			adam.v[param] = v
		}

		for i := range data {
			g := float64(grad[i]) + adam.weightDecay*float64(data[i])

			m[i] = float32(adam.beta1*float64(m[i]) + (1.0-adam.beta1)*g)
			v[i] = float32(adam.beta2*float64(v[i]) + (1.0-adam.beta2)*g*g)

			mHat := float64(m[i]) / bias1
			vHat := float64(v[i]) / bias2

			data[i] -= float32(adam.lr * mHat / (math.Sqrt(vHat) + adam.eps))
		}
	}

	return nil
}

// ZeroGrad resets gradients to zero for all parameters.
func (adam *Adam) ZeroGrad() {
	tensor.ZeroGrad(adam.parameters)
}

// GetLR returns the current learning rate.
func (adam *Adam) GetLR() float64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.lr
}

// SetLR sets the learning rate.
func (adam *Adam) SetLR(lr float64) {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	adam.lr = lr
}
