package cartpole

import (
	"errors"
	"math"
	"math/rand"

	"distributed-goal-rl/internal/trajectory"
)

const (
	gravity        = 9.81
	massCart       = 1.0
	massPole       = 0.1
	length         = 0.5
	totalMass      = massCart + massPole
	poleMassLength = massPole * length
	forceMax       = 10.0
	tau            = 0.02

	xThreshold     = 2.4
	thetaThreshold = 12.0 * math.Pi / 180.0
	maxSteps       = 500
)

// ObservationSize is the length of the observation vector
// [x, x_dot, theta, theta_dot].
const ObservationSize = 4

var ErrBadAction = errors.New("cartpole: action must have exactly one component")

type State struct {
	X        float64 `json:"x"`
	XDot     float64 `json:"x_dot"`
	Theta    float64 `json:"theta"`
	ThetaDot float64 `json:"theta_dot"`
}

func (s State) Vector() []float64 {
	return []float64{s.X, s.XDot, s.Theta, s.ThetaDot}
}

type Env struct {
	State State
	Steps int
	Rand  *rand.Rand
}

func NewEnv(rng *rand.Rand) *Env {
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return &Env{Rand: rng}
}

// Reset samples a start state near upright. A "state" kwarg of type State
// pins it instead.
func (e *Env) Reset(kwargs map[string]any) ([]float64, error) {
	if s, ok := kwargs["state"].(State); ok {
		e.State = s
	} else {
		e.State = State{
			X:        e.Rand.Float64()*0.1 - 0.05,
			XDot:     e.Rand.Float64()*0.1 - 0.05,
			Theta:    e.Rand.Float64()*0.1 - 0.05,
			ThetaDot: e.Rand.Float64()*0.1 - 0.05,
		}
	}
	e.Steps = 0
	return e.State.Vector(), nil
}

// Step pushes the cart right when action[0] >= 0.5 and left otherwise.
func (e *Env) Step(action []float64) ([]float64, float64, bool, trajectory.Info, error) {
	if len(action) != 1 {
		return nil, 0, false, nil, ErrBadAction
	}
	force := forceMax
	if action[0] < 0.5 {
		force = -forceMax
	}

	x := e.State.X
	xDot := e.State.XDot
	theta := e.State.Theta
	thetaDot := e.State.ThetaDot

	cosTheta := math.Cos(theta)
	sinTheta := math.Sin(theta)

	temp := (force + poleMassLength*thetaDot*thetaDot*sinTheta) / totalMass
	thetaAcc := (gravity*sinTheta - cosTheta*temp) / (length * (4.0/3.0 - massPole*cosTheta*cosTheta/totalMass))
	xAcc := temp - poleMassLength*thetaAcc*cosTheta/totalMass
	x += tau * xDot
	xDot += tau * xAcc
	theta += tau * thetaDot
	thetaDot += tau * thetaAcc

	e.State = State{
		X:        x,
		XDot:     xDot,
		Theta:    theta,
		ThetaDot: thetaDot,
	}
	e.Steps++

	done := x < -xThreshold || x > xThreshold || theta < -thetaThreshold || theta > thetaThreshold || e.Steps >= maxSteps
	reward := 1.0
	if done && e.Steps < maxSteps {
		reward = 0.0
	}
	info := trajectory.Info{
		"steps": e.Steps,
		"x":     x,
		"theta": theta,
	}
	return e.State.Vector(), reward, done, info, nil
}

func MaxSteps() int {
	return maxSteps
}
