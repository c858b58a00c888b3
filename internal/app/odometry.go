// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/relabs-tech/mbot_sim/internal/geometry"
	"github.com/relabs-tech/mbot_sim/internal/messages"
)

// minOdometryTrans is the translation below which a delta is treated as a
// pure rotation.
const minOdometryTrans = 1e-4

// OdometryModel turns ground-truth poses into wheel-odometry style reports.
// Each delta is decomposed into rotate, translate, rotate and every part is
// perturbed in proportion to its own magnitude, so drift accumulates the way
// it does on a real robot. With both deviations zero it reports ground truth.
type OdometryModel struct {
	transStdDev float64
	rotStdDev   float64
	noise       distuv.Normal

	initialized bool
	last        geometry.Pose
	estimate    geometry.Pose
}

// NewOdometryModel builds a model with fractional deviations per meter and
// per radian.
func NewOdometryModel(transStdDev, rotStdDev float64, seed uint64) *OdometryModel {
	return &OdometryModel{
		transStdDev: transStdDev,
		rotStdDev:   rotStdDev,
		noise:       distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewPCG(seed, seed+1)},
	}
}

// Update folds in the true pose at utime and returns the odometry report.
// It is not safe for concurrent use.
func (o *OdometryModel) Update(utime int64, truth geometry.Pose) messages.Odometry {
	if !o.initialized || (o.transStdDev == 0 && o.rotStdDev == 0) {
		o.last, o.estimate, o.initialized = truth, truth, true
		return messages.NewOdometry(utime, truth)
	}

	dx := truth.X - o.last.X
	dy := truth.Y - o.last.Y
	dtheta := geometry.NormalizeAngle(truth.Theta - o.last.Theta)

	trans := math.Hypot(dx, dy)
	rot1 := 0.0
	if trans >= minOdometryTrans {
		rot1 = geometry.NormalizeAngle(math.Atan2(dy, dx) - o.last.Theta)
		// Driving backward reads as a negative translation, not a half turn.
		if math.Abs(rot1) > math.Pi/2 {
			rot1 = geometry.NormalizeAngle(rot1 - math.Pi)
			trans = -trans
		}
	}
	rot2 := geometry.NormalizeAngle(dtheta - rot1)

	rot1 += o.rotStdDev * math.Abs(rot1) * o.noise.Rand()
	trans += o.transStdDev * math.Abs(trans) * o.noise.Rand()
	rot2 += o.rotStdDev * math.Abs(rot2) * o.noise.Rand()

	o.estimate = geometry.NewPose(
		o.estimate.X+trans*math.Cos(o.estimate.Theta+rot1),
		o.estimate.Y+trans*math.Sin(o.estimate.Theta+rot1),
		o.estimate.Theta+rot1+rot2,
	)
	o.last = truth
	return messages.NewOdometry(utime, o.estimate)
}
