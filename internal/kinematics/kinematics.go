// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package kinematics computes closed-form pose deltas for a robot moving
// with constant linear and angular velocity.
package kinematics

import (
	"math"

	"github.com/relabs-tech/mbot_sim/internal/geometry"
)

// AngularEpsilon is the turn rate (rad/s) below which motion is integrated as
// a straight line. The arc formula divides by the turn rate.
const AngularEpsilon = 1e-5

// Integrate returns the pose delta produced by holding twist constant for dt
// seconds, starting from heading theta0.
//
// Straight motion uses the world-frame linear components directly. Turning
// motion follows a circular arc of radius v/vθ where v is the linear speed,
// negative when the linear velocity points behind the heading (reversing).
func Integrate(twist geometry.Twist, theta0, dt float64) (dx, dy, dtheta float64) {
	if math.Abs(twist.VTheta) <= AngularEpsilon {
		return twist.VX * dt, twist.VY * dt, 0
	}

	v := math.Hypot(twist.VX, twist.VY)
	if twist.VX*math.Cos(theta0)+twist.VY*math.Sin(theta0) < 0 {
		v = -v
	}
	r := v / twist.VTheta
	theta1 := theta0 + twist.VTheta*dt

	dx = r * (math.Sin(theta1) - math.Sin(theta0))
	dy = -r * (math.Cos(theta1) - math.Cos(theta0))
	dtheta = twist.VTheta * dt
	return dx, dy, dtheta
}

// Step advances pose by holding twist for dt seconds.
func Step(pose geometry.Pose, twist geometry.Twist, dt float64) geometry.Pose {
	dx, dy, dtheta := Integrate(twist, pose.Theta, dt)
	return pose.Add(dx, dy, dtheta)
}
