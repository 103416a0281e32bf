// Package pose holds the value types produced by the tracking codecs: 3D
// marker positions and rigid-body poses (unit quaternion + translation +
// fit error).
package pose

import (
	"fmt"

	"gonum.org/v1/gonum/num/quat"
)

// Position is a 3D point in millimetres. Missing marks a marker the device
// reported but could not locate.
type Position struct {
	X, Y, Z float64
	Missing bool
}

// MissingPosition returns the sentinel for an unlocated marker.
func MissingPosition() Position { return Position{Missing: true} }

func (p Position) String() string {
	if p.Missing {
		return "MISSING"
	}
	return fmt.Sprintf("(%.2f, %.2f, %.2f)", p.X, p.Y, p.Z)
}

// Pose is a rigid-body transform: rotation quaternion (Q0 scalar part),
// translation in millimetres, and the device's RMS fit error.
type Pose struct {
	Q0, Qx, Qy, Qz float64
	Tx, Ty, Tz     float64
	Err            float64
	Missing        bool
}

// MissingPose returns the sentinel for an untracked tool.
func MissingPose() Pose { return Pose{Missing: true} }

func (p Pose) String() string {
	if p.Missing {
		return "MISSING"
	}
	return fmt.Sprintf("q(%.4f, %.4f, %.4f, %.4f) t(%.2f, %.2f, %.2f) err %.4f",
		p.Q0, p.Qx, p.Qy, p.Qz, p.Tx, p.Ty, p.Tz, p.Err)
}

// Quaternion returns the rotation part as a quaternion number.
func (p Pose) Quaternion() quat.Number {
	return quat.Number{Real: p.Q0, Imag: p.Qx, Jmag: p.Qy, Kmag: p.Qz}
}

// Apply transforms pt from the tool's local frame into the tracker frame:
// rotate by the pose quaternion, then translate.
func (p Pose) Apply(pt Position) Position {
	if p.Missing || pt.Missing {
		return MissingPosition()
	}
	q := p.Quaternion()
	v := quat.Number{Imag: pt.X, Jmag: pt.Y, Kmag: pt.Z}
	r := quat.Mul(quat.Mul(q, v), quat.Conj(q))
	return Position{X: r.Imag + p.Tx, Y: r.Jmag + p.Ty, Z: r.Kmag + p.Tz}
}

// Compose returns the pose equivalent to applying b then a. Fit errors do
// not compose; the result carries the larger of the two.
func Compose(a, b Pose) Pose {
	if a.Missing || b.Missing {
		return MissingPose()
	}
	q := quat.Mul(a.Quaternion(), b.Quaternion())
	t := a.Apply(Position{X: b.Tx, Y: b.Ty, Z: b.Tz})
	err := a.Err
	if b.Err > err {
		err = b.Err
	}
	return Pose{
		Q0: q.Real, Qx: q.Imag, Qy: q.Jmag, Qz: q.Kmag,
		Tx: t.X, Ty: t.Y, Tz: t.Z,
		Err: err,
	}
}
