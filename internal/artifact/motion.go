package artifact

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"attentionspan-backend/internal/models"
)

// AuxLayout is the order of the inertial groups in the auxiliary buffer
type AuxLayout string

const (
	// AccelFirst: rows 0-2 accelerometer X/Y/Z, rows 3-5 gyroscope X/Y/Z
	AccelFirst AuxLayout = "accel-first"
	// GyroFirst: rows 0-2 gyroscope X/Y/Z, rows 3-5 accelerometer X/Y/Z
	GyroFirst AuxLayout = "gyro-first"
)

// auxRows is the minimum auxiliary row count carrying both groups
const auxRows = 6

// SplitAux returns the accelerometer and gyroscope rows of an auxiliary
// buffer, or nil, nil if the buffer does not carry both groups.
func SplitAux(aux [][]float64, layout AuxLayout) (accel, gyro [][]float64) {
	if len(aux) < auxRows || models.SampleCount(aux) == 0 {
		return nil, nil
	}
	if layout == GyroFirst {
		return aux[3:6], aux[0:3]
	}
	return aux[0:3], aux[3:6]
}

// SummarizeMotion computes the per-axis means of the gyroscope and
// accelerometer rows. It also returns the accelerometer rows for the motion
// check; both are zero/nil when the auxiliary group is unavailable.
func SummarizeMotion(aux [][]float64, layout AuxLayout) (models.MotionSummary, [][]float64) {
	accel, gyro := SplitAux(aux, layout)
	if accel == nil {
		return models.MotionSummary{}, nil
	}

	var ms models.MotionSummary
	for i := 0; i < 3; i++ {
		ms.Accel[i] = stat.Mean(accel[i], nil)
		ms.Gyro[i] = stat.Mean(gyro[i], nil)
	}
	return ms, accel
}

// MotionScore is the mean absolute first difference of the per-sample
// acceleration magnitude. Fewer than two samples score 0.
func MotionScore(accel [][]float64) float64 {
	n := models.SampleCount(accel)
	if len(accel) < 3 || n < 2 {
		return 0
	}

	mag := make([]float64, n)
	v := make([]float64, 3)
	for j := 0; j < n; j++ {
		for axis := 0; axis < 3; axis++ {
			v[axis] = accel[axis][j]
		}
		mag[j] = floats.Norm(v, 2)
	}

	var sum float64
	for j := 1; j < n; j++ {
		sum += math.Abs(mag[j] - mag[j-1])
	}
	return sum / float64(n-1)
}
