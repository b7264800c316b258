// Package ambiguity resolves double-differenced carrier-phase integer
// ambiguities from a float Kalman state, implementing internal/rtk's
// Resolver interface.
//
// The integer least-squares search is grounded on the teacher's
// src/lamda.go (LD/Gauss/Perm/Reduction/Search/Lambda, refs [1] Teunissen
// 1995 and [2] Chang/Yang/Zhou 2005), but the teacher's flat column-major
// []float64 arrays and raw index arithmetic are replaced with
// gonum.org/v1/gonum/mat throughout, matching internal/linalg's existing
// choice of gonum for the rest of the estimator.
package ambiguity

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// loopMax bounds the mlambda search tree expansion, same cap as the
// teacher's LOOPMAX.
const loopMax = 10000

func sgn(x float64) float64 {
	if x <= 0 {
		return -1
	}
	return 1
}

func roundF(x float64) float64 {
	t := math.Trunc(x)
	if math.Abs(x-t) >= 0.5 {
		return t + math.Copysign(1, x)
	}
	return t
}

// ldFactorize computes Q = L'*diag(D)*L, L unit lower triangular,
// returning L and D. Grounded on the teacher's LD.
func ldFactorize(q *mat.SymDense) (l *mat.Dense, d []float64, err error) {
	n, _ := q.Dims()
	a := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			a.Set(i, j, q.At(i, j))
		}
	}
	l = mat.NewDense(n, n, nil)
	d = make([]float64, n)

	for i := n - 1; i >= 0; i-- {
		d[i] = a.At(i, i)
		if d[i] <= 0 {
			return nil, nil, fmt.Errorf("ambiguity: LD factorization failed at %d", i)
		}
		sq := math.Sqrt(d[i])
		for j := 0; j <= i; j++ {
			l.Set(i, j, a.At(i, j)/sq)
		}
		for j := 0; j <= i-1; j++ {
			for k := 0; k <= j; k++ {
				a.Set(j, k, a.At(j, k)-l.At(i, k)*l.At(i, j))
			}
		}
		for j := 0; j <= i; j++ {
			l.Set(i, j, l.At(i, j)/l.At(i, i))
		}
	}
	return l, d, nil
}

// gaussTransform eliminates L[i][j] by an integer row combination,
// updating the accumulated reduction transform z alongside. Grounded on
// the teacher's Gauss.
func gaussTransform(n int, l, z *mat.Dense, i, j int) {
	mu := int(roundF(l.At(i, j)))
	if mu == 0 {
		return
	}
	fm := float64(mu)
	for k := i; k < n; k++ {
		l.Set(k, j, l.At(k, j)-fm*l.At(k, i))
	}
	for k := 0; k < n; k++ {
		z.Set(k, j, z.At(k, j)-fm*z.At(k, i))
	}
}

// permute swaps adjacent decorrelation candidates j, j+1, rescaling L/D
// in place. Grounded on the teacher's Perm.
func permute(n int, l *mat.Dense, d []float64, j int, del float64, z *mat.Dense) {
	eta := d[j] / del
	lam := d[j+1] * l.At(j+1, j) / del
	d[j] = eta * d[j+1]
	d[j+1] = del
	for k := 0; k <= j-1; k++ {
		a0, a1 := l.At(j, k), l.At(j+1, k)
		l.Set(j, k, -l.At(j+1, j)*a0+a1)
		l.Set(j+1, k, eta*a0+lam*a1)
	}
	l.Set(j+1, j, lam)
	for k := j + 2; k < n; k++ {
		t := l.At(k, j)
		l.Set(k, j, l.At(k, j+1))
		l.Set(k, j+1, t)
	}
	for k := 0; k < n; k++ {
		t := z.At(k, j)
		z.Set(k, j, z.At(k, j+1))
		z.Set(k, j+1, t)
	}
}

// reduction applies the LAMBDA decorrelation transform (ref [1]) to L/D
// in place, accumulating the integer transform in z (initialized to the
// identity by the caller). Grounded on the teacher's Reduction.
func reduction(n int, l *mat.Dense, d []float64, z *mat.Dense) {
	j, k := n-2, n-2
	for j >= 0 {
		if j <= k {
			for i := j + 1; i < n; i++ {
				gaussTransform(n, l, z, i, j)
			}
		}
		del := d[j] + l.At(j+1, j)*l.At(j+1, j)*d[j+1]
		if del+1e-6 < d[j+1] {
			permute(n, l, d, j, del, z)
			k = j
			j = n - 2
		} else {
			j--
		}
	}
}

// search runs the modified-LAMBDA (MLAMBDA, ref [2]) integer
// least-squares tree search, returning the m best candidate integer
// vectors zn (as columns) and their squared residual norms s, both
// sorted ascending by residual. Grounded on the teacher's Search.
func search(n, m int, l *mat.Dense, d, zs []float64) (zn *mat.Dense, s []float64, err error) {
	sMat := mat.NewDense(n, n, nil)
	dist := make([]float64, n)
	zb := make([]float64, n)
	z := make([]float64, n)
	step := make([]float64, n)
	zn = mat.NewDense(n, m, nil)
	s = make([]float64, m)

	k := n - 1
	dist[k] = 0
	zb[k] = zs[k]
	z[k] = roundF(zb[k])
	y := zb[k] - z[k]
	step[k] = sgn(y)

	maxDist := math.Inf(1)
	nn, imax := 0, 0
	c := 0
	for ; c < loopMax; c++ {
		newDist := dist[k] + y*y/d[k]
		if newDist < maxDist {
			if k != 0 {
				k--
				dist[k] = newDist
				for i := 0; i <= k; i++ {
					sMat.Set(k, i, sMat.At(k+1, i)+(z[k+1]-zb[k+1])*l.At(k+1, i))
				}
				zb[k] = zs[k] + sMat.At(k, k)
				z[k] = roundF(zb[k])
				y = zb[k] - z[k]
				step[k] = sgn(y)
			} else {
				if nn < m {
					if nn == 0 || newDist > s[imax] {
						imax = nn
					}
					for i := 0; i < n; i++ {
						zn.Set(i, nn, z[i])
					}
					s[nn] = newDist
					nn++
				} else {
					if newDist < s[imax] {
						for i := 0; i < n; i++ {
							zn.Set(i, imax, z[i])
						}
						s[imax] = newDist
						imax = 0
						for i := 0; i < m; i++ {
							if s[imax] < s[i] {
								imax = i
							}
						}
					}
					maxDist = s[imax]
				}
				z[0] += step[0]
				y = zb[0] - z[0]
				step[0] = -step[0] - sgn(step[0])
			}
		} else {
			if k == n-1 {
				break
			}
			k++
			z[k] += step[k]
			y = zb[k] - z[k]
			step[k] = -step[k] - sgn(step[k])
		}
	}
	if c >= loopMax {
		return nil, nil, fmt.Errorf("ambiguity: search loop count overflow")
	}
	// sort ascending by s
	for i := 0; i < m-1; i++ {
		for j := i + 1; j < m; j++ {
			if s[i] <= s[j] {
				continue
			}
			s[i], s[j] = s[j], s[i]
			for row := 0; row < n; row++ {
				a, b := zn.At(row, i), zn.At(row, j)
				zn.Set(row, i, b)
				zn.Set(row, j, a)
			}
		}
	}
	return zn, s, nil
}

// Lambda resolves the n float ambiguities a (covariance q) to their m
// best integer candidate vectors (columns of the returned matrix) and
// each candidate's sum-of-squared residuals. Grounded on the teacher's
// top-level Lambda: LD factorization, LAMBDA decorrelation, z=Z'*a,
// MLAMBDA search, then F=Z'\E to map decorrelated candidates back.
func Lambda(a []float64, q *mat.SymDense, m int) (f *mat.Dense, s []float64, err error) {
	n := len(a)
	if n == 0 || m <= 0 {
		return nil, nil, fmt.Errorf("ambiguity: invalid lambda dimensions n=%d m=%d", n, m)
	}
	l, d, err := ldFactorize(q)
	if err != nil {
		return nil, nil, err
	}
	z := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		z.Set(i, i, 1)
	}
	reduction(n, l, d, z)

	zs := make([]float64, n)
	av := mat.NewVecDense(n, a)
	var zv mat.VecDense
	zv.MulVec(z.T(), av)
	for i := 0; i < n; i++ {
		zs[i] = zv.AtVec(i)
	}

	e, s, err := search(n, m, l, d, zs)
	if err != nil {
		return nil, nil, err
	}

	// F = Z'\E, i.e. solve Z'*F = E for F.
	f = mat.NewDense(n, m, nil)
	zt := mat.NewDense(n, n, nil)
	zt.Copy(z.T())
	if err := f.Solve(zt, e); err != nil {
		return nil, nil, fmt.Errorf("ambiguity: back-substitution failed: %w", err)
	}
	return f, s, nil
}
