// Package linalg hosts the dense linear algebra the RTK Kalman core and
// ambiguity resolver need: a general inverse, a Kalman update that
// returns the updated state and covariance for every state it is given,
// and index helpers (CompressIndex/CompressState/ExpandState) for
// restricting a state to its non-zero-variance entries.
//
// Grounded on FengXuebin-gnssgo src/common.go (MatMul, MatInv, LUDcmp,
// LUBksb, Filter, Smoother), but the teacher's flat column-major
// []float64 + LU-by-hand is replaced by gonum.org/v1/gonum/mat, the
// dense-matrix library the pack's GNSS/orbit-determination repos
// (other_examples ChristopherRabotin-smd, satoshi-pes-gnss) already use
// for exactly this class of problem; spec.md 4.A requires numerical
// stability at condition numbers >= 1e10, which gonum's LU/Cholesky
// implementations are tuned for and a hand-rolled LU is not.
package linalg

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ErrSingular indicates a matrix inverse or factorization failed
// (spec.md 7, NumericFailure).
var ErrSingular = errors.New("linalg: singular matrix")

// Invert returns the inverse of a square symmetric/non-symmetric matrix.
func Invert(a *mat.Dense) (*mat.Dense, error) {
	r, c := a.Dims()
	if r != c {
		return nil, fmt.Errorf("linalg: invert of non-square %dx%d", r, c)
	}
	inv := mat.NewDense(r, r, nil)
	if err := inv.Inverse(a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSingular, err)
	}
	return inv, nil
}

// CompressIndex computes the uncompressed-index -> compressed-index
// mapping for the non-zero-variance subset of a state vector, per
// spec.md 9 ("Manual compression of sparse Kalman matrices"): an
// explicit mapping computed each epoch rather than scattered ad hoc
// loops, always keeping the first three (position) rows.
func CompressIndex(x []float64, p *mat.SymDense) []int {
	n, _ := p.Dims()
	ix := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if i < 3 || (x[i] != 0 && p.At(i, i) > 0) {
			ix = append(ix, i)
		}
	}
	return ix
}

// CompressState extracts the compressed state vector and covariance given
// the index mapping from CompressIndex.
func CompressState(x []float64, p *mat.SymDense, ix []int) (xc []float64, pc *mat.SymDense) {
	k := len(ix)
	xc = make([]float64, k)
	pc = mat.NewSymDense(k, nil)
	for i := 0; i < k; i++ {
		xc[i] = x[ix[i]]
		for j := i; j < k; j++ {
			pc.SetSym(i, j, p.At(ix[i], ix[j]))
		}
	}
	return xc, pc
}

// ExpandState writes the compressed state/covariance back into the full
// arrays at the positions named by ix.
func ExpandState(x []float64, p *mat.SymDense, ix []int, xc []float64, pc *mat.SymDense) {
	k := len(ix)
	for i := 0; i < k; i++ {
		x[ix[i]] = xc[i]
		for j := 0; j < k; j++ {
			p.SetSym(ix[i], ix[j], pc.At(i, j))
		}
	}
}

// KalmanUpdate performs K=P*H'*(H*P*H'+R)^-1, xp=x+K*v, Pp=(I-K*H')*P on a
// dense (already-compressed) system. H is m x n (m measurements, n states),
// matching the "transpose of design matrix" convention of spec.md 4.G.
func KalmanUpdate(x []float64, p *mat.SymDense, h *mat.Dense, v *mat.VecDense, r *mat.SymDense) ([]float64, *mat.SymDense, error) {
	n, _ := p.Dims()
	m, _ := h.Dims()

	var ph mat.Dense
	ph.Mul(h, p) // m x n

	var s mat.Dense
	s.Mul(&ph, h.T()) // m x m
	for i := 0; i < m; i++ {
		for j := 0; j < m; j++ {
			s.Set(i, j, s.At(i, j)+r.At(i, j))
		}
	}

	var sInv mat.Dense
	if err := sInv.Inverse(&s); err != nil {
		return nil, nil, fmt.Errorf("%w: kalman gain: %v", ErrSingular, err)
	}

	var k mat.Dense // n x m
	k.Mul(p, h.T())
	var kk mat.Dense
	kk.Mul(&k, &sInv)

	var dx mat.VecDense
	dx.MulVec(&kk, v)

	xp := make([]float64, n)
	for i := 0; i < n; i++ {
		xp[i] = x[i] + dx.AtVec(i)
	}

	var kh mat.Dense
	kh.Mul(&kk, h) // n x n
	ident := mat.NewDiagDense(n, nil)
	for i := 0; i < n; i++ {
		ident.SetDiag(i, 1)
	}
	var imkh mat.Dense
	imkh.Sub(ident, &kh)
	var pp mat.Dense
	pp.Mul(&imkh, p)

	ppSym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			ppSym.SetSym(i, j, 0.5*(pp.At(i, j)+pp.At(j, i)))
		}
	}
	return xp, ppSym, nil
}

// Smoother combines forward/backward filter solutions by the standard
// fixed-interval two-filter form (spec.md 4.I):
// Qs = (Qf^-1 + Qb^-1)^-1, xs = Qs*(Qf^-1*xf + Qb^-1*xb).
func Smoother(xf []float64, qf *mat.SymDense, xb []float64, qb *mat.SymDense) (xs []float64, qs *mat.SymDense, err error) {
	n := len(xf)
	var invQf, invQb mat.Dense
	if err := invQf.Inverse(qf); err != nil {
		return nil, nil, fmt.Errorf("%w: forward covariance: %v", ErrSingular, err)
	}
	if err := invQb.Inverse(qb); err != nil {
		return nil, nil, fmt.Errorf("%w: backward covariance: %v", ErrSingular, err)
	}
	var sumInv mat.Dense
	sumInv.Add(&invQf, &invQb)
	var qsD mat.Dense
	if err := qsD.Inverse(&sumInv); err != nil {
		return nil, nil, fmt.Errorf("%w: smoother covariance: %v", ErrSingular, err)
	}
	xfv := mat.NewVecDense(n, xf)
	xbv := mat.NewVecDense(n, xb)
	var t1, t2, sum mat.VecDense
	t1.MulVec(&invQf, xfv)
	t2.MulVec(&invQb, xbv)
	sum.AddVec(&t1, &t2)
	var xsv mat.VecDense
	xsv.MulVec(&qsD, &sum)

	xs = make([]float64, n)
	for i := 0; i < n; i++ {
		xs[i] = xsv.AtVec(i)
	}
	qs = mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			qs.SetSym(i, j, qsD.At(i, j))
		}
	}
	return xs, qs, nil
}

// WeightedLeastSquares solves the normal equations dx = (H'H)^-1 H'v for an
// already-weighted design matrix h (m x n, rows pre-divided by measurement
// std) and residual vector v (m x 1), returning the update dx and its
// covariance q = (H'H)^-1 (spec.md 4.F, single-point positioner iteration).
// Grounded on the teacher's src/common.go LSQ.
func WeightedLeastSquares(h *mat.Dense, v *mat.VecDense) (dx []float64, q *mat.SymDense, err error) {
	m, n := h.Dims()
	if m < n {
		return nil, nil, fmt.Errorf("linalg: least squares needs m>=n, got m=%d n=%d", m, n)
	}
	var hth mat.Dense
	hth.Mul(h.T(), h)
	inv, err := Invert(&hth)
	if err != nil {
		return nil, nil, err
	}
	var htv, dxv mat.VecDense
	htv.MulVec(h.T(), v)
	dxv.MulVec(inv, &htv)

	dx = make([]float64, n)
	for i := 0; i < n; i++ {
		dx[i] = dxv.AtVec(i)
	}
	q = mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			q.SetSym(i, j, 0.5*(inv.At(i, j)+inv.At(j, i)))
		}
	}
	return dx, q, nil
}
