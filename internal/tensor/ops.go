package tensor

import "math"

// This file holds the local numeric kernels consumed by the pipeline. Each is
// a pure function over in-memory matrices; callers are responsible for handing
// them tensors of matching shape.

// EmbeddingLookup gathers table rows for a batch of token sequences. xs holds
// batch*seq token indices; the result is [batch x seq*emb] with each sequence's
// embeddings concatenated row-wise, ready for a dense transform.
func EmbeddingLookup(table Mat, xs []int, batch, seq int) Mat {
	if len(xs) != batch*seq {
		panic("token count does not match batch*seq")
	}
	emb := table.C
	out := NewMat(batch, seq*emb)
	for b := 0; b < batch; b++ {
		dst := out.Row(b)
		for s := 0; s < seq; s++ {
			tok := xs[b*seq+s]
			copy(dst[s*emb:(s+1)*emb], table.Row(tok))
		}
	}
	return out
}

// Linear computes x @ w for x [batch x in] and w [in x out].
func Linear(x, w Mat) Mat {
	if x.C != w.R {
		panic("inner dimensions do not match")
	}
	out := NewMat(x.R, w.C)
	for b := 0; b < x.R; b++ {
		xr := x.Row(b)
		dst := out.Row(b)
		for i := 0; i < w.R; i++ {
			xi := xr[i]
			if xi == 0 {
				continue
			}
			wr := w.Row(i)
			for j := range dst {
				dst[j] += xi * wr[j]
			}
		}
	}
	return out
}

// ReLU applies the rectifier elementwise, returning a new matrix.
func ReLU(x Mat) Mat {
	out := NewMat(x.R, x.C)
	for i, v := range x.Data {
		if v > 0 {
			out.Data[i] = v
		}
	}
	return out
}

// Softmax normalises each row into a probability distribution. The usual
// max-subtraction keeps the exponentials in range.
func Softmax(x Mat) Mat {
	out := NewMat(x.R, x.C)
	for b := 0; b < x.R; b++ {
		row := x.Row(b)
		dst := out.Row(b)
		maxv := row[0]
		for _, v := range row[1:] {
			if v > maxv {
				maxv = v
			}
		}
		var sum float64
		for j, v := range row {
			e := math.Exp(float64(v - maxv))
			dst[j] = float32(e)
			sum += e
		}
		inv := float32(1 / sum)
		for j := range dst {
			dst[j] *= inv
		}
	}
	return out
}

// CrossEntropy returns the mean negative log likelihood of the labels under
// the given row-wise probability distributions.
func CrossEntropy(probs Mat, ys []int) float32 {
	if len(ys) != probs.R {
		panic("label count does not match batch")
	}
	var sum float64
	for b, y := range ys {
		p := float64(probs.Row(b)[y])
		sum += -math.Log(p)
	}
	return float32(sum / float64(probs.R))
}
