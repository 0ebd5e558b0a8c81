package tensor

import "testing"

func TestAttentionSingleKey(t *testing.T) {
	t.Parallel()
	q := NewMatFromData(1, 2, []float32{1, 1})
	k := NewMatFromData(1, 2, []float32{3, -2})
	v := NewMatFromData(1, 2, []float32{0.5, -4})
	dst := NewMat(1, 2)
	Attention(&dst, &q, &k, &v, 2, 1, nil)
	if !Equal(&dst, &v) {
		t.Fatalf("single key should return its value, got %v", dst.Data)
	}
}

func TestAttentionMaskHidesPadding(t *testing.T) {
	t.Parallel()
	q := NewMat(3, 4)
	k := NewMat(3, 4)
	v := NewMat(3, 4)
	FillRand(&q, 1, 1)
	FillRand(&k, 2, 1)
	FillRand(&v, 3, 1)

	masked := NewMat(3, 4)
	Attention(&masked, &q, &k, &v, 2, 2, []bool{true, true, false})

	// Dropping the padded key entirely must give the same result for the
	// unpadded queries.
	k2 := k.SelectRows([]int{0, 1})
	v2 := v.SelectRows([]int{0, 1})
	q2 := q.SelectRows([]int{0, 1})
	short := NewMat(2, 4)
	Attention(&short, &q2, &k2, &v2, 2, 2, nil)

	for i := range 2 {
		if d := MaxAbsDiff(masked.Row(i), short.Row(i)); d > 1e-5 {
			t.Fatalf("row %d differs by %g", i, d)
		}
	}
}

func TestAttentionHeadsIndependent(t *testing.T) {
	t.Parallel()
	q := NewMat(4, 6)
	k := NewMat(4, 6)
	v := NewMat(4, 6)
	FillRand(&q, 4, 1)
	FillRand(&k, 5, 1)
	FillRand(&v, 6, 1)
	full := NewMat(4, 6)
	Attention(&full, &q, &k, &v, 3, 2, nil)

	cols := []int{2, 3}
	qh, kh, vh := q.SelectCols(cols), k.SelectCols(cols), v.SelectCols(cols)
	one := NewMat(4, 2)
	Attention(&one, &qh, &kh, &vh, 1, 2, nil)
	got := full.SelectCols(cols)
	if d := MaxAbsDiff(got.Data, one.Data); d > 1e-6 {
		t.Fatalf("head 1 depends on other heads, diff %g", d)
	}
}
